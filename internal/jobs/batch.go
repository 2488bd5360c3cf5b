package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/storage"
)

// MaxBatchItems caps the number of targets in one batch.
const MaxBatchItems = 1000

// targetPlaceholder in a string param is replaced by each item's target id.
const targetPlaceholder = "{target_id}"

var (
	ErrBatchRunning = errors.New("batch is already running")
	ErrClosed       = errors.New("orchestrator is closed")
)

// BatchRequest describes a batch: one generation of Kind per target.
type BatchRequest struct {
	TargetIDs []string       `json:"target_ids"`
	Kind      payload.Kind   `json:"kind"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// CreateBatch validates req and persists a pending batch. Target ids are
// trimmed and de-duplicated, keeping first-seen order.
func (o *Orchestrator) CreateBatch(ctx context.Context, req BatchRequest) (storage.BatchJob, error) {
	kind, err := payload.ParseKind(string(req.Kind))
	if err != nil {
		return storage.BatchJob{}, err
	}
	seen := make(map[string]bool, len(req.TargetIDs))
	var ids []string
	for _, id := range req.TargetIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return storage.BatchJob{}, fmt.Errorf("%w: batch needs at least one target id", payload.ErrInvalid)
	}
	if len(ids) > MaxBatchItems {
		return storage.BatchJob{}, fmt.Errorf("%w: batch has %d targets, limit is %d", payload.ErrInvalid, len(ids), MaxBatchItems)
	}
	providerName := strings.ToLower(strings.TrimSpace(req.Provider))
	if providerName == "" {
		providerName = o.cfg.DefaultProvider
	}

	// Every item must produce a valid request before anything is stored.
	b := storage.BatchJob{
		ID:        uuid.New().String(),
		Kind:      string(kind),
		Provider:  providerName,
		Model:     req.Model,
		CreatedAt: o.clock.Now(),
	}
	if req.Params != nil {
		if b.Params, err = json.Marshal(req.Params); err != nil {
			return storage.BatchJob{}, fmt.Errorf("%w: params: %v", payload.ErrInvalid, err)
		}
	}
	if _, err := o.normalize(itemRequest(b, req.Params, ids[0])); err != nil {
		return storage.BatchJob{}, err
	}
	if err := o.store.CreateBatch(ctx, b, ids); err != nil {
		return storage.BatchJob{}, err
	}
	b.Status = storage.BatchPending
	b.TotalItems = len(ids)
	o.logger.Info("batch created", "batch_id", b.ID, "kind", b.Kind, "items", len(ids), "provider", b.Provider)
	return b, nil
}

// SubmitBatch creates a batch and starts processing it in the background.
func (o *Orchestrator) SubmitBatch(ctx context.Context, req BatchRequest) (storage.BatchJob, error) {
	b, err := o.CreateBatch(ctx, req)
	if err != nil {
		return storage.BatchJob{}, err
	}
	if err := o.StartBatch(b.ID); err != nil {
		return b, err
	}
	return b, nil
}

func itemRequest(b storage.BatchJob, params map[string]any, targetID string) Request {
	var p map[string]any
	if len(params) > 0 {
		p = make(map[string]any, len(params))
		for k, v := range params {
			if s, ok := v.(string); ok {
				v = strings.ReplaceAll(s, targetPlaceholder, targetID)
			}
			p[k] = v
		}
	}
	return Request{
		TargetID: targetID,
		Kind:     payload.Kind(b.Kind),
		Provider: b.Provider,
		Model:    b.Model,
		Params:   p,
	}
}

// StartBatch runs a batch on a background goroutine that lives until Close.
func (o *Orchestrator) StartBatch(id string) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.RunBatch(o.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("batch run failed", "batch_id", id, "error", err)
		}
	}()
	return nil
}

func (o *Orchestrator) register(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[id] {
		return false
	}
	o.running[id] = true
	return true
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[id]
}

// RunBatch processes a batch with cfg.Workers workers and blocks until no
// item is left to claim. When ctx ends, claimed items go back to the queue
// and the batch stays processing so it can be resumed.
func (o *Orchestrator) RunBatch(ctx context.Context, id string) (storage.BatchJob, error) {
	if !o.register(id) {
		return storage.BatchJob{}, ErrBatchRunning
	}

	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		o.unregister(id)
		return storage.BatchJob{}, err
	}
	if b.Status.Terminal() {
		o.unregister(id)
		return b, nil
	}
	if b.Status == storage.BatchPending {
		if err := o.store.StartBatch(ctx, id, o.clock.Now()); err != nil {
			o.unregister(id)
			return storage.BatchJob{}, err
		}
	}

	var params map[string]any
	if len(b.Params) > 0 {
		if err := json.Unmarshal(b.Params, &params); err != nil {
			o.unregister(id)
			return storage.BatchJob{}, fmt.Errorf("decoding params of batch %s: %w", id, err)
		}
	}

	log := o.logger.With("batch_id", id)
	log.Info("batch started", "items", b.TotalItems, "processed", b.ProcessedItems, "workers", o.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for range o.cfg.Workers {
		g.Go(func() error {
			for gctx.Err() == nil {
				item, err := o.store.ClaimBatchItem(gctx, id, o.clock.Now())
				if err != nil {
					return err
				}
				if item == nil {
					return nil
				}
				if err := o.processItem(gctx, b, params, item); err != nil {
					return err
				}
			}
			return gctx.Err()
		})
	}
	runErr := g.Wait()
	o.unregister(id)

	wctx := context.WithoutCancel(ctx)
	if runErr != nil && ctx.Err() == nil {
		log.Error("batch aborted", "error", runErr)
		if err := o.store.FailBatch(wctx, id, o.clock.Now()); err != nil {
			log.Error("marking batch failed", "error", err)
		}
		out, _ := o.store.GetBatch(wctx, id)
		return out, runErr
	}

	out, err := o.store.FinalizeBatch(wctx, id, o.clock.Now())
	if err != nil {
		return storage.BatchJob{}, err
	}
	log.Info("batch stopped", "status", out.Status, "processed", out.ProcessedItems,
		"succeeded", out.SuccessfulItems, "failed", out.FailedItems)
	if runErr != nil {
		return out, runErr
	}
	return out, nil
}

// itemJob returns the job for a claimed item, creating it on first claim
// and reusing it when the item was interrupted before.
func (o *Orchestrator) itemJob(ctx context.Context, b storage.BatchJob, req Request, item *storage.BatchItem) (storage.GenerationJob, error) {
	if item.JobID != "" {
		job, err := o.store.GetJob(ctx, item.JobID)
		if err != nil {
			return storage.GenerationJob{}, err
		}
		if job.Status == storage.JobPending {
			if err := o.store.StartJob(ctx, job.ID, o.clock.Now()); err != nil {
				return storage.GenerationJob{}, err
			}
		}
		return job, nil
	}

	job, err := o.newJob(req, b.ID)
	if err != nil {
		return storage.GenerationJob{}, err
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return storage.GenerationJob{}, err
	}
	if err := o.store.AttachBatchItemJob(ctx, b.ID, item.ItemID, job.ID); err != nil {
		return storage.GenerationJob{}, err
	}
	if err := o.store.StartJob(ctx, job.ID, o.clock.Now()); err != nil {
		return storage.GenerationJob{}, err
	}
	return job, nil
}

// processItem drives one claimed item to succeeded or failed. It returns an
// error only when the batch cannot continue.
func (o *Orchestrator) processItem(ctx context.Context, b storage.BatchJob, params map[string]any, item *storage.BatchItem) error {
	wctx := context.WithoutCancel(ctx)
	if err := o.acquire(ctx); err != nil {
		o.requeue(wctx, b.ID, item.ItemID)
		return err
	}
	defer o.release()

	log := o.logger.With("batch_id", b.ID, "item_id", item.ItemID)
	req, err := o.normalize(itemRequest(b, params, item.ItemID))
	if err != nil {
		o.requeue(wctx, b.ID, item.ItemID)
		return err
	}
	job, err := o.itemJob(ctx, b, req, item)
	if err != nil {
		o.requeue(wctx, b.ID, item.ItemID)
		return err
	}

	onFail := func(attempt int, kind string, err error) {
		rerr := o.store.RecordBatchItemError(wctx, storage.BatchItemError{
			BatchID:       b.ID,
			ItemID:        item.ItemID,
			AttemptNumber: attempt,
			ErrorKind:     kind,
			Message:       err.Error(),
			CreatedAt:     o.clock.Now(),
		})
		if rerr != nil {
			log.Error("recording item error", "attempt", attempt, "error", rerr)
		}
	}
	ex := o.execute(ctx, job, req, item.Attempts, o.cfg.MaxAttempts-item.Attempts, onFail)
	if ex.cancelled {
		o.requeue(wctx, b.ID, item.ItemID)
		return ctx.Err()
	}
	if ex.storageErr != nil {
		o.requeue(wctx, b.ID, item.ItemID)
		return ex.storageErr
	}

	if _, err := o.store.FinishBatchItem(wctx, storage.ItemResult{
		BatchID: b.ID,
		ItemID:  item.ItemID,
		JobID:   job.ID,
		Outcome: ex.outcome,
		Content: ex.content,
	}, o.clock.Now()); err != nil {
		return fmt.Errorf("finishing item %s: %w", item.ItemID, err)
	}
	o.metrics.RecordJobFinished(string(ex.outcome.Status), ex.outcome.CacheHit)
	outcome := "succeeded"
	if ex.outcome.Status != storage.JobCompleted {
		outcome = "failed"
		log.Warn("batch item failed", "attempts", ex.outcome.Attempts, "error_kind", ex.outcome.ErrorKind, "error", ex.outcome.ErrorMessage)
	}
	o.metrics.RecordBatchItem(outcome)
	return nil
}

func (o *Orchestrator) requeue(ctx context.Context, batchID, itemID string) {
	if err := o.store.ReleaseBatchItem(ctx, batchID, itemID, o.clock.Now()); err != nil {
		o.logger.Error("releasing batch item", "batch_id", batchID, "item_id", itemID, "error", err)
	}
}

// CancelBatch requests cancellation. Queued items are skipped; items already
// running finish normally. A batch with no live workers in this process is
// settled immediately.
func (o *Orchestrator) CancelBatch(ctx context.Context, id string) (storage.BatchJob, error) {
	b, err := o.store.RequestBatchCancel(ctx, id, o.clock.Now())
	if err != nil {
		return storage.BatchJob{}, err
	}
	if b.Status == storage.BatchProcessing && !o.isRunning(id) {
		b, err = o.store.FinalizeBatch(ctx, id, o.clock.Now())
		if err != nil {
			return storage.BatchJob{}, err
		}
	}
	o.logger.Info("batch cancellation requested", "batch_id", id, "status", b.Status)
	return b, nil
}

// ResumeBatches restarts every unfinished batch. Items left processing by a
// previous run go back to the queue first.
func (o *Orchestrator) ResumeBatches(ctx context.Context) (int, error) {
	var resumed int
	for _, status := range []storage.BatchStatus{storage.BatchProcessing, storage.BatchPending} {
		batches, err := o.store.ListBatches(ctx, status, MaxBatchItems)
		if err != nil {
			return resumed, err
		}
		for _, b := range batches {
			if o.isRunning(b.ID) {
				continue
			}
			n, err := o.store.RequeueInFlightItems(ctx, b.ID, o.clock.Now())
			if err != nil {
				return resumed, err
			}
			if err := o.StartBatch(b.ID); err != nil {
				return resumed, err
			}
			o.logger.Info("batch resumed", "batch_id", b.ID, "status", b.Status, "requeued", n)
			resumed++
		}
	}
	return resumed, nil
}

// Close stops background batches and waits for their workers. Interrupted
// items are returned to the queue.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
