// Package jobs runs generation work: single synchronous jobs and batches
// processed by a bounded worker pool, with per-item retries, rate-limit
// pacing and cache-first dispatch.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/clock"
	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/provider"
	"github.com/kalambet/genreview/internal/storage"
	"github.com/kalambet/genreview/internal/telemetry"
)

// Error kinds recorded on jobs in addition to the provider taxonomy.
const (
	KindStorage   = "storage"
	KindCancelled = "cancelled"
)

// Store is the persistence the orchestrator needs. Implemented by storage.Store.
type Store interface {
	CreateJob(ctx context.Context, j storage.GenerationJob) error
	GetJob(ctx context.Context, id string) (storage.GenerationJob, error)
	StartJob(ctx context.Context, id string, now time.Time) error
	FinishJob(ctx context.Context, id string, out storage.JobOutcome, content []storage.ContentItem, now time.Time) error
	ListContentItems(ctx context.Context, f storage.ContentFilter) ([]storage.ContentItem, error)

	CreateBatch(ctx context.Context, b storage.BatchJob, itemIDs []string) error
	GetBatch(ctx context.Context, id string) (storage.BatchJob, error)
	ListBatches(ctx context.Context, status storage.BatchStatus, limit int) ([]storage.BatchJob, error)
	StartBatch(ctx context.Context, id string, now time.Time) error
	ClaimBatchItem(ctx context.Context, batchID string, now time.Time) (*storage.BatchItem, error)
	AttachBatchItemJob(ctx context.Context, batchID, itemID, jobID string) error
	RecordBatchItemError(ctx context.Context, e storage.BatchItemError) error
	FinishBatchItem(ctx context.Context, r storage.ItemResult, now time.Time) (storage.BatchJob, error)
	ReleaseBatchItem(ctx context.Context, batchID, itemID string, now time.Time) error
	RequestBatchCancel(ctx context.Context, id string, now time.Time) (storage.BatchJob, error)
	FinalizeBatch(ctx context.Context, id string, now time.Time) (storage.BatchJob, error)
	FailBatch(ctx context.Context, id string, now time.Time) error
	RequeueInFlightItems(ctx context.Context, batchID string, now time.Time) (int64, error)
}

// Cache is the generation cache consulted before every upstream call.
type Cache interface {
	GetOrGenerate(ctx context.Context, key string, opts cache.SetOptions, fn cache.GenerateFunc) (cache.Lookup, error)
}

// Config tunes concurrency, retries and timeouts.
type Config struct {
	// Workers bounds concurrent generations across single jobs and batches,
	// and is the number of worker goroutines per batch.
	Workers int
	// MaxAttempts per job or batch item, clamped to 1..3.
	MaxAttempts      int
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
	CallTimeout      time.Duration
	// DispatchRPS caps upstream calls per second per provider; 0 is unlimited.
	DispatchRPS     float64
	DefaultProvider string
	CacheTTL        time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	c.MaxAttempts = min(c.MaxAttempts, 3)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "openrouter"
	}
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store     Store
	Cache     Cache
	Generator provider.Generator
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

// Orchestrator runs single jobs and batches against the cache and providers.
type Orchestrator struct {
	cfg     Config
	store   Store
	cache   Cache
	gen     provider.Generator
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	sem    *semaphore.Weighted
	pacers *pacers

	// Background batches run under ctx until Close.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

// New creates an Orchestrator. Call Close to stop background batches.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		store:   deps.Store,
		cache:   deps.Cache,
		gen:     deps.Generator,
		clock:   deps.Clock,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		pacers:  newPacers(cfg.DispatchRPS),
		ctx:     ctx,
		cancel:  cancel,
		running: map[string]bool{},
	}
}

// Request describes one generation.
type Request struct {
	TargetID string         `json:"target_id"`
	Kind     payload.Kind   `json:"kind"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Result is the terminal state of a single job.
type Result struct {
	Job        storage.GenerationJob
	Payload    payload.Payload
	ContentIDs []string
}

func (o *Orchestrator) normalize(req Request) (Request, error) {
	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.TargetID == "" {
		return Request{}, fmt.Errorf("%w: target_id is required", payload.ErrInvalid)
	}
	kind, err := payload.ParseKind(string(req.Kind))
	if err != nil {
		return Request{}, err
	}
	req.Kind = kind
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		req.Provider = o.cfg.DefaultProvider
	}
	if kind == payload.KindVisionAnnotation {
		if v, _ := req.Params["image_url"].(string); strings.TrimSpace(v) == "" {
			return Request{}, fmt.Errorf("%w: vision_annotation requires params.image_url", payload.ErrInvalid)
		}
	}
	return req, nil
}

func (o *Orchestrator) cacheKey(req Request) string {
	return cache.DeriveKey(cache.KeyInput{
		TargetID: req.TargetID,
		Kind:     string(req.Kind),
		Provider: req.Provider,
		Model:    req.Model,
		Params:   req.Params,
	})
}

// CacheKey returns the key Generate would use for req.
func (o *Orchestrator) CacheKey(req Request) (string, error) {
	req, err := o.normalize(req)
	if err != nil {
		return "", err
	}
	return o.cacheKey(req), nil
}

func (o *Orchestrator) newJob(req Request, batchID string) (storage.GenerationJob, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return storage.GenerationJob{}, fmt.Errorf("encoding request: %w", err)
	}
	return storage.GenerationJob{
		ID:        uuid.New().String(),
		TargetID:  req.TargetID,
		Kind:      string(req.Kind),
		Provider:  req.Provider,
		Model:     req.Model,
		CacheKey:  o.cacheKey(req),
		BatchID:   batchID,
		Request:   raw,
		CreatedAt: o.clock.Now(),
	}, nil
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	o.metrics.WorkerAcquired()
	return nil
}

func (o *Orchestrator) release() {
	o.sem.Release(1)
	o.metrics.WorkerReleased()
}

// Generate runs one job to a terminal state and returns it. Invalid
// requests are rejected before a job is created.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Result, error) {
	req, err := o.normalize(req)
	if err != nil {
		return Result{}, err
	}
	if err := o.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer o.release()

	job, err := o.newJob(req, "")
	if err != nil {
		return Result{}, err
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return Result{}, err
	}
	if err := o.store.StartJob(ctx, job.ID, o.clock.Now()); err != nil {
		return Result{}, err
	}
	log := o.logger.With("job_id", job.ID, "target_id", req.TargetID, "provider", req.Provider)

	ex := o.execute(ctx, job, req, 0, o.cfg.MaxAttempts, nil)
	if ex.storageErr != nil {
		log.Error("job aborted by storage error", "error", ex.storageErr)
	}

	// The job is finished even when the caller went away.
	wctx := context.WithoutCancel(ctx)
	if err := o.store.FinishJob(wctx, job.ID, ex.outcome, ex.content, o.clock.Now()); err != nil {
		return Result{}, fmt.Errorf("finishing job %s: %w", job.ID, err)
	}
	o.metrics.RecordJobFinished(string(ex.outcome.Status), ex.outcome.CacheHit)
	log.Info("job finished", "status", ex.outcome.Status, "cache_hit", ex.outcome.CacheHit,
		"attempts", ex.outcome.Attempts, "cost_usd", ex.outcome.CostUSD)

	final, err := o.store.GetJob(wctx, job.ID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Job: final, Payload: ex.payload}
	if len(ex.content) > 0 {
		// Only the job that claimed the cached payload got its items.
		items, err := o.store.ListContentItems(wctx, storage.ContentFilter{SourceJobID: job.ID, Limit: len(ex.content)})
		if err != nil {
			return Result{}, err
		}
		for _, c := range items {
			res.ContentIDs = append(res.ContentIDs, c.ID)
		}
	}
	if ex.storageErr != nil {
		return res, ex.storageErr
	}
	return res, nil
}

// execution is what one job's attempts produced.
type execution struct {
	outcome storage.JobOutcome
	content []storage.ContentItem
	payload payload.Payload
	// cancelled is set when ctx ended before an outcome was reached.
	cancelled  bool
	storageErr error
}

// attemptHook observes each failed attempt; attempt is 1-based over the
// whole life of the job, including attempts made before a restart.
type attemptHook func(attempt int, kind string, err error)

// execute runs up to budget attempts of job, numbering them after prior.
func (o *Orchestrator) execute(ctx context.Context, job storage.GenerationJob, req Request, prior, budget int, onFail attemptHook) execution {
	start := o.clock.Now()
	pc := o.pacers.get(req.Provider)
	opts := cache.SetOptions{Provider: req.Provider, TTL: o.cfg.CacheTTL}
	attempts := prior

	var lookup cache.Lookup
	var lastKind string
	operation := func() error {
		if err := pc.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		l, err := o.cache.GetOrGenerate(ctx, job.CacheKey, opts, o.generateFunc(req))
		if err == nil {
			lookup = l
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		lastKind = errorKind(err)
		if onFail != nil {
			onFail(attempts, lastKind, err)
		}
		switch lastKind {
		case string(provider.KindRateLimit):
			wait := provider.RetryAfter(err)
			if wait <= 0 {
				wait = o.cfg.RateLimitBackoff
			}
			pc.Pause(wait)
			o.logger.Warn("provider rate limited, pausing dispatch", "provider", req.Provider, "pause", wait)
		case string(provider.KindValidation), KindStorage:
			return backoff.Permanent(err)
		}
		return err
	}

	var err error
	if budget > 0 {
		err = backoff.RetryNotify(operation, o.retryPolicy(ctx, budget), func(err error, wait time.Duration) {
			o.logger.Warn("generation attempt failed, retrying", "job_id", job.ID, "attempt", attempts, "wait", wait, "error", err)
		})
	} else {
		err = errors.New("attempts exhausted before restart")
		lastKind = string(provider.KindTransient)
	}

	elapsed := o.clock.Now().Sub(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return execution{cancelled: true, outcome: storage.JobOutcome{
				Status: storage.JobFailed, ErrorMessage: err.Error(), ErrorKind: KindCancelled,
				Attempts: attempts, DurationMs: elapsed,
			}}
		}
		ex := execution{outcome: storage.JobOutcome{
			Status: storage.JobFailed, ErrorMessage: err.Error(), ErrorKind: lastKind,
			Attempts: attempts, DurationMs: elapsed,
		}}
		if lastKind == KindStorage {
			ex.storageErr = err
		}
		return ex
	}

	resp, err := payload.Encode(lookup.Entry.Payload)
	if err != nil {
		return execution{outcome: storage.JobOutcome{
			Status: storage.JobFailed, ErrorMessage: err.Error(), ErrorKind: string(provider.KindValidation),
			Attempts: attempts, DurationMs: elapsed,
		}}
	}
	ex := execution{
		payload: lookup.Entry.Payload,
		outcome: storage.JobOutcome{
			Status:     storage.JobCompleted,
			Response:   resp,
			Attempts:   attempts,
			DurationMs: elapsed,
			CacheHit:   lookup.Hit,
		},
	}
	if !lookup.Hit {
		ex.outcome.CostUSD = lookup.Entry.GenerationCost
	}
	// Hits carry candidate items too: a payload whose generating job gave up
	// before finishing is materialized by the first job that reads it.
	ex.content = o.materialize(job, lookup.Entry.Payload)
	return ex
}

// generateFunc wraps one upstream call with the per-call timeout and
// guarantees the returned error carries a provider kind.
func (o *Orchestrator) generateFunc(req Request) cache.GenerateFunc {
	return func(ctx context.Context) (cache.Generated, error) {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		res, err := o.gen.Generate(cctx, provider.Request{
			TargetID: req.TargetID,
			Kind:     req.Kind,
			Provider: req.Provider,
			Model:    req.Model,
			Params:   req.Params,
		})
		secs := time.Since(start).Seconds()
		if err != nil {
			kind := provider.Classify(err)
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				kind = provider.KindTimeout
			}
			o.metrics.RecordGeneration(req.Provider, string(kind), secs, 0)
			var pe *provider.Error
			if !errors.As(err, &pe) {
				err = &provider.Error{Kind: kind, Provider: req.Provider, Err: err}
			}
			return cache.Generated{}, err
		}
		o.metrics.RecordGeneration(req.Provider, "ok", secs, res.CostUSD)
		return cache.Generated{Payload: res.Payload, Cost: res.CostUSD, GenTimeMs: res.DurationMs}, nil
	}
}

// errorKind classifies a failed attempt. Errors that did not come from the
// provider came from the cache's storage.
func errorKind(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	if errors.Is(err, payload.ErrInvalid) {
		return string(provider.KindValidation)
	}
	return KindStorage
}

func (o *Orchestrator) retryPolicy(ctx context.Context, budget int) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.cfg.InitialBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 8 * o.cfg.InitialBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(budget-1)), ctx)
}

// materialize splits a generation into candidate content items. Storage
// inserts them only for the job that claims the cached payload.
func (o *Orchestrator) materialize(job storage.GenerationJob, p payload.Payload) []storage.ContentItem {
	now := o.clock.Now()
	var out []storage.ContentItem
	for _, part := range payload.Split(p) {
		raw, err := payload.Encode(part)
		if err != nil {
			o.logger.Warn("skipping invalid content part", "job_id", job.ID, "error", err)
			continue
		}
		out = append(out, storage.ContentItem{
			ID:          uuid.New().String(),
			SourceJobID: job.ID,
			TargetID:    job.TargetID,
			Kind:        job.Kind,
			Payload:     raw,
			Confidence:  payload.Confidence(part),
			CreatedAt:   now,
		})
	}
	return out
}
