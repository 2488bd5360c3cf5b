package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/provider"
	"github.com/kalambet/genreview/internal/storage"
)

// stubGen answers with fn and counts calls per target.
type stubGen struct {
	fn    func(ctx context.Context, req provider.Request) (provider.Result, error)
	calls atomic.Int64

	mu       sync.Mutex
	byTarget map[string]int
}

func (s *stubGen) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	if s.byTarget == nil {
		s.byTarget = map[string]int{}
	}
	s.byTarget[req.TargetID]++
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func (s *stubGen) callsFor(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTarget[target]
}

func fib(target string) provider.Result {
	return provider.Result{
		Payload: &payload.FillInBlank{Sentence: "The ___ is red.", Answer: target, Confidence: 0.8},
		CostUSD: 0.002,
	}
}

func okGen() *stubGen {
	return &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		return fib(req.TargetID), nil
	}}
}

func transient(msg string) error {
	return &provider.Error{Kind: provider.KindTransient, Provider: "stub", Err: errors.New(msg)}
}

func newTestOrchestrator(t *testing.T, gen provider.Generator, cfg Config) (*Orchestrator, *storage.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	o := New(cfg, Deps{Store: db, Cache: cache.New(db, cache.Options{}), Generator: gen})
	t.Cleanup(o.Close)
	return o, db
}

func fibRequest(target string) Request {
	return Request{TargetID: target, Kind: payload.KindFillInBlank, Provider: "stub"}
}

func TestGenerateCompletesAndMaterializesContent(t *testing.T) {
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{CostUSD: 0.01, Payload: &payload.VisionAnnotation{
			ImageID: req.TargetID,
			Annotations: []payload.Annotation{
				{Term: "pico", Type: "anatomical", BoundingBox: payload.Box{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}, Confidence: 0.9},
				{Term: "rojo", Type: "color", BoundingBox: payload.Box{X: 0.5, Y: 0.5, Width: 0.2, Height: 0.2}, Confidence: 0.7},
			},
		}}, nil
	}}
	o, db := newTestOrchestrator(t, gen, Config{})
	ctx := context.Background()

	res, err := o.Generate(ctx, Request{TargetID: "img-1", Kind: payload.KindVisionAnnotation, Provider: "stub",
		Params: map[string]any{"image_url": "https://example.com/1.jpg"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Job.Status != storage.JobCompleted {
		t.Fatalf("status = %s, want completed (%s)", res.Job.Status, res.Job.ErrorMessage)
	}
	if res.Job.CacheHit || res.Job.CostUSD != 0.01 || res.Job.Attempts != 1 {
		t.Errorf("job = hit:%v cost:%v attempts:%d, want miss/0.01/1", res.Job.CacheHit, res.Job.CostUSD, res.Job.Attempts)
	}
	if res.Job.CompletedAt == nil {
		t.Error("CompletedAt not set on a completed job")
	}
	if len(res.ContentIDs) != 2 {
		t.Fatalf("ContentIDs = %d, want one per annotation", len(res.ContentIDs))
	}
	item, err := db.GetContentItem(ctx, res.ContentIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != storage.ContentPending || item.SourceJobID != res.Job.ID {
		t.Errorf("item = %s from %s, want pending from %s", item.Status, item.SourceJobID, res.Job.ID)
	}
}

func TestGenerateSecondCallIsCacheHit(t *testing.T) {
	gen := okGen()
	o, db := newTestOrchestrator(t, gen, Config{})
	ctx := context.Background()

	first, err := o.Generate(ctx, fibRequest("cardinal"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Generate(ctx, Request{TargetID: " cardinal ", Kind: "FILL_IN_BLANK", Provider: "Stub"})
	if err != nil {
		t.Fatal(err)
	}
	if gen.calls.Load() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls.Load())
	}
	if !second.Job.CacheHit || second.Job.CostUSD != 0 {
		t.Errorf("second job hit=%v cost=%v, want hit with zero cost", second.Job.CacheHit, second.Job.CostUSD)
	}
	if first.Job.CacheKey != second.Job.CacheKey {
		t.Errorf("cache keys differ: %s vs %s", first.Job.CacheKey, second.Job.CacheKey)
	}
	if len(second.ContentIDs) != 0 {
		t.Errorf("cache hit materialized %d items, want 0", len(second.ContentIDs))
	}
	n, err := db.CountContentItems(ctx, storage.ContentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("content items = %d, want 1", n)
	}
}

func TestGenerateValidationErrorIsNotRetried(t *testing.T) {
	gen := &stubGen{fn: func(context.Context, provider.Request) (provider.Result, error) {
		return provider.Result{}, &provider.Error{Kind: provider.KindValidation, Provider: "stub", Err: errors.New("bad model")}
	}}
	o, _ := newTestOrchestrator(t, gen, Config{})

	res, err := o.Generate(context.Background(), fibRequest("t"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.Status != storage.JobFailed || res.Job.ErrorKind != "validation" {
		t.Errorf("job = %s/%s, want failed/validation", res.Job.Status, res.Job.ErrorKind)
	}
	if res.Job.Attempts != 1 || gen.calls.Load() != 1 {
		t.Errorf("attempts = %d calls = %d, want 1/1", res.Job.Attempts, gen.calls.Load())
	}
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	var n atomic.Int64
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		if n.Add(1) < 3 {
			return provider.Result{}, transient("502")
		}
		return fib(req.TargetID), nil
	}}
	o, _ := newTestOrchestrator(t, gen, Config{})

	res, err := o.Generate(context.Background(), fibRequest("t"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.Status != storage.JobCompleted || res.Job.Attempts != 3 {
		t.Errorf("job = %s after %d attempts, want completed after 3", res.Job.Status, res.Job.Attempts)
	}
}

func TestGenerateRetriesTimeout(t *testing.T) {
	var n atomic.Int64
	gen := &stubGen{fn: func(ctx context.Context, req provider.Request) (provider.Result, error) {
		if n.Add(1) == 1 {
			<-ctx.Done()
			return provider.Result{}, ctx.Err()
		}
		return fib(req.TargetID), nil
	}}
	o, _ := newTestOrchestrator(t, gen, Config{CallTimeout: 20 * time.Millisecond})

	res, err := o.Generate(context.Background(), fibRequest("t"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.Status != storage.JobCompleted || res.Job.Attempts != 2 {
		t.Errorf("job = %s after %d attempts (%s), want completed after 2", res.Job.Status, res.Job.Attempts, res.Job.ErrorMessage)
	}
}

// A caller that gives up mid-generation must not strand the payload: the
// shared generation still lands in the cache, and the next job to read it
// turns it into review items and carries its cost.
func TestCancelledGenerationIsMaterializedByNextJob(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		started <- struct{}{}
		<-release
		return fib(req.TargetID), nil
	}}
	o, db := newTestOrchestrator(t, gen, Config{})
	req := fibRequest("t1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := o.Generate(ctx, req)
		done <- res
	}()
	<-started
	cancel()
	first := <-done
	if first.Job.Status != storage.JobFailed || first.Job.ErrorKind != KindCancelled {
		t.Fatalf("first job = %s/%s, want failed/cancelled", first.Job.Status, first.Job.ErrorKind)
	}
	close(release)

	key, err := o.CacheKey(req)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := db.GetCacheEntry(context.Background(), key); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("detached generation never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Job.Status != storage.JobCompleted || !second.Job.CacheHit {
		t.Fatalf("second job = %s hit=%v, want completed hit", second.Job.Status, second.Job.CacheHit)
	}
	if len(second.ContentIDs) != 1 {
		t.Fatalf("ContentIDs = %d, want 1", len(second.ContentIDs))
	}
	if second.Job.CostUSD != 0.002 {
		t.Errorf("second job cost = %v, want the generation cost 0.002", second.Job.CostUSD)
	}
	if gen.calls.Load() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls.Load())
	}

	third, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(third.ContentIDs) != 0 || third.Job.CostUSD != 0 {
		t.Errorf("third job items=%d cost=%v, want none", len(third.ContentIDs), third.Job.CostUSD)
	}
	n, err := db.CountContentItems(context.Background(), storage.ContentFilter{TargetID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("content items for t1 = %d, want 1", n)
	}
}

func TestGenerateFailsAfterMaxAttempts(t *testing.T) {
	gen := &stubGen{fn: func(context.Context, provider.Request) (provider.Result, error) {
		return provider.Result{}, transient("connection reset")
	}}
	o, _ := newTestOrchestrator(t, gen, Config{MaxAttempts: 10})

	res, err := o.Generate(context.Background(), fibRequest("t"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.Status != storage.JobFailed || res.Job.ErrorKind != "transient" {
		t.Errorf("job = %s/%s, want failed/transient", res.Job.Status, res.Job.ErrorKind)
	}
	if gen.calls.Load() != 3 {
		t.Errorf("calls = %d, want attempts clamped to 3", gen.calls.Load())
	}
}

func TestRateLimitPausesDispatch(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		first := len(stamps) == 1
		mu.Unlock()
		if first {
			return provider.Result{}, &provider.Error{Kind: provider.KindRateLimit, Provider: "stub",
				Err: errors.New("429"), RetryAfter: 80 * time.Millisecond}
		}
		return fib(req.TargetID), nil
	}}
	o, _ := newTestOrchestrator(t, gen, Config{})

	res, err := o.Generate(context.Background(), fibRequest("t"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.Status != storage.JobCompleted || res.Job.Attempts != 2 {
		t.Fatalf("job = %s after %d attempts, want completed after 2", res.Job.Status, res.Job.Attempts)
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 80*time.Millisecond {
		t.Errorf("retry after %v, want at least the Retry-After pause", gap)
	}
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	gen := okGen()
	o, db := newTestOrchestrator(t, gen, Config{})
	ctx := context.Background()

	for _, req := range []Request{
		{TargetID: "", Kind: payload.KindFillInBlank},
		{TargetID: "t", Kind: "essay"},
		{TargetID: "img", Kind: payload.KindVisionAnnotation},
	} {
		if _, err := o.Generate(ctx, req); !errors.Is(err, payload.ErrInvalid) {
			t.Errorf("Generate(%+v) error = %v, want ErrInvalid", req, err)
		}
	}
	jobs, err := db.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 || gen.calls.Load() != 0 {
		t.Errorf("invalid requests created %d jobs and %d calls", len(jobs), gen.calls.Load())
	}
}

// Ten items, two of which always fail: the batch completes with both
// outcomes counted and three attempt errors per failed item.
func TestBatchPartialFailure(t *testing.T) {
	bad := map[string]bool{"t-03": true, "t-07": true}
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		if bad[req.TargetID] {
			return provider.Result{}, transient("upstream 503")
		}
		return fib(req.TargetID), nil
	}}
	o, db := newTestOrchestrator(t, gen, Config{Workers: 3})
	ctx := context.Background()

	ids := []string{"t-00", "t-01", "t-02", "t-03", "t-04", "t-05", "t-06", "t-07", "t-08", "t-09", "t-01", " "}
	b, err := o.CreateBatch(ctx, BatchRequest{TargetIDs: ids, Kind: payload.KindFillInBlank, Provider: "stub"})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if b.TotalItems != 10 {
		t.Fatalf("TotalItems = %d, want duplicates and blanks dropped", b.TotalItems)
	}

	out, err := o.RunBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if out.Status != storage.BatchCompleted {
		t.Errorf("status = %s, want completed", out.Status)
	}
	if out.ProcessedItems != 10 || out.SuccessfulItems != 8 || out.FailedItems != 2 {
		t.Errorf("counters = %d/%d/%d, want 10/8/2", out.ProcessedItems, out.SuccessfulItems, out.FailedItems)
	}

	errs, err := db.ListBatchItemErrors(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 6 {
		t.Fatalf("item errors = %d, want 6", len(errs))
	}
	perItem := map[string][]int{}
	for _, e := range errs {
		perItem[e.ItemID] = append(perItem[e.ItemID], e.AttemptNumber)
		if e.ErrorKind != "transient" {
			t.Errorf("error kind = %s, want transient", e.ErrorKind)
		}
	}
	for id := range bad {
		if got := perItem[id]; len(got) != 3 || got[0] != 1 || got[2] != 3 {
			t.Errorf("%s attempts = %v, want [1 2 3]", id, got)
		}
	}

	failed, err := db.ListJobs(ctx, storage.JobFilter{BatchID: b.ID, Status: storage.JobFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Errorf("failed jobs = %d, want 2", len(failed))
	}
}

func TestBatchParamsSubstituteTarget(t *testing.T) {
	var mu sync.Mutex
	urls := map[string]string{}
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		mu.Lock()
		urls[req.TargetID] = req.Param("image_url")
		mu.Unlock()
		return provider.Result{Payload: &payload.VisionAnnotation{ImageID: req.TargetID, Annotations: []payload.Annotation{
			{Term: "ala", Type: "anatomical", BoundingBox: payload.Box{Width: 0.5, Height: 0.5}, Confidence: 0.5},
		}}}, nil
	}}
	o, _ := newTestOrchestrator(t, gen, Config{})
	ctx := context.Background()

	b, err := o.CreateBatch(ctx, BatchRequest{TargetIDs: []string{"a", "b"}, Kind: payload.KindVisionAnnotation,
		Provider: "stub", Params: map[string]any{"image_url": "https://img.example/{target_id}.jpg"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.RunBatch(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if urls["b"] != "https://img.example/b.jpg" {
		t.Errorf("image_url for b = %q", urls["b"])
	}
}

func TestCancelRunningBatchSkipsQueued(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return fib(req.TargetID), nil
	}}
	o, db := newTestOrchestrator(t, gen, Config{Workers: 1})
	ctx := context.Background()

	b, err := o.CreateBatch(ctx, BatchRequest{TargetIDs: []string{"a", "b", "c", "d", "e"}, Kind: payload.KindFillInBlank, Provider: "stub"})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan storage.BatchJob, 1)
	go func() {
		out, err := o.RunBatch(ctx, b.ID)
		if err != nil {
			t.Errorf("RunBatch: %v", err)
		}
		done <- out
	}()

	<-started
	flagged, err := o.CancelBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if flagged.Status != storage.BatchProcessing || !flagged.CancelRequested {
		t.Errorf("while running: %s flagged=%v, want processing and flagged", flagged.Status, flagged.CancelRequested)
	}
	close(release)

	out := <-done
	if out.Status != storage.BatchCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if out.ProcessedItems != 1 || out.SuccessfulItems != 1 {
		t.Errorf("processed = %d succeeded = %d, want the in-flight item only", out.ProcessedItems, out.SuccessfulItems)
	}
	items, err := db.ListBatchItems(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	var skipped int
	for _, it := range items {
		if it.Status == storage.ItemSkipped {
			skipped++
		}
	}
	if skipped != 4 {
		t.Errorf("skipped = %d, want 4", skipped)
	}

	if _, err := o.CancelBatch(ctx, b.ID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("cancel of cancelled batch error = %v, want ErrConflict", err)
	}
}

func TestCancelIdleBatchSettlesImmediately(t *testing.T) {
	o, db := newTestOrchestrator(t, okGen(), Config{})
	ctx := context.Background()

	b, err := o.CreateBatch(ctx, BatchRequest{TargetIDs: []string{"a", "b"}, Kind: payload.KindFillInBlank, Provider: "stub"})
	if err != nil {
		t.Fatal(err)
	}
	// Processing with no workers, as after a restart.
	if err := db.StartBatch(ctx, b.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	out, err := o.CancelBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != storage.BatchCancelled || out.CompletedAt == nil {
		t.Errorf("status = %s completed_at = %v, want cancelled with timestamp", out.Status, out.CompletedAt)
	}
}

func waitForBatch(t *testing.T, db *storage.Store, id string) storage.BatchJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, err := db.GetBatch(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if b.Status.Terminal() {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch %s did not finish", id)
	return storage.BatchJob{}
}

func TestResumeRequeuesInterruptedItems(t *testing.T) {
	gen := okGen()
	o, db := newTestOrchestrator(t, gen, Config{Workers: 2})
	ctx := context.Background()

	b, err := o.CreateBatch(ctx, BatchRequest{TargetIDs: []string{"a", "b", "c"}, Kind: payload.KindFillInBlank, Provider: "stub"})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after an item was claimed.
	if err := db.StartBatch(ctx, b.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	claimed, err := db.ClaimBatchItem(ctx, b.ID, time.Now())
	if err != nil || claimed == nil {
		t.Fatalf("ClaimBatchItem = %v, %v", claimed, err)
	}

	n, err := o.ResumeBatches(ctx)
	if err != nil {
		t.Fatalf("ResumeBatches: %v", err)
	}
	if n != 1 {
		t.Errorf("resumed = %d, want 1", n)
	}
	out := waitForBatch(t, db, b.ID)
	if out.Status != storage.BatchCompleted || out.SuccessfulItems != 3 {
		t.Errorf("batch = %s with %d succeeded, want completed with 3", out.Status, out.SuccessfulItems)
	}
	if n := gen.callsFor(claimed.ItemID); n != 1 {
		t.Errorf("interrupted item generated %d times, want 1", n)
	}
}

func TestRunBatchRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGen{fn: func(_ context.Context, req provider.Request) (provider.Result, error) {
		<-release
		return fib(req.TargetID), nil
	}}
	o, db := newTestOrchestrator(t, gen, Config{Workers: 1})
	ctx := context.Background()

	b, err := o.SubmitBatch(ctx, BatchRequest{TargetIDs: []string{"a"}, Kind: payload.KindFillInBlank, Provider: "stub"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !o.isRunning(b.ID) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := o.RunBatch(ctx, b.ID); !errors.Is(err, ErrBatchRunning) {
		t.Errorf("second RunBatch error = %v, want ErrBatchRunning", err)
	}
	close(release)
	waitForBatch(t, db, b.ID)
}
