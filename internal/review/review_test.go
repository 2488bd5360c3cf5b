package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/genreview/internal/clock"
	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, policy EditPolicy) (*Service, *storage.Store, *clock.Fake) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fc := clock.NewFake(t0)
	return New(db, Options{EditPolicy: policy, Clock: fc}), db, fc
}

// seed stores one completed job per id, each materializing one
// fill-in-blank item with that id.
func seed(t *testing.T, db *storage.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		job := storage.GenerationJob{ID: "job-" + id, TargetID: "cardinal", Kind: "fill_in_blank",
			Provider: "openrouter", CacheKey: "k-" + id, Request: []byte(`{}`), CreatedAt: t0}
		if err := db.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		if err := db.StartJob(ctx, job.ID, t0); err != nil {
			t.Fatal(err)
		}
		raw, err := payload.Encode(&payload.FillInBlank{Sentence: "The ___ is red.", Answer: "cardinal", Confidence: 0.7})
		if err != nil {
			t.Fatal(err)
		}
		item := storage.ContentItem{ID: id, SourceJobID: job.ID, TargetID: job.TargetID, Kind: job.Kind,
			Payload: raw, Confidence: 0.7, CreatedAt: t0}
		if err := db.FinishJob(ctx, job.ID, storage.JobOutcome{Status: storage.JobCompleted, Attempts: 1},
			[]storage.ContentItem{item}, t0); err != nil {
			t.Fatal(err)
		}
	}
}

// Approve then reject: the reject is refused and leaves no trace.
func TestApproveThenRejectIsRefused(t *testing.T) {
	s, db, fc := newTestService(t, EditApprove)
	ctx := context.Background()
	seed(t, db, "c1")

	fc.Advance(10 * time.Minute)
	item, err := s.Approve(ctx, "c1", "alice", "looks right")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if item.Status != storage.ContentApproved || item.ReviewedBy != "alice" {
		t.Errorf("item = %s by %q, want approved by alice", item.Status, item.ReviewedBy)
	}
	if item.ReviewedAt == nil || !item.ReviewedAt.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("ReviewedAt = %v, want %v", item.ReviewedAt, t0.Add(10*time.Minute))
	}

	_, err = s.Reject(ctx, "c1", "bob", "wrong bird")
	if !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("Reject error = %v, want ErrAlreadyReviewed", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.ContentApproved || got.ReviewedBy != "alice" {
		t.Errorf("after refused reject: %s by %q, want approved by alice", got.Status, got.ReviewedBy)
	}
	hist, err := s.History(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ChangeType != ChangeApprove {
		t.Fatalf("history = %+v, want the single approval", hist)
	}

	var prev, next storage.ContentItem
	if err := json.Unmarshal(hist[0].PreviousSnapshot, &prev); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(hist[0].NewSnapshot, &next); err != nil {
		t.Fatal(err)
	}
	if prev.Status != storage.ContentPending || next.Status != storage.ContentApproved {
		t.Errorf("snapshots = %s -> %s, want pending -> approved", prev.Status, next.Status)
	}
}

func TestConcurrentApproveHasOneWinner(t *testing.T) {
	s, db, _ := newTestService(t, EditApprove)
	ctx := context.Background()
	seed(t, db, "c1")

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Approve(ctx, "c1", fmt.Sprintf("reviewer-%d", i), "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case !errors.Is(err, ErrAlreadyReviewed):
			t.Errorf("losing Approve = %v, want ErrAlreadyReviewed", err)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
	hist, err := s.History(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Errorf("history entries = %d, want 1", len(hist))
	}
}

func TestEveryReviewedItemHasReviewer(t *testing.T) {
	s, db, _ := newTestService(t, EditApprove)
	ctx := context.Background()
	seed(t, db, "a", "b", "c")

	if _, err := s.Approve(ctx, "a", "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reject(ctx, "b", "bob", "blurry"); err != nil {
		t.Fatal(err)
	}
	items, err := db.ListContentItems(ctx, storage.ContentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		reviewed := it.ReviewedBy != "" && it.ReviewedAt != nil
		if it.Status.Reviewed() != reviewed {
			t.Errorf("%s: status %s with reviewer %q at %v", it.ID, it.Status, it.ReviewedBy, it.ReviewedAt)
		}
	}
}

func TestActorRequired(t *testing.T) {
	s, db, _ := newTestService(t, EditApprove)
	seed(t, db, "c1")
	if _, err := s.Approve(context.Background(), "c1", "  ", ""); !errors.Is(err, ErrActorRequired) {
		t.Errorf("error = %v, want ErrActorRequired", err)
	}
}

func TestUnknownItemIsNotFound(t *testing.T) {
	s, _, _ := newTestService(t, EditApprove)
	if _, err := s.Approve(context.Background(), "missing", "alice", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Approve error = %v, want ErrNotFound", err)
	}
	if _, err := s.History(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("History error = %v, want ErrNotFound", err)
	}
}

func TestEditApprovesByDefault(t *testing.T) {
	s, db, _ := newTestService(t, EditApprove)
	ctx := context.Background()
	seed(t, db, "c1")

	edit := json.RawMessage(`{"sentence":"The ___ sings at dawn.","answer":"cardinal","confidence":0.7}`)
	item, err := s.Edit(ctx, "c1", "carol", edit, "rephrased")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if item.Status != storage.ContentApproved || item.ReviewedBy != "carol" {
		t.Errorf("item = %s by %q, want approved by carol", item.Status, item.ReviewedBy)
	}
	p, err := payload.Decode(item.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.(*payload.FillInBlank).Sentence; got != "The ___ sings at dawn." {
		t.Errorf("Sentence = %q", got)
	}
	hist, _ := s.History(ctx, "c1")
	if len(hist) != 1 || hist[0].ChangeType != ChangeEdit {
		t.Errorf("history = %+v, want one edit", hist)
	}
}

func TestEditHoldLeavesItemOpen(t *testing.T) {
	s, db, _ := newTestService(t, EditHold)
	ctx := context.Background()
	seed(t, db, "c1")

	edit := json.RawMessage(`{"kind":"fill_in_blank","data":{"sentence":"A ___ in the snow.","answer":"cardinal"}}`)
	item, err := s.Edit(ctx, "c1", "carol", edit, "tightened the clue")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if item.Status != storage.ContentEdited || item.ReviewedBy != "" || item.ReviewedAt != nil {
		t.Errorf("item = %s by %q at %v, want edited with no reviewer", item.Status, item.ReviewedBy, item.ReviewedAt)
	}

	q, err := s.PendingQueue(ctx, QueueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if q.Total != 1 {
		t.Errorf("queue total = %d, want edited item still queued", q.Total)
	}

	approved, err := s.Approve(ctx, "c1", "dave", "")
	if err != nil {
		t.Fatalf("Approve after hold: %v", err)
	}
	if approved.Notes != "tightened the clue" {
		t.Errorf("notes after approve = %q, want the editor's notes kept", approved.Notes)
	}
	hist, _ := s.History(ctx, "c1")
	if len(hist) != 2 {
		t.Errorf("history entries = %d, want 2", len(hist))
	}
}

func TestEditValidatesPayload(t *testing.T) {
	s, db, _ := newTestService(t, EditApprove)
	ctx := context.Background()
	seed(t, db, "c1")

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"other kind", `{"kind":"multiple_choice","data":{"question":"q","options":["a","b"],"correct_index":0}}`, ErrKindMismatch},
		{"no blank", `{"sentence":"no gap here","answer":"x"}`, payload.ErrInvalid},
		{"unknown field", `{"sentence":"a ___","answer":"x","extra":1}`, payload.ErrInvalid},
		{"empty", ``, payload.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Edit(ctx, "c1", "carol", json.RawMessage(tt.raw), ""); !errors.Is(err, tt.want) {
				t.Errorf("Edit error = %v, want %v", err, tt.want)
			}
		})
	}
	got, _ := s.Get(ctx, "c1")
	if got.Status != storage.ContentPending {
		t.Errorf("status = %s after rejected edits, want pending", got.Status)
	}
}

func TestBulkApproveReportsPerItem(t *testing.T) {
	s, db, _ := newTestService(t, EditApprove)
	ctx := context.Background()
	seed(t, db, "a", "b", "c")
	if _, err := s.Reject(ctx, "b", "bob", "dup"); err != nil {
		t.Fatal(err)
	}

	sum, err := s.BulkApprove(ctx, []string{"a", "b", "missing", "c", "a"}, "alice", "batch ok")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 2 || sum.Failed != 2 {
		t.Errorf("succeeded/failed = %d/%d, want 2/2", sum.Succeeded, sum.Failed)
	}
	if len(sum.Results) != 4 {
		t.Fatalf("results = %d, want duplicates collapsed to 4", len(sum.Results))
	}
	if sum.Results[1].ItemID != "b" || sum.Results[1].Error == "" {
		t.Errorf("result for b = %+v, want an error", sum.Results[1])
	}
	if sum.Results[3].Status != storage.ContentApproved {
		t.Errorf("result for c = %+v, want approved", sum.Results[3])
	}
}

func TestPendingQueueSurfacesFailures(t *testing.T) {
	s, db, _ := newTestService(t, EditApprove)
	ctx := context.Background()
	seed(t, db, "a")

	failed := storage.GenerationJob{ID: "broken", TargetID: "owl", Kind: "fill_in_blank", Provider: "openrouter",
		CacheKey: "k-broken", Request: []byte(`{}`), CreatedAt: t0}
	if err := db.CreateJob(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := db.StartJob(ctx, failed.ID, t0); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishJob(ctx, failed.ID, storage.JobOutcome{Status: storage.JobFailed, Attempts: 3,
		ErrorKind: "transient", ErrorMessage: "upstream 503"}, nil, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Approve(ctx, "a", "alice", ""); err != nil {
		t.Fatal(err)
	}

	q, err := s.PendingQueue(ctx, QueueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if q.Total != 0 || len(q.Items) != 0 {
		t.Errorf("queue = %d items, want empty", q.Total)
	}
	if q.FailedJobs != 1 || len(q.RecentFailures) != 1 {
		t.Fatalf("failed = %d recent = %d, want 1/1", q.FailedJobs, len(q.RecentFailures))
	}
	if f := q.RecentFailures[0]; f.TargetID != "owl" || f.ErrorKind != "transient" {
		t.Errorf("recent failure = %+v", f)
	}
}

func TestParseEditPolicy(t *testing.T) {
	if p, err := ParseEditPolicy(""); err != nil || p != EditApprove {
		t.Errorf("ParseEditPolicy(\"\") = %q, %v", p, err)
	}
	if p, err := ParseEditPolicy(" HOLD "); err != nil || p != EditHold {
		t.Errorf("ParseEditPolicy(HOLD) = %q, %v", p, err)
	}
	if _, err := ParseEditPolicy("publish"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
