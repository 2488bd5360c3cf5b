// Package stats computes read-only rollups over the cache, jobs and review
// queue, snapshots them to Redis on a schedule and exports them as
// Prometheus gauges.
package stats

import (
	"context"
	"time"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/clock"
	"github.com/kalambet/genreview/internal/storage"
)

const DefaultStuckThreshold = time.Hour

type Store interface {
	JobThroughput(ctx context.Context) ([]storage.JobThroughputRow, error)
	ReviewerWorkload(ctx context.Context) ([]storage.ReviewerRow, error)
	QueueDepth(ctx context.Context) (depth int64, oldest *time.Time, err error)
	StuckJobs(ctx context.Context, cutoff time.Time) ([]storage.GenerationJob, error)
}

type CacheStats interface {
	Stats(ctx context.Context) ([]cache.ProviderStats, error)
}

type JobThroughput struct {
	Status        storage.JobStatus `json:"status"`
	Provider      string            `json:"provider"`
	Jobs          int64             `json:"jobs"`
	CacheHits     int64             `json:"cache_hits"`
	AvgDurationMs float64           `json:"avg_duration_ms"`
	TotalCostUSD  float64           `json:"total_cost_usd"`
}

type ReviewerWorkload struct {
	Reviewer     string  `json:"reviewer"`
	Approved     int64   `json:"approved"`
	Rejected     int64   `json:"rejected"`
	Total        int64   `json:"total"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type Queue struct {
	Depth            int64      `json:"depth"`
	OldestCreatedAt  *time.Time `json:"oldest_created_at,omitempty"`
	OldestAgeSeconds float64    `json:"oldest_age_seconds"`
}

type StuckJob struct {
	JobID      string    `json:"job_id"`
	TargetID   string    `json:"target_id"`
	Provider   string    `json:"provider"`
	BatchID    string    `json:"batch_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	AgeSeconds float64   `json:"age_seconds"`
}

// Dashboard is every rollup computed at one instant.
type Dashboard struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Cache       []cache.ProviderStats `json:"cache"`
	Jobs        []JobThroughput       `json:"jobs"`
	Reviewers   []ReviewerWorkload    `json:"reviewers"`
	Queue       Queue                 `json:"queue"`
	StuckJobs   []StuckJob            `json:"stuck_jobs"`
}

type Aggregator struct {
	store          Store
	cache          CacheStats
	clock          clock.Clock
	stuckThreshold time.Duration
}

// NewAggregator returns an aggregator; a non-positive threshold uses
// DefaultStuckThreshold.
func NewAggregator(store Store, cs CacheStats, clk clock.Clock, stuckThreshold time.Duration) *Aggregator {
	if clk == nil {
		clk = clock.Real()
	}
	if stuckThreshold <= 0 {
		stuckThreshold = DefaultStuckThreshold
	}
	return &Aggregator{store: store, cache: cs, clock: clk, stuckThreshold: stuckThreshold}
}

func (a *Aggregator) CacheStats(ctx context.Context) ([]cache.ProviderStats, error) {
	st, err := a.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = []cache.ProviderStats{}
	}
	return st, nil
}

func (a *Aggregator) JobThroughput(ctx context.Context) ([]JobThroughput, error) {
	rows, err := a.store.JobThroughput(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]JobThroughput, 0, len(rows))
	for _, r := range rows {
		out = append(out, JobThroughput(r))
	}
	return out, nil
}

func (a *Aggregator) ReviewerWorkload(ctx context.Context) ([]ReviewerWorkload, error) {
	rows, err := a.store.ReviewerWorkload(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ReviewerWorkload, 0, len(rows))
	for _, r := range rows {
		out = append(out, ReviewerWorkload{
			Reviewer:     r.Reviewer,
			Approved:     r.Approved,
			Rejected:     r.Rejected,
			Total:        r.Approved + r.Rejected,
			AvgLatencyMs: r.AvgLatencyMs,
		})
	}
	return out, nil
}

func (a *Aggregator) Queue(ctx context.Context) (Queue, error) {
	depth, oldest, err := a.store.QueueDepth(ctx)
	if err != nil {
		return Queue{}, err
	}
	q := Queue{Depth: depth, OldestCreatedAt: oldest}
	if oldest != nil {
		q.OldestAgeSeconds = max(0, a.clock.Now().Sub(*oldest).Seconds())
	}
	return q, nil
}

// StuckJobs lists jobs processing for longer than the stuck threshold.
func (a *Aggregator) StuckJobs(ctx context.Context) ([]StuckJob, error) {
	now := a.clock.Now()
	jobs, err := a.store.StuckJobs(ctx, now.Add(-a.stuckThreshold))
	if err != nil {
		return nil, err
	}
	out := make([]StuckJob, 0, len(jobs))
	for _, j := range jobs {
		if j.StartedAt == nil {
			continue
		}
		out = append(out, StuckJob{
			JobID:      j.ID,
			TargetID:   j.TargetID,
			Provider:   j.Provider,
			BatchID:    j.BatchID,
			StartedAt:  *j.StartedAt,
			AgeSeconds: now.Sub(*j.StartedAt).Seconds(),
		})
	}
	return out, nil
}

func (a *Aggregator) Dashboard(ctx context.Context) (Dashboard, error) {
	d := Dashboard{GeneratedAt: a.clock.Now()}
	var err error
	if d.Cache, err = a.CacheStats(ctx); err != nil {
		return Dashboard{}, err
	}
	if d.Jobs, err = a.JobThroughput(ctx); err != nil {
		return Dashboard{}, err
	}
	if d.Reviewers, err = a.ReviewerWorkload(ctx); err != nil {
		return Dashboard{}, err
	}
	if d.Queue, err = a.Queue(ctx); err != nil {
		return Dashboard{}, err
	}
	if d.StuckJobs, err = a.StuckJobs(ctx); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}
