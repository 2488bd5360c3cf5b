package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/genreview/internal/telemetry"
)

const (
	defaultKeyPrefix   = "genreview:stats:"
	defaultSnapshotTTL = 7 * 24 * time.Hour
	historyLength      = 288
)

// ErrNoSnapshot is returned by Latest before the first snapshot is written.
var ErrNoSnapshot = errors.New("no stats snapshot available")

type SnapshotterOptions struct {
	KeyPrefix string
	TTL       time.Duration
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Snapshotter recomputes the dashboard and writes it to Redis, away from
// the transactional store, so readers never run the rollup queries.
type Snapshotter struct {
	client  redis.UniversalClient
	agg     *Aggregator
	prefix  string
	ttl     time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewSnapshotter(client redis.UniversalClient, agg *Aggregator, opts SnapshotterOptions) *Snapshotter {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultSnapshotTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Snapshotter{
		client:  client,
		agg:     agg,
		prefix:  opts.KeyPrefix,
		ttl:     opts.TTL,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

func (s *Snapshotter) latestKey() string  { return s.prefix + "latest" }
func (s *Snapshotter) historyKey() string { return s.prefix + "history" }

// Snapshot computes the dashboard, stores it as the latest snapshot,
// appends it to the bounded history and refreshes the exported gauges.
func (s *Snapshotter) Snapshot(ctx context.Context) (Dashboard, error) {
	d, err := s.agg.Dashboard(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("computing dashboard: %w", err)
	}
	Export(d, s.metrics)

	data, err := json.Marshal(d)
	if err != nil {
		return Dashboard{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.latestKey(), data, s.ttl)
	pipe.LPush(ctx, s.historyKey(), data)
	pipe.LTrim(ctx, s.historyKey(), 0, historyLength-1)
	pipe.Expire(ctx, s.historyKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to write stats snapshot", "redis_key", s.latestKey(), "error", err)
		return Dashboard{}, fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Debug("stats snapshot written", "queue_depth", d.Queue.Depth, "stuck_jobs", len(d.StuckJobs))
	return d, nil
}

// Latest returns the most recent snapshot.
func (s *Snapshotter) Latest(ctx context.Context) (Dashboard, error) {
	data, err := s.client.Get(ctx, s.latestKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Dashboard{}, ErrNoSnapshot
	}
	if err != nil {
		return Dashboard{}, fmt.Errorf("read snapshot: %w", err)
	}
	var d Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		return Dashboard{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return d, nil
}

// History returns up to n snapshots, newest first.
func (s *Snapshotter) History(ctx context.Context, n int) ([]Dashboard, error) {
	if n <= 0 || n > historyLength {
		n = historyLength
	}
	raw, err := s.client.LRange(ctx, s.historyKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read snapshot history: %w", err)
	}
	out := make([]Dashboard, 0, len(raw))
	for _, r := range raw {
		var d Dashboard
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			s.logger.Warn("skipping undecodable snapshot", "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Export publishes d as Prometheus gauges.
func Export(d Dashboard, m *telemetry.Metrics) {
	if m == nil {
		return
	}
	for _, c := range d.Cache {
		m.SetCacheProvider(c.Provider, c.HitRate, c.CostSaved, c.ActiveEntries)
	}
	m.SetQueue(d.Queue.Depth, d.Queue.OldestAgeSeconds, len(d.StuckJobs))
}
