// Package cache is the generation cache: a persistent, TTL-bounded map from
// a derived request key to a generated payload, with LRU eviction, per
// provider cost accounting and single-flight population.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/genreview/internal/clock"
	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/storage"
	"github.com/kalambet/genreview/internal/telemetry"
)

// Backend is the persistence the cache needs. Implemented by storage.Store.
type Backend interface {
	PutCacheEntry(ctx context.Context, e storage.CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string, now time.Time) (storage.CacheEntry, error)
	GetCacheEntry(ctx context.Context, key string) (storage.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
	EvictLRUCacheEntries(ctx context.Context, now time.Time, maxEntries int) (int64, error)
	CacheStatsByProvider(ctx context.Context, now time.Time) ([]storage.CacheProviderStats, error)
}

// Entry is a decoded cache entry.
type Entry struct {
	Key              string
	Payload          payload.Payload
	Provider         string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	LastAccessedAt   time.Time
	AccessCount      int64
	GenerationCost   float64
	GenerationTimeMs int64
}

// SetOptions describes how a payload was produced and how long to keep it.
// A zero TTL uses the store default.
type SetOptions struct {
	Provider  string
	TTL       time.Duration
	Cost      float64
	GenTimeMs int64
}

// ProviderStats summarizes the active entries generated by one provider.
type ProviderStats struct {
	Provider            string  `json:"provider"`
	ActiveEntries       int64   `json:"active_entries"`
	TotalAccesses       int64   `json:"total_accesses"`
	HitRate             float64 `json:"hit_rate"`
	CostSaved           float64 `json:"cost_saved_usd"`
	AvgGenerationTimeMs float64 `json:"avg_generation_time_ms"`
}

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	DefaultTTL time.Duration
	// FlightWait bounds how long a caller waits on another caller's
	// in-flight generation before generating itself.
	FlightWait time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Store is the durable generation cache.
type Store struct {
	backend    Backend
	defaultTTL time.Duration
	flightWait time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	flights    singleflight.Group
}

// New returns a cache over backend.
func New(backend Backend, opts Options) *Store {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 7 * 24 * time.Hour
	}
	if opts.FlightWait <= 0 {
		opts.FlightWait = 45 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend:    backend,
		defaultTTL: opts.DefaultTTL,
		flightWait: opts.FlightWait,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Get returns the live entry for key and records the access. Expired entries
// that have not been swept yet are reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, err := s.backend.TouchCacheEntry(ctx, key, s.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := decodeEntry(e)
	if err != nil {
		// A row that no longer decodes is useless; drop it and report a miss.
		s.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		if derr := s.backend.DeleteCacheEntry(ctx, key); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			s.logger.Warn("deleting undecodable cache entry", "key", key, "error", derr)
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores p under key. Setting an existing key refreshes its payload,
// expiry and cost without creating a second row.
func (s *Store) Set(ctx context.Context, key string, p payload.Payload, opts SetOptions) error {
	_, err := s.set(ctx, key, p, opts)
	return err
}

func (s *Store) set(ctx context.Context, key string, p payload.Payload, opts SetOptions) (Entry, error) {
	raw, err := payload.Encode(p)
	if err != nil {
		return Entry{}, err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.clock.Now()
	row := storage.CacheEntry{
		Key:              key,
		Payload:          raw,
		Kind:             string(p.Kind()),
		Provider:         opts.Provider,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		GenerationCost:   opts.Cost,
		GenerationTimeMs: opts.GenTimeMs,
	}
	if err := s.backend.PutCacheEntry(ctx, row); err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:              key,
		Payload:          p,
		Provider:         opts.Provider,
		CreatedAt:        now,
		ExpiresAt:        row.ExpiresAt,
		LastAccessedAt:   now,
		AccessCount:      1,
		GenerationCost:   opts.Cost,
		GenerationTimeMs: opts.GenTimeMs,
	}, nil
}

// Invalidate removes key regardless of expiry.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if err := s.backend.DeleteCacheEntry(ctx, key); err != nil {
		return err
	}
	s.metrics.RecordCacheRemovals("invalidated", 1)
	return nil
}

// Expire deletes every entry whose expiry is not in the future.
func (s *Store) Expire(ctx context.Context) (int, error) {
	n, err := s.backend.DeleteExpiredCacheEntries(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expiring cache entries: %w", err)
	}
	s.metrics.RecordCacheRemovals("expired", int(n))
	return int(n), nil
}

// EvictLRU trims the active entries down to maxEntries, least recently used first.
func (s *Store) EvictLRU(ctx context.Context, maxEntries int) (int, error) {
	n, err := s.backend.EvictLRUCacheEntries(ctx, s.clock.Now(), maxEntries)
	if err != nil {
		return 0, fmt.Errorf("evicting cache entries: %w", err)
	}
	s.metrics.RecordCacheRemovals("lru", int(n))
	return int(n), nil
}

// Stats reports per-provider accounting over active entries. Each entry's
// first access is the generation that stored it, so the hit rate is
// (accesses - entries) / accesses.
func (s *Store) Stats(ctx context.Context) ([]ProviderStats, error) {
	rows, err := s.backend.CacheStatsByProvider(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	out := make([]ProviderStats, 0, len(rows))
	for _, r := range rows {
		st := ProviderStats{
			Provider:            r.Provider,
			ActiveEntries:       r.ActiveEntries,
			TotalAccesses:       r.TotalAccesses,
			CostSaved:           r.CostSaved,
			AvgGenerationTimeMs: r.AvgGenerationTimeMs,
		}
		if r.TotalAccesses > 0 {
			st.HitRate = float64(r.TotalAccesses-r.ActiveEntries) / float64(r.TotalAccesses)
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeEntry(e storage.CacheEntry) (Entry, error) {
	p, err := payload.Decode(e.Payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:              e.Key,
		Payload:          p,
		Provider:         e.Provider,
		CreatedAt:        e.CreatedAt,
		ExpiresAt:        e.ExpiresAt,
		LastAccessedAt:   e.LastAccessedAt,
		AccessCount:      e.AccessCount,
		GenerationCost:   e.GenerationCost,
		GenerationTimeMs: e.GenerationTimeMs,
	}, nil
}
