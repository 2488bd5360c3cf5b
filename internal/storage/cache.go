package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const cacheColumns = `key, payload, kind, provider, created_at, expires_at, last_accessed_at,
	access_count, generation_cost, generation_time_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(r rowScanner) (CacheEntry, error) {
	var e CacheEntry
	var payload string
	var created, expires, accessed int64
	if err := r.Scan(&e.Key, &payload, &e.Kind, &e.Provider, &created, &expires, &accessed,
		&e.AccessCount, &e.GenerationCost, &e.GenerationTimeMs); err != nil {
		return CacheEntry{}, err
	}
	e.Payload = []byte(payload)
	e.CreatedAt = fromMillis(created)
	e.ExpiresAt = fromMillis(expires)
	e.LastAccessedAt = fromMillis(accessed)
	return e, nil
}

// PutCacheEntry inserts e or refreshes the existing row with the same key.
// A refresh replaces payload, expiry and cost but keeps the access count.
// The new payload has no review items yet, so its content claim is cleared.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	if !e.ExpiresAt.After(e.CreatedAt) {
		return fmt.Errorf("cache entry %s: expires_at must be after created_at", e.Key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			kind = excluded.kind,
			provider = excluded.provider,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_accessed_at = excluded.last_accessed_at,
			generation_cost = excluded.generation_cost,
			generation_time_ms = excluded.generation_time_ms,
			content_job_id = NULL`,
		e.Key, string(e.Payload), e.Kind, e.Provider, millis(e.CreatedAt), millis(e.ExpiresAt),
		millis(e.CreatedAt), e.GenerationCost, e.GenerationTimeMs,
	)
	if err != nil {
		return fmt.Errorf("upserting cache entry %s: %w", e.Key, err)
	}
	return nil
}

// TouchCacheEntry returns the active entry for key, incrementing its access
// count and refreshing last_accessed_at in the same statement. Entries whose
// expires_at is not after now are reported as ErrNotFound even if they have
// not been swept yet.
func (s *Store) TouchCacheEntry(ctx context.Context, key string, now time.Time) (CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE key = ? AND expires_at > ?
		RETURNING `+cacheColumns,
		millis(now), key, millis(now),
	)
	e, err := scanCacheEntry(row)
	if noRows(err) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("touching cache entry %s: %w", key, err)
	}
	return e, nil
}

// GetCacheEntry reads an entry without touching it, regardless of expiry.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE key = ?`, key)
	e, err := scanCacheEntry(row)
	if noRows(err) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	return e, nil
}

func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting cache entry %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredCacheEntries removes every entry with expires_at <= now.
func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

// EvictLRUCacheEntries removes active entries beyond maxEntries, least
// recently accessed first, ties broken by the lower access count.
func (s *Store) EvictLRUCacheEntries(ctx context.Context, now time.Time, maxEntries int) (int64, error) {
	if maxEntries < 0 {
		return 0, fmt.Errorf("max entries must be non-negative, got %d", maxEntries)
	}
	var evicted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var active int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?`, millis(now),
		).Scan(&active); err != nil {
			return fmt.Errorf("counting active cache entries: %w", err)
		}
		surplus := active - int64(maxEntries)
		if surplus <= 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE key IN (
				SELECT key FROM cache_entries
				WHERE expires_at > ?
				ORDER BY last_accessed_at ASC, access_count ASC, key ASC
				LIMIT ?
			)`, millis(now), surplus)
		if err != nil {
			return fmt.Errorf("evicting cache entries: %w", err)
		}
		evicted, err = res.RowsAffected()
		return err
	})
	return evicted, err
}

// CountCacheEntries returns the number of active and expired-but-unswept entries.
func (s *Store) CountCacheEntries(ctx context.Context, now time.Time) (active, expired int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM cache_entries`, millis(now), millis(now),
	).Scan(&active, &expired)
	if err != nil {
		return 0, 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return active, expired, nil
}

// CacheStatsByProvider aggregates active entries per provider. Every entry
// starts with one access (the generation that stored it), so
// access_count - 1 is the number of times it was served without paying.
func (s *Store) CacheStatsByProvider(ctx context.Context, now time.Time) ([]CacheProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider,
			COUNT(*),
			COALESCE(SUM(access_count), 0),
			COALESCE(SUM((access_count - 1) * generation_cost), 0),
			COALESCE(AVG(generation_time_ms), 0)
		FROM cache_entries
		WHERE expires_at > ?
		GROUP BY provider
		ORDER BY provider`, millis(now))
	if err != nil {
		return nil, fmt.Errorf("querying cache stats: %w", err)
	}
	defer rows.Close()

	var out []CacheProviderStats
	for rows.Next() {
		var st CacheProviderStats
		if err := rows.Scan(&st.Provider, &st.ActiveEntries, &st.TotalAccesses, &st.CostSaved, &st.AvgGenerationTimeMs); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
