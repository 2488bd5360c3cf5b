package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type JobThroughputRow struct {
	Status        JobStatus
	Provider      string
	Jobs          int64
	CacheHits     int64
	AvgDurationMs float64 // completed_at - created_at, terminal jobs only
	TotalCostUSD  float64
}

type ReviewerRow struct {
	Reviewer     string
	Approved     int64
	Rejected     int64
	AvgLatencyMs float64 // reviewed_at - created_at
}

// JobThroughput groups jobs by status and provider.
func (s *Store) JobThroughput(ctx context.Context) ([]JobThroughputRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, provider, COUNT(*),
			COALESCE(SUM(cache_hit), 0),
			COALESCE(AVG(CASE WHEN completed_at IS NOT NULL THEN completed_at - created_at END), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM generation_jobs
		GROUP BY status, provider
		ORDER BY status, provider`)
	if err != nil {
		return nil, fmt.Errorf("querying job throughput: %w", err)
	}
	defer rows.Close()

	var out []JobThroughputRow
	for rows.Next() {
		var r JobThroughputRow
		if err := rows.Scan(&r.Status, &r.Provider, &r.Jobs, &r.CacheHits, &r.AvgDurationMs, &r.TotalCostUSD); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReviewerWorkload groups final review decisions by reviewer.
func (s *Store) ReviewerWorkload(ctx context.Context) ([]ReviewerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reviewed_by,
			SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END),
			AVG(reviewed_at - created_at)
		FROM content_items
		WHERE reviewed_by IS NOT NULL
		GROUP BY reviewed_by
		ORDER BY reviewed_by`)
	if err != nil {
		return nil, fmt.Errorf("querying reviewer workload: %w", err)
	}
	defer rows.Close()

	var out []ReviewerRow
	for rows.Next() {
		var r ReviewerRow
		if err := rows.Scan(&r.Reviewer, &r.Approved, &r.Rejected, &r.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueueDepth counts items awaiting a decision and reports when the oldest
// of them was created. oldest is nil when the queue is empty.
func (s *Store) QueueDepth(ctx context.Context) (depth int64, oldest *time.Time, err error) {
	var first sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM content_items
		WHERE status IN ('pending', 'edited')`).Scan(&depth, &first)
	if err != nil {
		return 0, nil, fmt.Errorf("querying queue depth: %w", err)
	}
	return depth, timePtr(first), nil
}
