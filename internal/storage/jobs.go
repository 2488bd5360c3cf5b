package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const jobColumns = `id, target_id, kind, provider, model, cache_key, batch_id, status, request,
	response, error_message, error_kind, attempts, cost_usd, duration_ms, cache_hit,
	created_at, started_at, completed_at`

func scanJob(r rowScanner) (GenerationJob, error) {
	var j GenerationJob
	var batchID, response, errMsg, errKind sql.NullString
	var request string
	var created int64
	var started, completed sql.NullInt64
	if err := r.Scan(&j.ID, &j.TargetID, &j.Kind, &j.Provider, &j.Model, &j.CacheKey, &batchID,
		&j.Status, &request, &response, &errMsg, &errKind, &j.Attempts, &j.CostUSD,
		&j.DurationMs, &j.CacheHit, &created, &started, &completed); err != nil {
		return GenerationJob{}, err
	}
	j.BatchID = batchID.String
	j.Request = []byte(request)
	if response.Valid {
		j.Response = []byte(response.String)
	}
	j.ErrorMessage = errMsg.String
	j.ErrorKind = errKind.String
	j.CreatedAt = fromMillis(created)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

// CreateJob inserts a new job in the pending state.
func (s *Store) CreateJob(ctx context.Context, j GenerationJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, target_id, kind, provider, model, cache_key, batch_id, status, request, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		j.ID, j.TargetID, j.Kind, j.Provider, j.Model, j.CacheKey, nullString(j.BatchID),
		string(j.Request), millis(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (GenerationJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id))
	if noRows(err) {
		return GenerationJob{}, ErrNotFound
	}
	if err != nil {
		return GenerationJob{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	return j, nil
}

// StartJob moves a pending job to processing.
func (s *Store) StartJob(ctx context.Context, id string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE generation_jobs SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'`,
			millis(now), id)
		if err != nil {
			return fmt.Errorf("starting job %s: %w", id, err)
		}
		return jobCAS(ctx, tx, res, id, JobPending)
	})
}

// FinishJob moves a processing job to out.Status, stamping completed_at, and
// inserts the content items materialized from it in the same transaction.
func (s *Store) FinishJob(ctx context.Context, id string, out JobOutcome, content []ContentItem, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return finishJob(ctx, tx, id, out, content, now)
	})
}

func finishJob(ctx context.Context, tx *sql.Tx, id string, out JobOutcome, content []ContentItem, now time.Time) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finishing job %s: %q is not a terminal status", id, out.Status)
	}
	materialize := out.Status == JobCompleted && len(content) > 0
	if materialize {
		claimed, cost, err := claimCacheContent(ctx, tx, id, out)
		if err != nil {
			return err
		}
		materialize, out.CostUSD = claimed, cost
	}
	var response sql.NullString
	if len(out.Response) > 0 {
		response = sql.NullString{String: string(out.Response), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, response = ?, error_message = ?, error_kind = ?, attempts = ?,
			cost_usd = ?, duration_ms = ?, cache_hit = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		out.Status, response, nullString(out.ErrorMessage), nullString(out.ErrorKind), out.Attempts,
		out.CostUSD, out.DurationMs, out.CacheHit, millis(now), id)
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", id, err)
	}
	if err := jobCAS(ctx, tx, res, id, JobProcessing); err != nil {
		return err
	}
	if materialize {
		return insertContentItems(ctx, tx, content)
	}
	return nil
}

// claimCacheContent decides whether job id materializes review items for
// its cache key. Each cached payload yields content exactly once: the first
// completed job to read it claims the entry and carries its generation cost,
// even when the job that paid for the generation gave up before it finished.
// Without an entry, a job keeps its content and cost only if it generated
// the payload. The returned cost is what the job records.
func claimCacheContent(ctx context.Context, tx *sql.Tx, id string, out JobOutcome) (bool, float64, error) {
	var key string
	err := tx.QueryRowContext(ctx, `SELECT cache_key FROM generation_jobs WHERE id = ?`, id).Scan(&key)
	if noRows(err) {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, fmt.Errorf("reading cache key of job %s: %w", id, err)
	}

	var cost float64
	err = tx.QueryRowContext(ctx, `
		UPDATE cache_entries SET content_job_id = ?
		WHERE key = ? AND content_job_id IS NULL
		RETURNING generation_cost`, id, key).Scan(&cost)
	if err == nil {
		return true, cost, nil
	}
	if !noRows(err) {
		return false, 0, fmt.Errorf("claiming content of cache entry %s: %w", key, err)
	}

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT content_job_id FROM cache_entries WHERE key = ?`, key).Scan(&owner)
	if noRows(err) {
		if out.CacheHit {
			return false, 0, nil
		}
		return true, out.CostUSD, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	return false, 0, nil
}

// jobCAS turns a zero-row update into ErrNotFound or a ConflictError.
func jobCAS(ctx context.Context, tx *sql.Tx, res sql.Result, id string, expected JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var actual string
	err = tx.QueryRowContext(ctx, `SELECT status FROM generation_jobs WHERE id = ?`, id).Scan(&actual)
	if noRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &ConflictError{Entity: "job", ID: id, Expected: []string{string(expected)}, Actual: actual}
}

// ListJobs returns jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]GenerationJob, error) {
	q := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.BatchID != "" {
		q += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	if f.Provider != "" {
		q += ` AND provider = ?`
		args = append(args, f.Provider)
	}
	q += ` ORDER BY COALESCE(completed_at, started_at, created_at) DESC, id`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobsByStatus returns the number of jobs in each status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM generation_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	out := map[JobStatus]int64{}
	for rows.Next() {
		var st JobStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// StuckJobs returns processing jobs that started at or before cutoff.
func (s *Store) StuckJobs(ctx context.Context, cutoff time.Time) ([]GenerationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE status = 'processing' AND started_at <= ?
		ORDER BY started_at ASC`, millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying stuck jobs: %w", err)
	}
	defer rows.Close()

	var out []GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
