package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const batchColumns = `id, kind, provider, model, params, total_items, processed_items,
	successful_items, failed_items, status, cancel_requested, created_at, started_at, completed_at`

func scanBatch(r rowScanner) (BatchJob, error) {
	var b BatchJob
	var params string
	var created int64
	var started, completed sql.NullInt64
	if err := r.Scan(&b.ID, &b.Kind, &b.Provider, &b.Model, &params, &b.TotalItems, &b.ProcessedItems,
		&b.SuccessfulItems, &b.FailedItems, &b.Status, &b.CancelRequested, &created, &started, &completed); err != nil {
		return BatchJob{}, err
	}
	b.Params = []byte(params)
	b.CreatedAt = fromMillis(created)
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	return b, nil
}

// CreateBatch inserts a pending batch together with one queued item per id.
// Item ids must be unique within the batch.
func (s *Store) CreateBatch(ctx context.Context, b BatchJob, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return fmt.Errorf("batch %s: at least one item is required", b.ID)
	}
	params := string(b.Params)
	if params == "" {
		params = "{}"
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_jobs (id, kind, provider, model, params, total_items, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
			b.ID, b.Kind, b.Provider, b.Model, params, len(itemIDs), millis(b.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting batch %s: %w", b.ID, err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO batch_items (batch_id, item_id, position, status, updated_at)
			VALUES (?, ?, ?, 'queued', ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, id := range itemIDs {
			if _, err := stmt.ExecContext(ctx, b.ID, id, i, millis(b.CreatedAt)); err != nil {
				return fmt.Errorf("inserting batch item %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) GetBatch(ctx context.Context, id string) (BatchJob, error) {
	b, err := getBatch(ctx, s.db, id)
	if err != nil {
		return BatchJob{}, err
	}
	return b, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBatch(ctx context.Context, q queryRower, id string) (BatchJob, error) {
	b, err := scanBatch(q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_jobs WHERE id = ?`, id))
	if noRows(err) {
		return BatchJob{}, ErrNotFound
	}
	if err != nil {
		return BatchJob{}, fmt.Errorf("reading batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns batches newest first, optionally filtered by status.
func (s *Store) ListBatches(ctx context.Context, status BatchStatus, limit int) ([]BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + batchColumns + ` FROM batch_jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []BatchJob
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// StartBatch moves a pending batch to processing.
func (s *Store) StartBatch(ctx context.Context, id string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_jobs SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'`,
			millis(now), id)
		if err != nil {
			return fmt.Errorf("starting batch %s: %w", id, err)
		}
		return batchCAS(ctx, tx, res, id, BatchPending)
	})
}

func batchCAS(ctx context.Context, tx *sql.Tx, res sql.Result, id string, expected ...BatchStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	b, err := getBatch(ctx, tx, id)
	if err != nil {
		return err
	}
	exp := make([]string, len(expected))
	for i, e := range expected {
		exp[i] = string(e)
	}
	return &ConflictError{Entity: "batch", ID: id, Expected: exp, Actual: string(b.Status)}
}

// ClaimBatchItem claims the lowest-positioned queued item of a processing
// batch. It returns nil when the batch has nothing left to claim, is not
// processing, or has a pending cancellation request.
func (s *Store) ClaimBatchItem(ctx context.Context, batchID string, now time.Time) (*BatchItem, error) {
	var claimed *BatchItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := getBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if b.Status != BatchProcessing || b.CancelRequested {
			return nil
		}

		var it BatchItem
		var jobID sql.NullString
		var updated int64
		err = tx.QueryRowContext(ctx, `
			SELECT batch_id, item_id, position, status, attempts, job_id, updated_at
			FROM batch_items
			WHERE batch_id = ? AND status = 'queued'
			ORDER BY position ASC
			LIMIT 1`, batchID,
		).Scan(&it.BatchID, &it.ItemID, &it.Position, &it.Status, &it.Attempts, &jobID, &updated)
		if noRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next batch item: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE batch_items SET status = 'processing', updated_at = ?
			WHERE batch_id = ? AND item_id = ? AND status = 'queued'`,
			millis(now), batchID, it.ItemID)
		if err != nil {
			return fmt.Errorf("claiming batch item %s: %w", it.ItemID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		it.Status = ItemProcessing
		it.JobID = jobID.String
		it.UpdatedAt = now
		claimed = &it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// AttachBatchItemJob records the generation job created for a batch item.
func (s *Store) AttachBatchItemJob(ctx context.Context, batchID, itemID, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET job_id = ? WHERE batch_id = ? AND item_id = ? AND job_id IS NULL`,
		jobID, batchID, itemID)
	if err != nil {
		return fmt.Errorf("attaching job to batch item %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordBatchItemError appends one failed-attempt row and bumps the item's
// attempt counter.
func (s *Store) RecordBatchItemError(ctx context.Context, e BatchItemError) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_item_errors (batch_id, item_id, attempt_number, error_kind, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.BatchID, e.ItemID, e.AttemptNumber, e.ErrorKind, e.Message, millis(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("recording error for batch item %s: %w", e.ItemID, err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE batch_items SET attempts = ?, updated_at = ?
			WHERE batch_id = ? AND item_id = ?`,
			e.AttemptNumber, millis(e.CreatedAt), e.BatchID, e.ItemID)
		return err
	})
}

// FinishBatchItem completes the item's job, marks the item succeeded or
// failed, and advances the batch counters in one transaction. The batch is
// completed when the last item is processed.
func (s *Store) FinishBatchItem(ctx context.Context, r ItemResult, now time.Time) (BatchJob, error) {
	var out BatchJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := finishJob(ctx, tx, r.JobID, r.Outcome, r.Content, now); err != nil {
			return err
		}

		itemStatus, okCol := ItemSucceeded, "successful_items"
		if r.Outcome.Status != JobCompleted {
			itemStatus, okCol = ItemFailed, "failed_items"
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE batch_items SET status = ?, updated_at = ?
			WHERE batch_id = ? AND item_id = ? AND status = 'processing'`,
			itemStatus, millis(now), r.BatchID, r.ItemID)
		if err != nil {
			return fmt.Errorf("finishing batch item %s: %w", r.ItemID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return &ConflictError{Entity: "batch item", ID: r.ItemID, Expected: []string{string(ItemProcessing)}, Actual: "not processing"}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE batch_jobs
			SET processed_items = processed_items + 1, `+okCol+` = `+okCol+` + 1
			WHERE id = ?`, r.BatchID); err != nil {
			return fmt.Errorf("advancing batch %s counters: %w", r.BatchID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE batch_jobs SET status = 'completed', completed_at = ?
			WHERE id = ? AND status = 'processing' AND processed_items = total_items`,
			millis(now), r.BatchID); err != nil {
			return fmt.Errorf("completing batch %s: %w", r.BatchID, err)
		}

		out, err = getBatch(ctx, tx, r.BatchID)
		return err
	})
	return out, err
}

// ReleaseBatchItem returns a claimed item to the queue without recording an outcome.
func (s *Store) ReleaseBatchItem(ctx context.Context, batchID, itemID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_items SET status = 'queued', updated_at = ?
		WHERE batch_id = ? AND item_id = ? AND status = 'processing'`,
		millis(now), batchID, itemID)
	if err != nil {
		return fmt.Errorf("releasing batch item %s: %w", itemID, err)
	}
	return nil
}

// RequestBatchCancel flags a processing batch for cancellation. A batch that
// never started is cancelled immediately with every item skipped.
func (s *Store) RequestBatchCancel(ctx context.Context, id string, now time.Time) (BatchJob, error) {
	var out BatchJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := getBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		switch b.Status {
		case BatchPending:
			if err := cancelBatch(ctx, tx, id, now); err != nil {
				return err
			}
		case BatchProcessing:
			if _, err := tx.ExecContext(ctx, `UPDATE batch_jobs SET cancel_requested = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("flagging batch %s: %w", id, err)
			}
		default:
			return &ConflictError{Entity: "batch", ID: id,
				Expected: []string{string(BatchPending), string(BatchProcessing)}, Actual: string(b.Status)}
		}
		out, err = getBatch(ctx, tx, id)
		return err
	})
	return out, err
}

func cancelBatch(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_items SET status = 'skipped', updated_at = ?
		WHERE batch_id = ? AND status = 'queued'`, millis(now), id); err != nil {
		return fmt.Errorf("skipping queued items of batch %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_jobs SET status = 'cancelled', cancel_requested = 1, completed_at = ?
		WHERE id = ?`, millis(now), id); err != nil {
		return fmt.Errorf("cancelling batch %s: %w", id, err)
	}
	return nil
}

// FinalizeBatch settles a batch once its workers have stopped. A flagged
// batch with no in-flight items becomes cancelled; a batch with unprocessed
// items and no flag stays processing so it can be resumed.
func (s *Store) FinalizeBatch(ctx context.Context, id string, now time.Time) (BatchJob, error) {
	var out BatchJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := getBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Status == BatchProcessing && b.ProcessedItems < b.TotalItems && b.CancelRequested {
			var inFlight int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM batch_items WHERE batch_id = ? AND status = 'processing'`, id,
			).Scan(&inFlight); err != nil {
				return err
			}
			if inFlight == 0 {
				if err := cancelBatch(ctx, tx, id, now); err != nil {
					return err
				}
			}
		}
		out, err = getBatch(ctx, tx, id)
		return err
	})
	return out, err
}

// FailBatch marks a non-terminal batch failed. Used when the batch cannot
// make progress because of a storage fault.
func (s *Store) FailBatch(ctx context.Context, id string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE batch_jobs SET status = 'failed', completed_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')`, millis(now), id)
		if err != nil {
			return fmt.Errorf("failing batch %s: %w", id, err)
		}
		return batchCAS(ctx, tx, res, id, BatchPending, BatchProcessing)
	})
}

// RequeueInFlightItems returns every processing item of a batch to the
// queue. Called when resuming after a restart.
func (s *Store) RequeueInFlightItems(ctx context.Context, batchID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_items SET status = 'queued', updated_at = ?
		WHERE batch_id = ? AND status = 'processing'`, millis(now), batchID)
	if err != nil {
		return 0, fmt.Errorf("requeueing items of batch %s: %w", batchID, err)
	}
	return res.RowsAffected()
}

func (s *Store) ListBatchItems(ctx context.Context, batchID string) ([]BatchItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, item_id, position, status, attempts, job_id, updated_at
		FROM batch_items WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing items of batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []BatchItem
	for rows.Next() {
		var it BatchItem
		var jobID sql.NullString
		var updated int64
		if err := rows.Scan(&it.BatchID, &it.ItemID, &it.Position, &it.Status, &it.Attempts, &jobID, &updated); err != nil {
			return nil, err
		}
		it.JobID = jobID.String
		it.UpdatedAt = fromMillis(updated)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListBatchItemErrors returns the error log of a batch in insertion order.
func (s *Store) ListBatchItemErrors(ctx context.Context, batchID string) ([]BatchItemError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, item_id, attempt_number, error_kind, message, created_at
		FROM batch_item_errors WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing errors of batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []BatchItemError
	for rows.Next() {
		var e BatchItemError
		var created int64
		if err := rows.Scan(&e.ID, &e.BatchID, &e.ItemID, &e.AttemptNumber, &e.ErrorKind, &e.Message, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
