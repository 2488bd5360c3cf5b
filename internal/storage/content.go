package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const contentColumns = `id, source_job_id, target_id, kind, payload, confidence, status,
	reviewed_by, reviewed_at, notes, created_at, updated_at`

func scanContentItem(r rowScanner) (ContentItem, error) {
	var c ContentItem
	var payload string
	var reviewedBy sql.NullString
	var reviewedAt sql.NullInt64
	var created, updated int64
	if err := r.Scan(&c.ID, &c.SourceJobID, &c.TargetID, &c.Kind, &payload, &c.Confidence, &c.Status,
		&reviewedBy, &reviewedAt, &c.Notes, &created, &updated); err != nil {
		return ContentItem{}, err
	}
	c.Payload = json.RawMessage(payload)
	c.ReviewedBy = reviewedBy.String
	c.ReviewedAt = timePtr(reviewedAt)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func insertContentItems(ctx context.Context, tx *sql.Tx, items []ContentItem) error {
	for _, c := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO content_items (id, source_job_id, target_id, kind, payload, confidence, status, notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', '', ?, ?)`,
			c.ID, c.SourceJobID, c.TargetID, c.Kind, string(c.Payload), c.Confidence,
			millis(c.CreatedAt), millis(c.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting content item %s: %w", c.ID, err)
		}
	}
	return nil
}

func (s *Store) GetContentItem(ctx context.Context, id string) (ContentItem, error) {
	c, err := scanContentItem(s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE id = ?`, id))
	if noRows(err) {
		return ContentItem{}, ErrNotFound
	}
	if err != nil {
		return ContentItem{}, fmt.Errorf("reading content item %s: %w", id, err)
	}
	return c, nil
}

func contentWhere(f ContentFilter) (string, []any) {
	var conds []string
	var args []any
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.SourceJobID != "" {
		conds = append(conds, "source_job_id = ?")
		args = append(args, f.SourceJobID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListContentItems returns items matching f, oldest first.
func (s *Store) ListContentItems(ctx context.Context, f ContentFilter) ([]ContentItem, error) {
	where, args := contentWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content_items`+where+` ORDER BY created_at ASC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing content items: %w", err)
	}
	defer rows.Close()

	var out []ContentItem
	for rows.Next() {
		c, err := scanContentItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountContentItems(ctx context.Context, f ContentFilter) (int64, error) {
	where, args := contentWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_items`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting content items: %w", err)
	}
	return n, nil
}

// TransitionContentItem applies t to one item and appends exactly one
// history row with full before and after snapshots, all in one transaction.
// If the item's status is not in t.Expected nothing is written and a
// ConflictError carrying the actual status is returned.
func (s *Store) TransitionContentItem(ctx context.Context, t Transition) (before, after ContentItem, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanContentItem(tx.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE id = ?`, t.ItemID))
		if noRows(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading content item %s: %w", t.ItemID, err)
		}
		if !statusIn(cur.Status, t.Expected) {
			exp := make([]string, len(t.Expected))
			for i, e := range t.Expected {
				exp[i] = string(e)
			}
			return &ConflictError{Entity: "content item", ID: t.ItemID, Expected: exp, Actual: string(cur.Status)}
		}

		next := cur
		next.Status = t.To
		if t.Notes != "" {
			next.Notes = t.Notes
		}
		next.UpdatedAt = t.At
		if t.Payload != nil {
			next.Payload = t.Payload
		}
		if t.Confidence != nil {
			next.Confidence = *t.Confidence
		}
		if t.To.Reviewed() {
			at := t.At
			next.ReviewedBy = t.Actor
			next.ReviewedAt = &at
		} else {
			next.ReviewedBy = ""
			next.ReviewedAt = nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE content_items
			SET status = ?, payload = ?, confidence = ?, reviewed_by = ?, reviewed_at = ?, notes = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			next.Status, string(next.Payload), next.Confidence, nullString(next.ReviewedBy),
			nullMillis(next.ReviewedAt), next.Notes, millis(next.UpdatedAt), t.ItemID, cur.Status)
		if err != nil {
			return fmt.Errorf("updating content item %s: %w", t.ItemID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return &ConflictError{Entity: "content item", ID: t.ItemID, Actual: "changed concurrently"}
		}

		prevSnap, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		nextSnap, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_history (id, item_id, previous_snapshot, new_snapshot, actor, change_type, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.HistoryID, t.ItemID, string(prevSnap), string(nextSnap), t.Actor, t.ChangeType, t.Notes, millis(t.At),
		); err != nil {
			return fmt.Errorf("appending review history for %s: %w", t.ItemID, err)
		}
		before, after = cur, next
		return nil
	})
	return before, after, err
}

func statusIn(s ContentStatus, set []ContentStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

// ListReviewHistory returns the audit trail of an item, oldest first.
func (s *Store) ListReviewHistory(ctx context.Context, itemID string) ([]ReviewHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, previous_snapshot, new_snapshot, actor, change_type, notes, created_at
		FROM review_history WHERE item_id = ? ORDER BY created_at ASC, rowid ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing review history of %s: %w", itemID, err)
	}
	defer rows.Close()

	var out []ReviewHistoryEntry
	for rows.Next() {
		var h ReviewHistoryEntry
		var prev, next string
		var created int64
		if err := rows.Scan(&h.ID, &h.ItemID, &prev, &next, &h.Actor, &h.ChangeType, &h.Notes, &created); err != nil {
			return nil, err
		}
		h.PreviousSnapshot = json.RawMessage(prev)
		h.NewSnapshot = json.RawMessage(next)
		h.CreatedAt = fromMillis(created)
		out = append(out, h)
	}
	return out, rows.Err()
}
