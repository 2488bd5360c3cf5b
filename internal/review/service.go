// Package review implements the human review workflow over generated
// content: approve, reject and edit transitions, each recorded in an
// append-only history.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/genreview/internal/clock"
	"github.com/kalambet/genreview/internal/payload"
	"github.com/kalambet/genreview/internal/storage"
	"github.com/kalambet/genreview/internal/telemetry"
)

var (
	// ErrAlreadyReviewed is returned for any transition out of approved or rejected.
	ErrAlreadyReviewed = errors.New("item already reviewed")
	// ErrKindMismatch is returned when an edit carries a different payload kind.
	ErrKindMismatch = errors.New("payload kind does not match item")

	ErrActorRequired = errors.New("actor is required")
)

// Change types recorded in review history.
const (
	ChangeApprove = "approve"
	ChangeReject  = "reject"
	ChangeEdit    = "edit"
)

// EditPolicy decides where an edited item lands.
type EditPolicy string

const (
	// EditApprove replaces the payload and approves in one step.
	EditApprove EditPolicy = "approve"
	// EditHold parks the item in edited until someone approves or rejects it.
	EditHold EditPolicy = "hold"
)

func ParseEditPolicy(s string) (EditPolicy, error) {
	switch p := EditPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", EditApprove:
		return EditApprove, nil
	case EditHold:
		return EditHold, nil
	default:
		return "", fmt.Errorf("unknown edit policy %q (want approve or hold)", s)
	}
}

// Store is the persistence the workflow needs. Implemented by storage.Store.
type Store interface {
	GetContentItem(ctx context.Context, id string) (storage.ContentItem, error)
	ListContentItems(ctx context.Context, f storage.ContentFilter) ([]storage.ContentItem, error)
	CountContentItems(ctx context.Context, f storage.ContentFilter) (int64, error)
	TransitionContentItem(ctx context.Context, t storage.Transition) (before, after storage.ContentItem, err error)
	ListReviewHistory(ctx context.Context, itemID string) ([]storage.ReviewHistoryEntry, error)
	CountJobsByStatus(ctx context.Context) (map[storage.JobStatus]int64, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.GenerationJob, error)
}

type Options struct {
	EditPolicy EditPolicy
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

type Service struct {
	store   Store
	policy  EditPolicy
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func New(store Store, opts Options) *Service {
	if opts.EditPolicy == "" {
		opts.EditPolicy = EditApprove
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:   store,
		policy:  opts.EditPolicy,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// open lists the statuses a reviewer can still act on.
var open = []storage.ContentStatus{storage.ContentPending, storage.ContentEdited}

func (s *Service) Get(ctx context.Context, id string) (storage.ContentItem, error) {
	return s.store.GetContentItem(ctx, id)
}

// History returns the audit trail of an item, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]storage.ReviewHistoryEntry, error) {
	if _, err := s.store.GetContentItem(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListReviewHistory(ctx, id)
}

func (s *Service) Approve(ctx context.Context, id, actor, notes string) (storage.ContentItem, error) {
	return s.transition(ctx, storage.Transition{
		ItemID:     id,
		To:         storage.ContentApproved,
		Actor:      actor,
		ChangeType: ChangeApprove,
		Notes:      notes,
	})
}

func (s *Service) Reject(ctx context.Context, id, actor, reason string) (storage.ContentItem, error) {
	return s.transition(ctx, storage.Transition{
		ItemID:     id,
		To:         storage.ContentRejected,
		Actor:      actor,
		ChangeType: ChangeReject,
		Notes:      reason,
	})
}

// Edit replaces the item's payload with raw. raw is either the bare variant
// data or a {"kind","data"} envelope; an envelope of another kind is
// rejected with ErrKindMismatch.
func (s *Service) Edit(ctx context.Context, id, actor string, raw json.RawMessage, notes string) (storage.ContentItem, error) {
	item, err := s.store.GetContentItem(ctx, id)
	if err != nil {
		return storage.ContentItem{}, err
	}
	if item.Status.Reviewed() {
		return storage.ContentItem{}, alreadyReviewed(id, string(item.Status))
	}
	p, err := decodeEdit(payload.Kind(item.Kind), raw)
	if err != nil {
		return storage.ContentItem{}, err
	}
	enc, err := payload.Encode(p)
	if err != nil {
		return storage.ContentItem{}, err
	}

	to := storage.ContentApproved
	if s.policy == EditHold {
		to = storage.ContentEdited
	}
	return s.transition(ctx, storage.Transition{
		ItemID:     id,
		To:         to,
		Payload:    enc,
		Actor:      actor,
		ChangeType: ChangeEdit,
		Notes:      notes,
	})
}

func decodeEdit(kind payload.Kind, raw json.RawMessage) (payload.Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: edit has no payload", payload.ErrInvalid)
	}
	var env payload.Envelope
	if json.Unmarshal(raw, &env) == nil && env.Kind != "" && len(env.Data) > 0 {
		if env.Kind != kind {
			return nil, fmt.Errorf("%w: got %s, item is %s", ErrKindMismatch, env.Kind, kind)
		}
		return payload.DecodeKind(kind, env.Data)
	}
	return payload.DecodeKind(kind, raw)
}

func alreadyReviewed(id, status string) error {
	return fmt.Errorf("%w: %s is %s", ErrAlreadyReviewed, id, status)
}

func (s *Service) transition(ctx context.Context, t storage.Transition) (storage.ContentItem, error) {
	t.Actor = strings.TrimSpace(t.Actor)
	if t.Actor == "" {
		return storage.ContentItem{}, ErrActorRequired
	}
	t.HistoryID = uuid.New().String()
	t.Expected = open
	t.At = s.clock.Now()

	_, after, err := s.store.TransitionContentItem(ctx, t)
	if err != nil {
		var ce *storage.ConflictError
		if errors.As(err, &ce) && storage.ContentStatus(ce.Actual).Reviewed() {
			return storage.ContentItem{}, alreadyReviewed(t.ItemID, ce.Actual)
		}
		return storage.ContentItem{}, err
	}
	s.metrics.RecordReviewTransition(t.ChangeType)
	s.logger.Info("content reviewed", "item_id", t.ItemID, "change", t.ChangeType,
		"status", after.Status, "actor", t.Actor)
	return after, nil
}

// BulkResult is the outcome of one item in a bulk operation.
type BulkResult struct {
	ItemID string                `json:"item_id"`
	Status storage.ContentStatus `json:"status,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// BulkSummary reports per-item results; one failure never stops the rest.
type BulkSummary struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []BulkResult `json:"results"`
}

func (s *Service) BulkApprove(ctx context.Context, ids []string, actor, notes string) (BulkSummary, error) {
	return s.bulk(ctx, ids, actor, func(id string) (storage.ContentItem, error) {
		return s.Approve(ctx, id, actor, notes)
	})
}

func (s *Service) BulkReject(ctx context.Context, ids []string, actor, reason string) (BulkSummary, error) {
	return s.bulk(ctx, ids, actor, func(id string) (storage.ContentItem, error) {
		return s.Reject(ctx, id, actor, reason)
	})
}

func (s *Service) bulk(ctx context.Context, ids []string, actor string, apply func(id string) (storage.ContentItem, error)) (BulkSummary, error) {
	if strings.TrimSpace(actor) == "" {
		return BulkSummary{}, ErrActorRequired
	}
	var sum BulkSummary
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		item, err := apply(id)
		if err != nil {
			sum.Failed++
			sum.Results = append(sum.Results, BulkResult{ItemID: id, Error: err.Error()})
			continue
		}
		sum.Succeeded++
		sum.Results = append(sum.Results, BulkResult{ItemID: id, Status: item.Status})
	}
	return sum, nil
}

type QueueFilter struct {
	Kind     string
	TargetID string
	Limit    int
	Offset   int
}

// Failure summarizes a failed generation job for the queue view.
type Failure struct {
	JobID        string     `json:"job_id"`
	TargetID     string     `json:"target_id"`
	Kind         string     `json:"kind"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Queue is the reviewer's view: open items plus enough generation health
// to tell an empty queue from a broken pipeline.
type Queue struct {
	Items          []storage.ContentItem `json:"items"`
	Total          int64                 `json:"total"`
	FailedJobs     int64                 `json:"failed_jobs"`
	RecentFailures []Failure             `json:"recent_failures"`
}

const recentFailures = 5

func (s *Service) PendingQueue(ctx context.Context, f QueueFilter) (Queue, error) {
	cf := storage.ContentFilter{
		Statuses: open,
		Kind:     f.Kind,
		TargetID: f.TargetID,
		Limit:    f.Limit,
		Offset:   f.Offset,
	}
	items, err := s.store.ListContentItems(ctx, cf)
	if err != nil {
		return Queue{}, err
	}
	total, err := s.store.CountContentItems(ctx, cf)
	if err != nil {
		return Queue{}, err
	}
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return Queue{}, err
	}
	failed, err := s.store.ListJobs(ctx, storage.JobFilter{Status: storage.JobFailed, Limit: recentFailures})
	if err != nil {
		return Queue{}, err
	}

	q := Queue{Items: items, Total: total, FailedJobs: counts[storage.JobFailed]}
	if q.Items == nil {
		q.Items = []storage.ContentItem{}
	}
	q.RecentFailures = make([]Failure, 0, len(failed))
	for _, j := range failed {
		q.RecentFailures = append(q.RecentFailures, Failure{
			JobID:        j.ID,
			TargetID:     j.TargetID,
			Kind:         j.Kind,
			ErrorKind:    j.ErrorKind,
			ErrorMessage: j.ErrorMessage,
			CompletedAt:  j.CompletedAt,
		})
	}
	return q, nil
}
