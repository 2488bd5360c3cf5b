package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set transition finds the record
// in a different state than the caller expected.
var ErrConflict = errors.New("state conflict")

// ConflictError carries the state the record was actually in.
type ConflictError struct {
	Entity   string
	ID       string
	Expected []string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected status in %v, found %q", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type CacheEntry struct {
	Key              string
	Payload          []byte // payload.Envelope JSON
	Kind             string
	Provider         string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	LastAccessedAt   time.Time
	AccessCount      int64
	GenerationCost   float64
	GenerationTimeMs int64
}

// CacheProviderStats is the raw per-provider rollup of active cache entries.
type CacheProviderStats struct {
	Provider            string
	ActiveEntries       int64
	TotalAccesses       int64
	CostSaved           float64
	AvgGenerationTimeMs float64
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

type GenerationJob struct {
	ID           string
	TargetID     string
	Kind         string
	Provider     string
	Model        string
	CacheKey     string
	BatchID      string
	Status       JobStatus
	Request      []byte
	Response     []byte
	ErrorMessage string
	ErrorKind    string
	Attempts     int
	CostUSD      float64
	DurationMs   int64
	CacheHit     bool
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// JobOutcome is what a worker records when a job reaches a terminal state.
type JobOutcome struct {
	Status       JobStatus
	Response     []byte
	ErrorMessage string
	ErrorKind    string
	Attempts     int
	CostUSD      float64
	DurationMs   int64
	CacheHit     bool
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

type BatchJob struct {
	ID              string
	Kind            string
	Provider        string
	Model           string
	Params          []byte
	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int
	Status          BatchStatus
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

type BatchItemStatus string

const (
	ItemQueued     BatchItemStatus = "queued"
	ItemProcessing BatchItemStatus = "processing"
	ItemSucceeded  BatchItemStatus = "succeeded"
	ItemFailed     BatchItemStatus = "failed"
	ItemSkipped    BatchItemStatus = "skipped"
)

type BatchItem struct {
	BatchID   string
	ItemID    string
	Position  int
	Status    BatchItemStatus
	Attempts  int
	JobID     string
	UpdatedAt time.Time
}

type BatchItemError struct {
	ID            int64
	BatchID       string
	ItemID        string
	AttemptNumber int
	ErrorKind     string
	Message       string
	CreatedAt     time.Time
}

type ContentStatus string

const (
	ContentPending  ContentStatus = "pending"
	ContentApproved ContentStatus = "approved"
	ContentRejected ContentStatus = "rejected"
	ContentEdited   ContentStatus = "edited"
)

// Reviewed reports whether the status is a final review decision.
func (s ContentStatus) Reviewed() bool { return s == ContentApproved || s == ContentRejected }

type ContentItem struct {
	ID          string          `json:"id"`
	SourceJobID string          `json:"source_job_id"`
	TargetID    string          `json:"target_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Confidence  float64         `json:"confidence"`
	Status      ContentStatus   `json:"status"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time      `json:"reviewed_at,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type ReviewHistoryEntry struct {
	ID               string          `json:"id"`
	ItemID           string          `json:"item_id"`
	PreviousSnapshot json.RawMessage `json:"previous_snapshot"`
	NewSnapshot      json.RawMessage `json:"new_snapshot"`
	Actor            string          `json:"actor"`
	ChangeType       string          `json:"change_type"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Transition describes a review state change applied by TransitionContentItem.
type Transition struct {
	ItemID     string
	HistoryID  string
	Expected   []ContentStatus
	To         ContentStatus
	Payload    json.RawMessage // nil keeps the current payload
	Confidence *float64
	Actor      string
	ChangeType string
	Notes      string // empty keeps the current notes
	At         time.Time
}

// ItemResult is the terminal outcome of one batch item.
type ItemResult struct {
	BatchID string
	ItemID  string
	JobID   string
	Outcome JobOutcome
	Content []ContentItem
}

type JobFilter struct {
	Status   JobStatus
	BatchID  string
	Provider string
	Limit    int
}

type ContentFilter struct {
	Statuses    []ContentStatus
	Kind        string
	TargetID    string
	SourceJobID string
	Limit       int
	Offset      int
}
