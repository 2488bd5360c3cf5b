package api

import (
	"encoding/json"
	"time"

	"github.com/kalambet/genreview/internal/storage"
)

// Job is the wire form of a generation job.
type Job struct {
	ID           string          `json:"id"`
	TargetID     string          `json:"target_id"`
	Kind         string          `json:"kind"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model,omitempty"`
	CacheKey     string          `json:"cache_key"`
	BatchID      string          `json:"batch_id,omitempty"`
	Status       string          `json:"status"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	CostUSD      float64         `json:"cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
	CacheHit     bool            `json:"cache_hit"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func toJob(j storage.GenerationJob) Job {
	return Job{
		ID:           j.ID,
		TargetID:     j.TargetID,
		Kind:         j.Kind,
		Provider:     j.Provider,
		Model:        j.Model,
		CacheKey:     j.CacheKey,
		BatchID:      j.BatchID,
		Status:       string(j.Status),
		Request:      rawOrNil(j.Request),
		Response:     rawOrNil(j.Response),
		ErrorKind:    j.ErrorKind,
		ErrorMessage: j.ErrorMessage,
		Attempts:     j.Attempts,
		CostUSD:      j.CostUSD,
		DurationMs:   j.DurationMs,
		CacheHit:     j.CacheHit,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// GenerateResponse is returned by POST /v1/generate.
type GenerateResponse struct {
	Job        Job      `json:"job"`
	ContentIDs []string `json:"content_ids"`
}

type Batch struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Status          string          `json:"status"`
	TotalItems      int             `json:"total_items"`
	ProcessedItems  int             `json:"processed_items"`
	SuccessfulItems int             `json:"successful_items"`
	FailedItems     int             `json:"failed_items"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func toBatch(b storage.BatchJob) Batch {
	return Batch{
		ID:              b.ID,
		Kind:            b.Kind,
		Provider:        b.Provider,
		Model:           b.Model,
		Params:          rawOrNil(b.Params),
		Status:          string(b.Status),
		TotalItems:      b.TotalItems,
		ProcessedItems:  b.ProcessedItems,
		SuccessfulItems: b.SuccessfulItems,
		FailedItems:     b.FailedItems,
		CancelRequested: b.CancelRequested,
		CreatedAt:       b.CreatedAt,
		StartedAt:       b.StartedAt,
		CompletedAt:     b.CompletedAt,
	}
}

type BatchItem struct {
	ItemID    string    `json:"item_id"`
	Position  int       `json:"position"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	JobID     string    `json:"job_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BatchItemError struct {
	ItemID        string    `json:"item_id"`
	AttemptNumber int       `json:"attempt_number"`
	ErrorKind     string    `json:"error_kind"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// Passage is returned by POST /v1/passages/extract.
type Passage struct {
	Text  string `json:"text"`
	Chars int    `json:"chars"`
}
