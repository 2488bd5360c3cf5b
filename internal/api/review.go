package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/genreview/internal/review"
	"github.com/kalambet/genreview/internal/storage"
)

// ReviewAction is the body of approve and reject. Reason is only read by reject.
type ReviewAction struct {
	Actor  string `json:"actor"`
	Notes  string `json:"notes,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type EditRequest struct {
	Actor   string          `json:"actor"`
	Payload json.RawMessage `json:"payload"`
	Notes   string          `json:"notes,omitempty"`
}

type BulkRequest struct {
	IDs    []string `json:"ids"`
	Actor  string   `json:"actor"`
	Notes  string   `json:"notes,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

func handleReviewQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		queue, err := deps.Review.PendingQueue(r.Context(), review.QueueFilter{
			Kind:     q.Get("kind"),
			TargetID: q.Get("target_id"),
			Limit:    parseIntParam(r, "limit", 20, 200),
			Offset:   parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, queue)
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := deps.Review.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleItemHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hist, err := deps.Review.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if hist == nil {
			hist = []storage.ReviewHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, hist)
	}
}

func handleApprove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ReviewAction
		if !decodeBody(w, r, &body) {
			return
		}
		item, err := deps.Review.Approve(r.Context(), chi.URLParam(r, "id"), body.Actor, body.Notes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleReject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ReviewAction
		if !decodeBody(w, r, &body) {
			return
		}
		item, err := deps.Review.Reject(r.Context(), chi.URLParam(r, "id"), body.Actor, body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleEdit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body EditRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if len(body.Payload) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload is required")
			return
		}
		item, err := deps.Review.Edit(r.Context(), chi.URLParam(r, "id"), body.Actor, body.Payload, body.Notes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleBulkApprove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BulkRequest
		if !decodeBody(w, r, &body) {
			return
		}
		sum, err := deps.Review.BulkApprove(r.Context(), body.IDs, body.Actor, body.Notes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleBulkReject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BulkRequest
		if !decodeBody(w, r, &body) {
			return
		}
		sum, err := deps.Review.BulkReject(r.Context(), body.IDs, body.Actor, body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}
