package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/genreview/internal/jobs"
	"github.com/kalambet/genreview/internal/storage"
)

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.Request
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Orchestrator.Generate(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		ids := res.ContentIDs
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, GenerateResponse{Job: toJob(res.Job), ContentIDs: ids})
	}
}

func validJobStatus(s storage.JobStatus) bool {
	switch s {
	case "", storage.JobPending, storage.JobProcessing, storage.JobCompleted, storage.JobFailed:
		return true
	}
	return false
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.JobFilter{
			Status:   storage.JobStatus(q.Get("status")),
			BatchID:  q.Get("batch_id"),
			Provider: q.Get("provider"),
			Limit:    parseIntParam(r, "limit", 50, 500),
		}
		if !validJobStatus(f.Status) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job status %q", f.Status)
			return
		}
		list, err := deps.Store.ListJobs(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]Job, 0, len(list))
		for _, j := range list {
			out = append(out, toJob(j))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJob(j))
	}
}

func handleSubmitBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.BatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		b, err := deps.Orchestrator.SubmitBatch(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, toBatch(b))
	}
}

func handleListBatches(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.BatchStatus(r.URL.Query().Get("status"))
		list, err := deps.Store.ListBatches(r.Context(), status, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]Batch, 0, len(list))
		for _, b := range list {
			out = append(out, toBatch(b))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Store.GetBatch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBatch(b))
	}
}

func handleBatchItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetBatch(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		items, err := deps.Store.ListBatchItems(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]BatchItem, 0, len(items))
		for _, it := range items {
			out = append(out, BatchItem{
				ItemID:    it.ItemID,
				Position:  it.Position,
				Status:    string(it.Status),
				Attempts:  it.Attempts,
				JobID:     it.JobID,
				UpdatedAt: it.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleBatchErrors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetBatch(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		errs, err := deps.Store.ListBatchItemErrors(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]BatchItemError, 0, len(errs))
		for _, e := range errs {
			out = append(out, BatchItemError{
				ItemID:        e.ItemID,
				AttemptNumber: e.AttemptNumber,
				ErrorKind:     e.ErrorKind,
				Message:       e.Message,
				CreatedAt:     e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCancelBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Orchestrator.CancelBatch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBatch(b))
	}
}
