package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/jobs"
	"github.com/kalambet/genreview/internal/source"
)

const maxPassageUploadSize = 20 << 20 // 20MB

// InvalidateRequest names an entry either by key or by the generation
// request that produced it.
type InvalidateRequest struct {
	Key string `json:"key,omitempty"`
	jobs.Request
}

type EvictRequest struct {
	MaxEntries int `json:"max_entries"`
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Cache.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if st == nil {
			st = []cache.ProviderStats{}
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleCacheExpire(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Cache.Expire(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func handleCacheEvict(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body EvictRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &body) {
			return
		}
		limit := body.MaxEntries
		if limit <= 0 {
			limit = deps.MaxCacheEntries
		}
		if limit <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "max_entries is required")
			return
		}
		n, err := deps.Cache.EvictLRU(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n, "max_entries": limit})
	}
}

func handleCacheInvalidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body InvalidateRequest
		if !decodeBody(w, r, &body) {
			return
		}
		key := strings.TrimSpace(body.Key)
		if key == "" {
			var err error
			if key, err = deps.Orchestrator.CacheKey(body.Request); err != nil {
				writeError(w, err)
				return
			}
		}
		if err := deps.Cache.Invalidate(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "invalidated"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Stats.Dashboard(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleGetSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Snapshots == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no metrics store configured")
			return
		}
		if n := parseIntParam(r, "history", 0, 288); n > 0 {
			hist, err := deps.Snapshots.History(r.Context(), n)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, hist)
			return
		}
		d, err := deps.Snapshots.Latest(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleTakeSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Snapshots == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no metrics store configured")
			return
		}
		d, err := deps.Snapshots.Snapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// handleExtractPassage reads a raw PDF body and returns its text, ready to be
// passed as params.passage.
func handleExtractPassage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPassageUploadSize)
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "document exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request body must be a PDF document")
			return
		}
		maxChars := parseIntParam(r, "max_chars", deps.MaxPassageChars, 0)
		text, err := source.ExtractPDFTextFrom(bytes.NewReader(data), int64(len(data)), maxChars)
		if errors.Is(err, source.ErrNoText) {
			writeError(w, err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, Passage{Text: text, Chars: len([]rune(text))})
	}
}
