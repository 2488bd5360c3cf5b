// Package api serves the genreview HTTP API and MCP tools.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/jobs"
	"github.com/kalambet/genreview/internal/review"
	"github.com/kalambet/genreview/internal/stats"
	"github.com/kalambet/genreview/internal/storage"
	"github.com/kalambet/genreview/internal/telemetry"
)

type Deps struct {
	Store        *storage.Store
	Orchestrator *jobs.Orchestrator
	Review       *review.Service
	Cache        *cache.Store
	Stats        *stats.Aggregator
	Snapshots    *stats.Snapshotter // optional; snapshot routes answer 503 without it
	Metrics      *telemetry.Metrics // optional
	Token        string
	// MaxCacheEntries is the eviction bound used when a request names none.
	MaxCacheEntries int
	MaxPassageChars int
}

// NewHandler returns the API router. /health and /metrics are open; every
// /v1 route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/generate", handleGenerate(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))

		r.Post("/batches", handleSubmitBatch(deps))
		r.Get("/batches", handleListBatches(deps))
		r.Get("/batches/{id}", handleGetBatch(deps))
		r.Get("/batches/{id}/items", handleBatchItems(deps))
		r.Get("/batches/{id}/errors", handleBatchErrors(deps))
		r.Post("/batches/{id}/cancel", handleCancelBatch(deps))

		r.Get("/review/queue", handleReviewQueue(deps))
		r.Post("/review/bulk-approve", handleBulkApprove(deps))
		r.Post("/review/bulk-reject", handleBulkReject(deps))
		r.Get("/review/items/{id}", handleGetItem(deps))
		r.Get("/review/items/{id}/history", handleItemHistory(deps))
		r.Post("/review/items/{id}/approve", handleApprove(deps))
		r.Post("/review/items/{id}/reject", handleReject(deps))
		r.Post("/review/items/{id}/edit", handleEdit(deps))

		r.Get("/cache/stats", handleCacheStats(deps))
		r.Post("/cache/expire", handleCacheExpire(deps))
		r.Post("/cache/evict", handleCacheEvict(deps))
		r.Post("/cache/invalidate", handleCacheInvalidate(deps))

		r.Get("/stats", handleStats(deps))
		r.Get("/stats/snapshot", handleGetSnapshot(deps))
		r.Post("/stats/snapshot", handleTakeSnapshot(deps))

		r.Post("/passages/extract", handleExtractPassage(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}
