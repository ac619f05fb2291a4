package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. submit
// wraps the endpoints that start paid generation work (rate limiting and
// idempotency in production); nil mounts them bare.
func MountRoutes(r chi.Router, h *Handlers, submit func(http.Handler) http.Handler) {
	if submit == nil {
		submit = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Batches
		r.Get("/batches", h.ListBatches)
		r.With(submit).Post("/batches", h.RunBatch)
		r.With(submit).Post("/batches/remix", h.RunRemix)
		r.Get("/batches/{id}", h.GetBatch)
		r.Delete("/batches/{id}", handleDelete(h.Batches.DeleteBatch, "batch not found"))
		r.With(submit).Post("/batches/{id}/tasks", handleAction(maxRequestBodySize, http.StatusCreated, h.Batches.AddTask, "batch not found"))
		r.Post("/batches/{id}/cancel", h.CancelBatch)
		r.Get("/batches/{id}/history", handleListByParam("id", h.Batches.History, "batch not found"))

		// Tasks
		r.Get("/tasks/{id}", handleGet(h.getTask, "task not found"))
		r.With(submit).Post("/tasks/{id}/retry", handleAction(maxRequestBodySize, http.StatusAccepted, h.Batches.Retry, "task not found"))
	})
}
