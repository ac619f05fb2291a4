package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/database"
	"github.com/Strob0t/AdFactory/internal/service"
)

const (
	maxRequestBodySize = 32 << 20 // inline reference images
	defaultListLimit   = 50
	maxListLimit       = 500
	healthCheckTimeout = 2 * time.Second
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the services the HTTP handlers call.
type Handlers struct {
	Batches *service.BatchService
	Health  map[string]HealthCheck
}

// runBatchRequest accepts plain scripts in addition to structured inputs.
type runBatchRequest struct {
	batch.CreateRequest
	Scripts []string `json:"scripts,omitempty"`
}

type runBatchResponse struct {
	Batch *batch.Batch `json:"batch"`
	Tasks []task.Task  `json:"tasks"`
}

type batchDetail struct {
	Batch   *batch.Batch          `json:"batch"`
	Live    bool                  `json:"live"`
	Summary *batch.Summary        `json:"summary,omitempty"`
	Tasks   []task.Task           `json:"tasks,omitempty"`
	Results []database.TaskResult `json:"results,omitempty"`
}

// RunBatch handles POST /api/v1/batches
func (h *Handlers) RunBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[runBatchRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	for _, s := range req.Scripts {
		req.Inputs = append(req.Inputs, batch.Input{Instruction: s})
	}

	b, tasks, err := h.Batches.RunBatch(r.Context(), &req.CreateRequest)
	if err != nil {
		writeDomainError(w, err, "batch not found")
		return
	}
	writeJSON(w, http.StatusCreated, runBatchResponse{Batch: b, Tasks: tasks})
}

// RunRemix handles POST /api/v1/batches/remix
func (h *Handlers) RunRemix(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[batch.RemixRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	b, tasks, err := h.Batches.RunRemix(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "batch not found")
		return
	}
	writeJSON(w, http.StatusCreated, runBatchResponse{Batch: b, Tasks: tasks})
}

// ListBatches handles GET /api/v1/batches?workspace_id=&limit=
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := min(queryInt(r, "limit", defaultListLimit), maxListLimit)
	if limit == 0 {
		limit = defaultListLimit
	}
	items, err := h.Batches.ListBatches(r.Context(), r.URL.Query().Get("workspace_id"), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if items == nil {
		items = []batch.Batch{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetBatch handles GET /api/v1/batches/{id}. A batch no longer held in
// memory is answered from its persisted results.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	b, live, err := h.Batches.GetBatch(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "batch not found")
		return
	}

	detail := batchDetail{Batch: b, Live: live}
	if live {
		sum, err := h.Batches.Summary(id)
		if err != nil {
			writeDomainError(w, err, "batch not found")
			return
		}
		tasks, err := h.Batches.Tasks(id)
		if err != nil {
			writeDomainError(w, err, "batch not found")
			return
		}
		detail.Summary = &sum
		detail.Tasks = tasks
	} else {
		results, err := h.Batches.History(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "batch not found")
			return
		}
		detail.Results = results
	}
	writeJSON(w, http.StatusOK, detail)
}

// CancelBatch handles POST /api/v1/batches/{id}/cancel
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	n, err := h.Batches.CancelBatch(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// HealthCheck handles GET /health. Any failing dependency turns the answer
// into 503.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.Health))
	for name, check := range h.Health {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "dependencies": deps})
}

func (h *Handlers) getTask(_ context.Context, id string) (task.Task, error) {
	return h.Batches.GetTask(id)
}
