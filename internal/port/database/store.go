// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
)

// TaskResult is a persisted task outcome.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	BatchID     string    `json:"batch_id"`
	Kind        task.Kind `json:"kind"`
	DisplayName string    `json:"display_name"`
	Instruction string    `json:"instruction"`
	ResultRef   string    `json:"result_ref"`
	SourceRef   string    `json:"source_ref,omitempty"`
	Model       string    `json:"model,omitempty"`
	AspectRatio string    `json:"aspect_ratio,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the port interface for the persistence collaborator.
// The engine treats every call as a side effect whose failure never
// fails a task.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, b *batch.Batch) error
	GetBatch(ctx context.Context, id string) (*batch.Batch, error)
	// ListBatches returns the newest batches first; an empty workspaceID lists all.
	ListBatches(ctx context.Context, workspaceID string, limit int) ([]batch.Batch, error)
	// DeleteBatch removes a batch and its task results.
	DeleteBatch(ctx context.Context, id string) error

	// Task results
	SaveTaskResult(ctx context.Context, r *TaskResult) error
	ListBatchTasks(ctx context.Context, batchID string) ([]TaskResult, error)
}
