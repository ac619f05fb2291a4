package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AdFactory/internal/adapter/postgres"
	"github.com/Strob0t/AdFactory/internal/domain"
	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/database"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

// createTestBatch inserts a video batch in a fresh workspace.
func createTestBatch(t *testing.T, store *postgres.Store, workspace string) *batch.Batch {
	t.Helper()
	b := &batch.Batch{
		ID:          uuid.NewString(),
		DisplayName: "Test Batch",
		Shared: batch.SharedConfig{
			Kind:        task.KindVideo,
			AspectRatio: "9:16",
			Preset:      "raw",
			Voice:       batch.Voice{Gender: batch.GenderFemale, Accent: "Scottish"},
		},
		WorkspaceID: workspace,
		CreatedBy:   "tester",
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	t.Cleanup(func() { _ = store.DeleteBatch(context.Background(), b.ID) })
	return b
}

func TestStore_BatchRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	b := createTestBatch(t, store, "ws-"+uuid.NewString()[:8])

	got, err := store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.DisplayName != b.DisplayName || got.WorkspaceID != b.WorkspaceID || got.CreatedBy != "tester" {
		t.Errorf("batch = %+v", got)
	}
	if got.Shared.Voice.Accent != "Scottish" || got.Shared.AspectRatio != "9:16" {
		t.Errorf("shared config not restored: %+v", got.Shared)
	}
	if !got.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, b.CreatedAt)
	}
}

func TestStore_GetBatchNotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.GetBatch(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListBatchesByWorkspace(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	ws := "ws-" + uuid.NewString()[:8]

	older := createTestBatch(t, store, ws)
	time.Sleep(5 * time.Millisecond)
	newer := createTestBatch(t, store, ws)
	createTestBatch(t, store, "ws-other-"+uuid.NewString()[:8])

	list, err := store.ListBatches(ctx, ws, 10)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(list))
	}
	if list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("expected newest first, got %s then %s", list[0].ID, list[1].ID)
	}

	limited, err := store.ListBatches(ctx, ws, 1)
	if err != nil {
		t.Fatalf("list batches limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 batch with limit, got %d", len(limited))
	}
}

func TestStore_TaskResults(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	b := createTestBatch(t, store, "ws-"+uuid.NewString()[:8])

	empty, err := store.ListBatchTasks(ctx, b.ID)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", empty)
	}

	r := &database.TaskResult{
		TaskID:      uuid.NewString(),
		BatchID:     b.ID,
		Kind:        task.KindVideo,
		DisplayName: "Clip 1",
		Instruction: "It was easy.",
		ResultRef:   "https://cdn.test/a.mp4",
		AspectRatio: "9:16",
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.SaveTaskResult(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A retried task replaces its earlier result.
	r.ResultRef = "https://cdn.test/b.mp4"
	if err := store.SaveTaskResult(ctx, r); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := store.ListBatchTasks(ctx, b.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].ResultRef != "https://cdn.test/b.mp4" || got[0].DisplayName != "Clip 1" {
		t.Errorf("result = %+v", got[0])
	}
	if got[0].SourceRef != "" || got[0].Model != "" {
		t.Errorf("NULL columns should read back empty: %+v", got[0])
	}
}

func TestStore_DeleteBatchCascades(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	b := createTestBatch(t, store, "ws-"+uuid.NewString()[:8])

	err := store.SaveTaskResult(ctx, &database.TaskResult{
		TaskID: uuid.NewString(), BatchID: b.ID, Kind: task.KindImage,
		ResultRef: "https://cdn.test/x.png", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.DeleteBatch(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteBatch(ctx, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
	rest, err := store.ListBatchTasks(ctx, b.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected results to cascade, got %d", len(rest))
	}
}
