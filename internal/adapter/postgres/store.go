package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/database"
)

const defaultListLimit = 100

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Batches ---

func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch) error {
	sharedJSON, err := json.Marshal(b.Shared)
	if err != nil {
		return fmt.Errorf("marshal shared config: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO batches (id, name, kind, image_url, aspect_ratio, gender, shared, workspace_id, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.DisplayName, string(b.Shared.Kind), nullIfEmpty(b.Shared.SourceAsset),
		nullIfEmpty(b.Shared.AspectRatio), nullIfEmpty(string(b.Shared.Voice.Gender)),
		sharedJSON, b.WorkspaceID, b.CreatedBy, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, shared, workspace_id, created_by, created_at
		 FROM batches WHERE id = $1`, id)

	b, err := scanBatch(row)
	if err != nil {
		return nil, notFoundWrap(err, "get batch %s", id)
	}
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, workspaceID string, limit int) ([]batch.Batch, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	if workspaceID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, name, shared, workspace_id, created_by, created_at
			 FROM batches ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, name, shared, workspace_id, created_by, created_at
			 FROM batches WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`, workspaceID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []batch.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return orEmpty(out), rows.Err()
}

// DeleteBatch removes the batch; its generations go with it via ON DELETE CASCADE.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete batch %s", id)
}

func scanBatch(row scannable) (batch.Batch, error) {
	var (
		b          batch.Batch
		sharedJSON []byte
	)
	if err := row.Scan(&b.ID, &b.DisplayName, &sharedJSON, &b.WorkspaceID, &b.CreatedBy, &b.CreatedAt); err != nil {
		return batch.Batch{}, err
	}
	if len(sharedJSON) > 0 {
		if err := json.Unmarshal(sharedJSON, &b.Shared); err != nil {
			return batch.Batch{}, fmt.Errorf("unmarshal shared config: %w", err)
		}
	}
	return b, nil
}

// --- Task results ---

// SaveTaskResult upserts by task id: a retried task replaces its earlier result.
func (s *Store) SaveTaskResult(ctx context.Context, r *database.TaskResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO generations (id, batch_id, kind, display_name, script, result_url, image_url, model, aspect_ratio, gender, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   script = EXCLUDED.script,
		   result_url = EXCLUDED.result_url,
		   image_url = EXCLUDED.image_url,
		   model = EXCLUDED.model,
		   created_at = EXCLUDED.created_at`,
		r.TaskID, r.BatchID, string(r.Kind), r.DisplayName, r.Instruction, r.ResultRef,
		nullIfEmpty(r.SourceRef), nullIfEmpty(r.Model), nullIfEmpty(r.AspectRatio),
		nullIfEmpty(r.Gender), nullIfEmpty(r.CreatedBy), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save task result %s: %w", r.TaskID, err)
	}
	return nil
}

func (s *Store) ListBatchTasks(ctx context.Context, batchID string) ([]database.TaskResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, kind, display_name, script, result_url, image_url, model, aspect_ratio, gender, created_by, created_at
		 FROM generations WHERE batch_id = $1 ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch tasks %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []database.TaskResult
	for rows.Next() {
		var (
			r                                         database.TaskResult
			kind                                      string
			source, model, aspectRatio, gender, owner *string
		)
		if err := rows.Scan(&r.TaskID, &r.BatchID, &kind, &r.DisplayName, &r.Instruction, &r.ResultRef,
			&source, &model, &aspectRatio, &gender, &owner, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		r.Kind = task.Kind(kind)
		r.SourceRef = derefOr(source)
		r.Model = derefOr(model)
		r.AspectRatio = derefOr(aspectRatio)
		r.Gender = derefOr(gender)
		r.CreatedBy = derefOr(owner)
		out = append(out, r)
	}
	return orEmpty(out), rows.Err()
}
