package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/gifmark/internal/model"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskNotActive = errors.New("task not found or already finished")
)

// Repository provides CRUD operations for watermarking tasks in the database.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateTask inserts a new task record and returns its UUID.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) (uuid.UUID, error) {
	query := `
		INSERT INTO tasks (id, filename, source_path, mark_path, spec, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	specJSON, err := json.Marshal(t.Spec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal spec: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRowContext(
		ctx, query, t.ID, t.Filename, t.SourcePath, t.MarkPath, specJSON, t.Status,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create: failed to save task: %w", err)
	}

	return id, nil
}

// GetTask retrieves a task record by ID.
func (r *Repository) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	query := `
		SELECT filename, source_path, mark_path, result_path, spec, status, progress, error, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	var t model.Task
	var specBytes []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.Filename, &t.SourcePath, &t.MarkPath, &t.ResultPath, &specBytes,
		&t.Status, &t.Progress, &t.Error, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrTaskNotFound
		}

		return model.Task{}, fmt.Errorf("get: failed to get task: %w", err)
	}

	if err := json.Unmarshal(specBytes, &t.Spec); err != nil {
		return model.Task{}, fmt.Errorf("get: failed to unmarshal spec: %w", err)
	}

	t.ID = id

	return t, nil
}

// UpdateStatus records a status change. Rows already in a terminal status
// are left untouched, so a late update cannot overwrite the outcome.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.TaskStatus, progress float64, errMsg string) error {
	query := `
		UPDATE tasks
		SET status = $1, progress = $2, error = $3, updated_at = now()
		WHERE id = $4 AND status NOT IN ('done', 'failed', 'cancelled')
	`

	res, err := r.db.ExecContext(ctx, query, status, progress, errMsg, id)
	if err != nil {
		return fmt.Errorf("update: failed to update task: %w", err)
	}

	return checkActive(res)
}

// CompleteTask stores the result path and marks the task done.
func (r *Repository) CompleteTask(ctx context.Context, id uuid.UUID, resultPath string) error {
	query := `
		UPDATE tasks
		SET status = 'done', progress = 1, result_path = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ('done', 'failed', 'cancelled')
	`

	res, err := r.db.ExecContext(ctx, query, resultPath, id)
	if err != nil {
		return fmt.Errorf("complete: failed to update task: %w", err)
	}

	return checkActive(res)
}

// checkActive maps a guarded update that touched no row to ErrTaskNotActive.
func checkActive(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrTaskNotActive
	}

	return nil
}

// DeleteTask deletes a task record by ID.
func (r *Repository) DeleteTask(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM tasks WHERE id = $1
	`

	rows, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete task: %w", err)
	}

	n, err := rows.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrTaskNotFound
	}

	return nil
}
