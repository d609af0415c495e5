package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
)

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(database *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: database}
}

// Create inserts a new task record.
func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its UUID. Returns ErrNotFound if absent.
func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

// UpdateStatus transitions a task to a non-terminal status. The WHERE clause
// excludes terminal rows so a late or duplicate event can never resurrect a
// finished task; RowsAffected==0 is disambiguated into ErrNotFound vs
// ErrAlreadyTerminal with a follow-up read.
func (r *gormTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND status NOT IN ?", id, db.TerminalStatuses).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("tasks: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// Finalize applies a terminal status and the frozen usage aggregate in one
// guarded update. The same guard as UpdateStatus enforces terminal-once:
// applying the same completion twice is a no-op returning ErrAlreadyTerminal.
func (r *gormTaskRepository) Finalize(ctx context.Context, id uuid.UUID, status string, usage Usage) error {
	if !db.IsTerminal(status) {
		return fmt.Errorf("tasks: finalize with non-terminal status %q", status)
	}

	updates := map[string]interface{}{
		"status":         status,
		"input_tokens":   usage.InputTokens,
		"output_tokens":  usage.OutputTokens,
		"estimated_cost": usage.EstimatedCost,
		"files_changed":  marshalSet(usage.FilesChanged),
		"commands_run":   marshalSet(usage.CommandsRun),
		"duration_ms":    usage.DurationMs,
		"result":         usage.Result,
	}
	if usage.SessionID != "" {
		updates["session_id"] = usage.SessionID
	}

	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND status NOT IN ?", id, db.TerminalStatuses).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("tasks: finalize: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// SetAgent records the agent a task was dispatched to.
func (r *gormTaskRepository) SetAgent(ctx context.Context, id uuid.UUID, agentID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Update("agent_id", agentID)
	if result.Error != nil {
		return fmt.Errorf("tasks: set agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSession records the engine-assigned session id. Session ids never
// change once assigned, so an empty-guard keeps the first value.
func (r *gormTaskRepository) SetSession(ctx context.Context, id uuid.UUID, sessionID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND session_id = ''", id).
		Update("session_id", sessionID)
	if result.Error != nil {
		return fmt.Errorf("tasks: set session: %w", result.Error)
	}
	return nil
}

// BumpContinuations increments the continuation counter by one.
func (r *gormTaskRepository) BumpContinuations(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Update("continuations", gorm.Expr("continuations + 1"))
	if result.Error != nil {
		return fmt.Errorf("tasks: bump continuations: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByParent returns all subtasks of a parent ordered by id ascending
// (UUIDv7, so creation order).
func (r *gormTaskRepository) ListByParent(ctx context.Context, parentID uuid.UUID) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("parent_task_id = ?", parentID).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list by parent: %w", err)
	}
	return tasks, nil
}

// AllSubtasksTerminal reports whether a parent has subtasks and every one of
// them reached a terminal state. Two counts in one round trip each — cheap
// enough for the completion path, which calls this once per subtask terminal.
func (r *gormTaskRepository) AllSubtasksTerminal(ctx context.Context, parentID uuid.UUID) (bool, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("parent_task_id = ?", parentID).
		Count(&total).Error; err != nil {
		return false, fmt.Errorf("tasks: count subtasks: %w", err)
	}
	if total == 0 {
		return false, nil
	}

	var open int64
	if err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("parent_task_id = ? AND status NOT IN ?", parentID, db.TerminalStatuses).
		Count(&open).Error; err != nil {
		return false, fmt.Errorf("tasks: count open subtasks: %w", err)
	}
	return open == 0, nil
}

// DeleteTerminalOlderThan removes terminal tasks created before cutoff.
func (r *gormTaskRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", db.TerminalStatuses, cutoff).
		Delete(&db.Task{})
	if result.Error != nil {
		return 0, fmt.Errorf("tasks: delete terminal older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// classifyMiss turns a zero-rows guarded update into the precise sentinel:
// the row either does not exist or is already terminal.
func (r *gormTaskRepository) classifyMiss(ctx context.Context, id uuid.UUID) error {
	var task db.Task
	err := r.db.WithContext(ctx).Select("status").First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("tasks: classify update miss: %w", err)
	}
	return ErrAlreadyTerminal
}

// marshalSet serialises an unordered string set as a JSON array. nil becomes
// the empty array so the column default stays meaningful.
func marshalSet(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		// []string cannot fail to marshal; keep the column valid regardless.
		return "[]"
	}
	return string(data)
}
