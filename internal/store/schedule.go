package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
)

// scheduleTerminalStates are the states a scheduled task can never leave.
var scheduleTerminalStates = []string{
	db.ScheduleStateCompleted,
	db.ScheduleStateFailed,
	db.ScheduleStateCancelled,
}

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(database *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: database}
}

// Create inserts a new scheduled-task row.
func (r *gormScheduleRepository) Create(ctx context.Context, st *db.ScheduledTask) error {
	if err := r.db.WithContext(ctx).Create(st).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByID retrieves a scheduled task by its UUID.
func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ScheduledTask, error) {
	var st db.ScheduledTask
	err := r.db.WithContext(ctx).First(&st, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &st, nil
}

// ListDue returns enabled, non-terminal rows past due at now, ordered by
// next_run_at so the oldest obligation is submitted first.
func (r *gormScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]db.ScheduledTask, error) {
	var due []db.ScheduledTask
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ? AND state NOT IN ?", true, now, scheduleTerminalStates).
		Order("next_run_at ASC").
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("schedules: list due: %w", err)
	}
	return due, nil
}

// SetState transitions the schedule state.
func (r *gormScheduleRepository) SetState(ctx context.Context, id uuid.UUID, state string) error {
	result := r.db.WithContext(ctx).
		Model(&db.ScheduledTask{}).
		Where("id = ?", id).
		Update("state", state)
	if result.Error != nil {
		return fmt.Errorf("schedules: set state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRun records a completed tick with the next execution time.
func (r *gormScheduleRepository) MarkRun(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
		})
	if result.Error != nil {
		return fmt.Errorf("schedules: mark run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
