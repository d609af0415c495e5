package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
)

// gormAuditRepository is the GORM implementation of AuditRepository.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided *gorm.DB.
func NewAuditRepository(database *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: database}
}

// Append inserts a new audit entry. The log is append-only; there is no
// update or delete path by design.
func (r *gormAuditRepository) Append(ctx context.Context, entry *db.AuditEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// ListByTask returns the audit trail for a task ordered by id ascending
// (UUIDv7, so event order).
func (r *gormAuditRepository) ListByTask(ctx context.Context, taskID uuid.UUID) ([]db.AuditEntry, error) {
	var entries []db.AuditEntry
	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: list by task: %w", err)
	}
	return entries, nil
}
