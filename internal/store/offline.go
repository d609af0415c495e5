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

// gormOfflineQueueRepository is the GORM implementation of OfflineQueueRepository.
type gormOfflineQueueRepository struct {
	db *gorm.DB
}

// NewOfflineQueueRepository returns an OfflineQueueRepository backed by the
// provided *gorm.DB.
func NewOfflineQueueRepository(database *gorm.DB) OfflineQueueRepository {
	return &gormOfflineQueueRepository{db: database}
}

// Create persists a new offline-queue entry.
func (r *gormOfflineQueueRepository) Create(ctx context.Context, msg *db.OfflineMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("offline: create: %w", err)
	}
	return nil
}

// ListUndelivered returns every undelivered, unexpired entry across all
// agents, ordered by id ascending. UUIDv7 ids are time-ordered, so this is
// enqueue order — the property the sequential drain mode relies on.
func (r *gormOfflineQueueRepository) ListUndelivered(ctx context.Context, now time.Time) ([]db.OfflineMessage, error) {
	var msgs []db.OfflineMessage
	if err := r.db.WithContext(ctx).
		Where("delivered_at IS NULL AND expires_at > ?", now).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("offline: list undelivered: %w", err)
	}
	return msgs, nil
}

// MarkDelivered flips delivered_at exactly once. The guarded update makes
// concurrent deliveries of the same entry safe: the second caller sees
// ErrAlreadyDelivered and must not resend.
func (r *gormOfflineQueueRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.OfflineMessage{}).
		Where("id = ? AND delivered_at IS NULL", id).
		Update("delivered_at", at)
	if result.Error != nil {
		return fmt.Errorf("offline: mark delivered: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var msg db.OfflineMessage
		err := r.db.WithContext(ctx).Select("id").First(&msg, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("offline: mark delivered: %w", err)
		}
		return ErrAlreadyDelivered
	}
	return nil
}

// IncrementAttempts bumps the delivery-attempt counter.
func (r *gormOfflineQueueRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.OfflineMessage{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1"))
	if result.Error != nil {
		return fmt.Errorf("offline: increment attempts: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes entries past their TTL regardless of delivery state,
// returning the number of rows removed.
func (r *gormOfflineQueueRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&db.OfflineMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("offline: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
