package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskwire-io/taskwire/internal/db"
)

// HashKey returns the SHA-256 hex digest of a raw API key. The raw key is
// never stored — the same idiom as hashed refresh tokens.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// gormCredentialRepository is the GORM implementation of CredentialRepository.
type gormCredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository returns a CredentialRepository backed by the
// provided *gorm.DB.
func NewCredentialRepository(database *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{db: database}
}

// Create inserts a new API key record. The caller hashes the raw key with
// HashKey before constructing the record.
func (r *gormCredentialRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("credentials: create: %w", err)
	}
	return nil
}

// GetByHash looks up a credential by key hash. Returns ErrNotFound if absent.
func (r *gormCredentialRepository) GetByHash(ctx context.Context, keyHash string) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "key_hash = ?", keyHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credentials: get by hash: %w", err)
	}
	return &key, nil
}

// Revoke marks a key revoked. Existing connections stay up until their next
// heartbeat failure or an explicit restart — revocation only gates new auths.
func (r *gormCredentialRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("revoked", true)
	if result.Error != nil {
		return fmt.Errorf("credentials: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records a successful authentication with the key.
func (r *gormCredentialRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", at)
	if result.Error != nil {
		return fmt.Errorf("credentials: touch last used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
