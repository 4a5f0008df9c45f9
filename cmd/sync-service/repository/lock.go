package repository

import (
	"context"
	"fmt"

	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/db"
	"github.com/lyzr/branchsync/common/models"
)

// LockRepository handles product lock rows
type LockRepository struct {
	db *db.DB
}

// NewLockRepository creates a new lock repository
func NewLockRepository(db *db.DB) *LockRepository {
	return &LockRepository{db: db}
}

// GetActive returns the unreleased lock on productID
func (r *LockRepository) GetActive(ctx context.Context, productID int64) (*models.Lock, error) {
	query := `
		SELECT id, branch_id, product_id, locked_at, released_at
		FROM product_lock
		WHERE product_id = $1 AND released_at IS NULL
	`

	lock := &models.Lock{}
	err := r.db.QueryRow(ctx, query, productID).Scan(
		&lock.ID,
		&lock.BranchID,
		&lock.ProductID,
		&lock.LockedAt,
		&lock.ReleasedAt,
	)
	if err != nil {
		return nil, apperr.FromPg("lock.get_active", fmt.Errorf("failed to get active lock for product %d: %w", productID, err))
	}
	return lock, nil
}

// Insert creates an active lock. The partial unique index on product_id
// makes a concurrent second insert fail with a unique violation, reported
// as Conflict.
func (r *LockRepository) Insert(ctx context.Context, branchID string, productID int64) (*models.Lock, error) {
	query := `
		INSERT INTO product_lock (branch_id, product_id)
		VALUES ($1, $2)
		RETURNING id, branch_id, product_id, locked_at, released_at
	`

	lock := &models.Lock{}
	err := r.db.QueryRow(ctx, query, branchID, productID).Scan(
		&lock.ID,
		&lock.BranchID,
		&lock.ProductID,
		&lock.LockedAt,
		&lock.ReleasedAt,
	)
	if err != nil {
		if apperr.IsUniqueViolation(err) {
			return nil, apperr.Conflict("lock.acquire", "product %d is already locked", productID)
		}
		return nil, fmt.Errorf("failed to insert lock: %w", err)
	}
	return lock, nil
}

// Release sets released_at if the lock is still active and returns the row
func (r *LockRepository) Release(ctx context.Context, lockID int64) (*models.Lock, error) {
	query := `
		UPDATE product_lock
		SET released_at = COALESCE(released_at, now())
		WHERE id = $1
		RETURNING id, branch_id, product_id, locked_at, released_at
	`

	lock := &models.Lock{}
	err := r.db.QueryRow(ctx, query, lockID).Scan(
		&lock.ID,
		&lock.BranchID,
		&lock.ProductID,
		&lock.LockedAt,
		&lock.ReleasedAt,
	)
	if err != nil {
		return nil, apperr.FromPg("lock.release", fmt.Errorf("failed to release lock %d: %w", lockID, err))
	}
	return lock, nil
}
