package service

import (
	"context"

	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/models"
)

// LockStore persists product locks. Insert must fail with a Conflict when
// an active lock exists.
type LockStore interface {
	GetActive(ctx context.Context, productID int64) (*models.Lock, error)
	Insert(ctx context.Context, branchID string, productID int64) (*models.Lock, error)
	Release(ctx context.Context, lockID int64) (*models.Lock, error)
}

// LockManagerService serializes balance mutations per product across branches
type LockManagerService struct {
	store  LockStore
	logger Logger
}

// NewLockManagerService creates a lock manager
func NewLockManagerService(store LockStore, logger Logger) *LockManagerService {
	return &LockManagerService{store: store, logger: logger}
}

// GetActiveLock returns the active lock on productID or NotFound
func (s *LockManagerService) GetActiveLock(ctx context.Context, productID int64) (*models.Lock, error) {
	return s.store.GetActive(ctx, productID)
}

// Acquire takes the lock on productID for branchID. Exactly one of any set
// of concurrent callers succeeds; the rest get Conflict.
func (s *LockManagerService) Acquire(ctx context.Context, branchID string, productID int64) (*models.Lock, error) {
	if branchID == "" {
		return nil, apperr.Validation("locks.acquire", "branch_id is required")
	}

	lock, err := s.store.Insert(ctx, branchID, productID)
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			if holder, herr := s.store.GetActive(ctx, productID); herr == nil {
				s.logger.Info("lock contention",
					"product_id", productID,
					"requested_by", branchID,
					"held_by", holder.BranchID,
					"lock_id", holder.ID)
				return nil, apperr.Conflict("locks.acquire", "product %d is locked by %s (lock %d)",
					productID, holder.BranchID, holder.ID)
			}
		}
		return nil, err
	}

	s.logger.Info("lock acquired", "lock_id", lock.ID, "branch_id", branchID, "product_id", productID)
	return lock, nil
}

// Release ends a lock. Releasing an already released lock is a no-op.
func (s *LockManagerService) Release(ctx context.Context, lockID int64) (*models.Lock, error) {
	lock, err := s.store.Release(ctx, lockID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("lock released",
		"lock_id", lock.ID,
		"branch_id", lock.BranchID,
		"product_id", lock.ProductID)
	return lock, nil
}
