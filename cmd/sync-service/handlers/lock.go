package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/common/models"
)

// LockService is the lock manager as seen by HTTP handlers
type LockService interface {
	GetActiveLock(ctx context.Context, productID int64) (*models.Lock, error)
	Acquire(ctx context.Context, branchID string, productID int64) (*models.Lock, error)
	Release(ctx context.Context, lockID int64) (*models.Lock, error)
}

// LockHandler handles product lock requests
type LockHandler struct {
	locks LockService
}

// NewLockHandler creates a new lock handler
func NewLockHandler(locks LockService) *LockHandler {
	return &LockHandler{locks: locks}
}

// GetActiveLock returns the active lock on a product, 404 when unlocked
// GET /api/v1/locks?product_id=42
func (h *LockHandler) GetActiveLock(c echo.Context) error {
	productID, err := int64Param("locks.get_active", "product_id", c.QueryParam("product_id"))
	if err != nil {
		return err
	}

	lock, err := h.locks.GetActiveLock(c.Request().Context(), productID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lock)
}

// Acquire takes a product lock, 409 when it is held
// POST /api/v1/locks
func (h *LockHandler) Acquire(c echo.Context) error {
	var req models.AcquireLockRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	lock, err := h.locks.Acquire(c.Request().Context(), req.BranchID, req.ProductID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, lock)
}

// Release ends a lock
// PATCH /api/v1/locks/:id/release
func (h *LockHandler) Release(c echo.Context) error {
	id, err := int64Param("locks.release", "lock id", c.Param("id"))
	if err != nil {
		return err
	}

	lock, err := h.locks.Release(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lock)
}
