package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/common/models"
)

// SubscriberService is the registry as seen by HTTP handlers
type SubscriberService interface {
	Register(ctx context.Context, branchID, callbackURL string) (*models.Branch, bool, error)
	Get(ctx context.Context, branchID string) (*models.Branch, error)
	List(ctx context.Context) ([]models.Branch, error)
}

// SubscriberHandler handles branch registration requests
type SubscriberHandler struct {
	registry SubscriberService
}

// NewSubscriberHandler creates a new subscriber handler
func NewSubscriberHandler(registry SubscriberService) *SubscriberHandler {
	return &SubscriberHandler{registry: registry}
}

// Register subscribes a branch
// POST /api/v1/subscribers
func (h *SubscriberHandler) Register(c echo.Context) error {
	var req models.RegisterRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	branch, created, err := h.registry.Register(c.Request().Context(), req.BranchID, req.CallbackURL)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, models.RegisterResponse{Branch: *branch, Created: created})
}

// ListSubscribers lists every registered branch
// GET /api/v1/subscribers
func (h *SubscriberHandler) ListSubscribers(c echo.Context) error {
	branches, err := h.registry.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"subscribers": branches,
		"count":       len(branches),
	})
}

// GetSubscriber retrieves one branch
// GET /api/v1/subscribers/:id
func (h *SubscriberHandler) GetSubscriber(c echo.Context) error {
	branch, err := h.registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, branch)
}
