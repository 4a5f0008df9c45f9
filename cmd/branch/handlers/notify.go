package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/cmd/branch/service"
	"github.com/lyzr/branchsync/common/models"
)

// Consumer applies notifications from the sync service
type Consumer interface {
	Handle(ctx context.Context, n models.Notification) (branchmodels.Outcome, error)
	CatchUp(ctx context.Context) (*service.CatchUpResult, error)
}

// NotifyHandler receives pushed notifications
type NotifyHandler struct {
	consumer Consumer
}

// NewNotifyHandler creates a new notify handler
func NewNotifyHandler(consumer Consumer) *NotifyHandler {
	return &NotifyHandler{consumer: consumer}
}

// Notify applies one pushed delivery
// POST /api/v1/notify
func (h *NotifyHandler) Notify(c echo.Context) error {
	var n models.Notification
	if err := bindAndValidate(c, &n); err != nil {
		return err
	}

	outcome, err := h.consumer.Handle(c.Request().Context(), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.NotifyResponse{
		DeliveryID: n.DeliveryID,
		Outcome:    string(outcome),
	})
}

// CatchUp pulls and applies every pending delivery on demand
// POST /api/v1/sync/catch-up
func (h *NotifyHandler) CatchUp(c echo.Context) error {
	result, err := h.consumer.CatchUp(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
