package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/common/models"
)

// EventService is the event log as seen by HTTP handlers
type EventService interface {
	Publish(ctx context.Context, publisherID string, change models.Change) (*models.PublishResponse, error)
	ListUndelivered(ctx context.Context, branchID string) ([]models.Notification, error)
	Acknowledge(ctx context.Context, deliveryID int64) error
}

// EventHandler handles publish, catch-up and acknowledgement requests
type EventHandler struct {
	events EventService
}

// NewEventHandler creates a new event handler
func NewEventHandler(events EventService) *EventHandler {
	return &EventHandler{events: events}
}

// Publish appends a change to the event log and fans it out
// POST /api/v1/events
func (h *EventHandler) Publish(c echo.Context) error {
	var req models.PublishRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	resp, err := h.events.Publish(c.Request().Context(), req.PublisherID, req.Change.Change)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

// ListPending returns a branch's unacknowledged deliveries, oldest first
// GET /api/v1/events/pending/:branch_id
func (h *EventHandler) ListPending(c echo.Context) error {
	branchID := c.Param("branch_id")

	notifications, err := h.events.ListUndelivered(c.Request().Context(), branchID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.PendingResponse{
		BranchID:      branchID,
		Notifications: notifications,
	})
}

// Acknowledge marks a delivery consumed
// PATCH /api/v1/deliveries/:id/ack
func (h *EventHandler) Acknowledge(c echo.Context) error {
	id, err := int64Param("deliveries.ack", "delivery id", c.Param("id"))
	if err != nil {
		return err
	}

	if err := h.events.Acknowledge(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
