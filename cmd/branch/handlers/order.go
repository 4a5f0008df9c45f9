package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
)

// OrderService places and reads orders
type OrderService interface {
	PlaceOrder(ctx context.Context, items []branchmodels.OrderItem) (*branchmodels.PlaceOrderResponse, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*branchmodels.OrderRequest, error)
}

// OrderHandler handles order requests
type OrderHandler struct {
	orders OrderService
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orders OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// PlaceOrder runs the order workflow for every item of the request.
// Item outcomes are reported per line; the call itself succeeds once the
// request is recorded.
// POST /api/v1/orders
func (h *OrderHandler) PlaceOrder(c echo.Context) error {
	var req branchmodels.PlaceOrderRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	resp, err := h.orders.PlaceOrder(c.Request().Context(), req.Items)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetOrder returns a request with all its line items
// GET /api/v1/orders/:id
func (h *OrderHandler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("order.get", "invalid order id %q", c.Param("id"))
	}

	req, err := h.orders.GetOrder(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}
