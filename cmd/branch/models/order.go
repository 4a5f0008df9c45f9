package models

import (
	"time"

	"github.com/google/uuid"
)

// ItemStatus is the externally visible state of one order line
type ItemStatus string

const (
	StatusNew                 ItemStatus = "NEW"
	StatusCancelledByLock     ItemStatus = "CANCELLED_BY_LOCK"
	StatusInsufficientBalance ItemStatus = "INSUFFICIENT_BALANCE"
	StatusInProgress          ItemStatus = "IN_PROGRESS"
	StatusConfirmed           ItemStatus = "CONFIRMED"
	StatusFailed              ItemStatus = "FAILED"
)

// Step is the persisted saga cursor of one order line. It records the
// last side effect that committed so recovery knows what to undo or finish.
type Step string

const (
	StepCreated        Step = "CREATED"
	StepLockAcquired   Step = "LOCK_ACQUIRED"
	StepSettled        Step = "SETTLED"
	StepBalanceApplied Step = "BALANCE_APPLIED"
	StepPublished      Step = "PUBLISHED"
	StepCompensated    Step = "COMPENSATED"
	StepDone           Step = "DONE"
)

// OrderRequest groups the line items of one place-order call
// Maps to: order_request table
type OrderRequest struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	Items     []LineItem `json:"items"`
}

// LineItem is one (product, quantity) of an order and its saga state
// Maps to: order_line_item table
type LineItem struct {
	ID        int64      `db:"id" json:"id"`
	RequestID uuid.UUID  `db:"request_id" json:"request_id"`
	ProductID int64      `db:"product_id" json:"product_id"`
	Quantity  int64      `db:"quantity" json:"quantity"`
	Status    ItemStatus `db:"status" json:"status"`
	Step      Step       `db:"step" json:"step"`
	LockID    *int64     `db:"lock_id" json:"lock_id,omitempty"`
	LastError *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderItem is one requested line
type OrderItem struct {
	ProductID int64 `json:"product_id" validate:"gt=0"`
	Quantity  int64 `json:"quantity" validate:"gt=0"`
}

// PlaceOrderRequest is the body of POST /api/v1/orders
type PlaceOrderRequest struct {
	Items []OrderItem `json:"items" validate:"required,min=1,dive"`
}

// PlaceOrderResponse reports the request id and how many lines confirmed
type PlaceOrderResponse struct {
	RequestID uuid.UUID  `json:"request_id"`
	Confirmed int        `json:"confirmed"`
	Items     []LineItem `json:"items"`
}
