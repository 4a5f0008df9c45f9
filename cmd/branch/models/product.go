package models

import (
	"time"
)

// Product is this branch's replica of one product balance
// Maps to: product table
type Product struct {
	ID             int64     `db:"id" json:"id"`
	CurrentBalance int64     `db:"current_balance" json:"current_balance"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Outcome reports what the consumer did with one notification
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeSkipped   Outcome = "skipped"
)

// ApplyResult is the local effect of applying one replicated change
type ApplyResult struct {
	Outcome Outcome
	// Drained counts buffered updates folded in by a CREATE
	Drained int
	// Discarded counts buffered updates dropped because they would have
	// taken the balance below zero
	Discarded int
}

// CreateProductRequest creates a product locally and replicates it
type CreateProductRequest struct {
	ProductID      int64 `json:"product_id" validate:"gt=0"`
	InitialBalance int64 `json:"initial_balance" validate:"gte=0"`
}

// CreateProductResponse reports the product and whether the CREATE event
// reached the sync service
type CreateProductResponse struct {
	Product    Product `json:"product"`
	Replicated bool    `json:"replicated"`
	EventID    int64   `json:"event_id,omitempty"`
}
