package models

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Operation tags the kind of change an event carries
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
)

// Change is a product change replicated between branches.
// It is either a CreateChange or an UpdateChange.
type Change interface {
	Kind() Operation
	Subject() int64
	Validate() error
}

// CreateChange announces a new product with its starting balance
type CreateChange struct {
	ProductID      int64 `json:"product_id"`
	InitialBalance int64 `json:"initial_balance"`
}

func (c CreateChange) Kind() Operation { return OperationCreate }
func (c CreateChange) Subject() int64  { return c.ProductID }

// Validate rejects negative starting balances
func (c CreateChange) Validate() error {
	if c.InitialBalance < 0 {
		return fmt.Errorf("initial_balance must be >= 0, got %d", c.InitialBalance)
	}
	return nil
}

// UpdateChange carries a signed balance delta. CurrentBalance is the
// publisher's balance after applying Delta and is informational only;
// receivers always apply Delta to their own balance.
type UpdateChange struct {
	ProductID      int64 `json:"product_id"`
	CurrentBalance int64 `json:"current_balance"`
	Delta          int64 `json:"delta"`
}

func (c UpdateChange) Kind() Operation { return OperationUpdate }
func (c UpdateChange) Subject() int64  { return c.ProductID }

// Validate rejects empty deltas and negative reported balances
func (c UpdateChange) Validate() error {
	if c.Delta == 0 {
		return fmt.Errorf("delta must be non-zero")
	}
	if c.CurrentBalance < 0 {
		return fmt.Errorf("current_balance must be >= 0, got %d", c.CurrentBalance)
	}
	return nil
}

// ChangePayload is the JSON envelope of a Change, tagged by "operation"
type ChangePayload struct {
	Change
}

// NewPayload wraps c
func NewPayload(c Change) ChangePayload {
	return ChangePayload{Change: c}
}

// MarshalJSON flattens the change and adds its operation tag
func (p ChangePayload) MarshalJSON() ([]byte, error) {
	switch c := p.Change.(type) {
	case CreateChange:
		return json.Marshal(struct {
			Operation Operation `json:"operation"`
			CreateChange
		}{OperationCreate, c})
	case UpdateChange:
		return json.Marshal(struct {
			Operation Operation `json:"operation"`
			UpdateChange
		}{OperationUpdate, c})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unsupported change type %T", p.Change)
	}
}

// UnmarshalJSON reads the operation tag and decodes the matching variant.
// Fields required by the variant must be present.
func (p *ChangePayload) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid change payload")
	}

	doc := gjson.ParseBytes(data)
	if !doc.Get("product_id").Exists() {
		return fmt.Errorf("change payload: product_id is required")
	}

	switch op := Operation(doc.Get("operation").String()); op {
	case OperationCreate:
		if !doc.Get("initial_balance").Exists() {
			return fmt.Errorf("CREATE payload: initial_balance is required")
		}
		var c CreateChange
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to decode CREATE payload: %w", err)
		}
		p.Change = c
	case OperationUpdate:
		if !doc.Get("delta").Exists() {
			return fmt.Errorf("UPDATE payload: delta is required")
		}
		var c UpdateChange
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to decode UPDATE payload: %w", err)
		}
		p.Change = c
	case "":
		return fmt.Errorf("change payload: operation is required")
	default:
		return fmt.Errorf("change payload: unknown operation %q", op)
	}

	return nil
}
