package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/db"
)

// OrderRepository persists order requests and the saga state of their
// line items
type OrderRepository struct {
	db *db.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *db.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const lineItemColumns = `id, request_id, product_id, quantity, status, step, lock_id, last_error, created_at, updated_at`

func scanLineItem(row pgx.Row) (*branchmodels.LineItem, error) {
	item := &branchmodels.LineItem{}
	err := row.Scan(
		&item.ID,
		&item.RequestID,
		&item.ProductID,
		&item.Quantity,
		&item.Status,
		&item.Step,
		&item.LockID,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func collectLineItems(rows pgx.Rows) ([]branchmodels.LineItem, error) {
	defer rows.Close()

	items := make([]branchmodels.LineItem, 0)
	for rows.Next() {
		item, err := scanLineItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CreateRequest inserts the request and one NEW/CREATED line per item in
// a single transaction
func (r *OrderRepository) CreateRequest(ctx context.Context, id uuid.UUID, items []branchmodels.OrderItem) (*branchmodels.OrderRequest, error) {
	req := &branchmodels.OrderRequest{ID: id}

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO order_request (id) VALUES ($1)
			RETURNING created_at
		`, id).Scan(&req.CreatedAt); err != nil {
			return apperr.FromPg("order.create", fmt.Errorf("failed to insert order request: %w", err))
		}

		req.Items = make([]branchmodels.LineItem, 0, len(items))
		for _, it := range items {
			item, err := scanLineItem(tx.QueryRow(ctx, `
				INSERT INTO order_line_item (request_id, product_id, quantity, status, step)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING `+lineItemColumns,
				id, it.ProductID, it.Quantity, branchmodels.StatusNew, branchmodels.StepCreated))
			if err != nil {
				return apperr.FromPg("order.create", fmt.Errorf("failed to insert line item: %w", err))
			}
			req.Items = append(req.Items, *item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// GetRequest returns a request with its line items in creation order
func (r *OrderRepository) GetRequest(ctx context.Context, id uuid.UUID) (*branchmodels.OrderRequest, error) {
	req := &branchmodels.OrderRequest{ID: id}
	err := r.db.QueryRow(ctx, `SELECT created_at FROM order_request WHERE id = $1`, id).Scan(&req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("order.get", "order %s not found", id)
		}
		return nil, fmt.Errorf("failed to get order request: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+lineItemColumns+`
		FROM order_line_item
		WHERE request_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	req.Items, err = collectLineItems(rows)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// SaveProgress persists the item's status, step, lock and error
func (r *OrderRepository) SaveProgress(ctx context.Context, item *branchmodels.LineItem) error {
	return saveProgress(ctx, r.db, item)
}

func saveProgress(ctx context.Context, q db.Querier, item *branchmodels.LineItem) error {
	err := q.QueryRow(ctx, `
		UPDATE order_line_item
		SET status = $2, step = $3, lock_id = $4, last_error = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, item.ID, item.Status, item.Step, item.LockID, item.LastError).Scan(&item.UpdatedAt)
	if err != nil {
		return apperr.FromPg("order.save_progress", fmt.Errorf("failed to update line item %d: %w", item.ID, err))
	}
	return nil
}

// Debit settles the item against the product balance in one transaction
// holding the product row lock. Enough balance: the balance is decremented
// and the item moves to IN_PROGRESS/BALANCE_APPLIED. Otherwise the item
// becomes INSUFFICIENT_BALANCE/SETTLED and the balance is untouched.
// Returns the product balance after the transaction.
func (r *OrderRepository) Debit(ctx context.Context, item *branchmodels.LineItem) (int64, error) {
	var balance int64
	next := *item

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT current_balance FROM product WHERE id = $1 FOR UPDATE
		`, next.ProductID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("order.debit", "product %d not found", next.ProductID)
			}
			return fmt.Errorf("failed to lock product %d: %w", next.ProductID, err)
		}

		if balance-next.Quantity < 0 {
			next.Status = branchmodels.StatusInsufficientBalance
			next.Step = branchmodels.StepSettled
			return saveProgress(ctx, tx, &next)
		}

		balance -= next.Quantity
		if _, err := tx.Exec(ctx, `
			UPDATE product SET current_balance = $2, updated_at = now()
			WHERE id = $1
		`, next.ProductID, balance); err != nil {
			return apperr.FromPg("order.debit", fmt.Errorf("failed to debit product %d: %w", next.ProductID, err))
		}

		next.Status = branchmodels.StatusInProgress
		next.Step = branchmodels.StepBalanceApplied
		return saveProgress(ctx, tx, &next)
	})
	if err != nil {
		return 0, err
	}
	*item = next
	return balance, nil
}

// Compensate restores the item's quantity to the product and marks the
// item FAILED/COMPENSATED in one transaction
func (r *OrderRepository) Compensate(ctx context.Context, item *branchmodels.LineItem, reason string) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE product SET current_balance = current_balance + $2, updated_at = now()
			WHERE id = $1
		`, item.ProductID, item.Quantity); err != nil {
			return fmt.Errorf("failed to restore product %d: %w", item.ProductID, err)
		}

		item.Status = branchmodels.StatusFailed
		item.Step = branchmodels.StepCompensated
		item.LastError = &reason
		return saveProgress(ctx, tx, item)
	})
}

// ListUnfinished returns every line item whose saga has not reached DONE
func (r *OrderRepository) ListUnfinished(ctx context.Context) ([]branchmodels.LineItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+lineItemColumns+`
		FROM order_line_item
		WHERE step <> $1
		ORDER BY id
	`, branchmodels.StepDone)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished line items: %w", err)
	}
	return collectLineItems(rows)
}

// Balance returns the current balance of productID
func (r *OrderRepository) Balance(ctx context.Context, productID int64) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT current_balance FROM product WHERE id = $1`, productID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.NotFound("order.balance", "product %d not found", productID)
		}
		return 0, fmt.Errorf("failed to read balance of product %d: %w", productID, err)
	}
	return balance, nil
}
