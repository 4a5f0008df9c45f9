package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/db"
	"github.com/lyzr/branchsync/common/models"
)

// ProductRepository handles the local product replica and the bookkeeping
// of replicated changes applied to it
type ProductRepository struct {
	db *db.DB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *db.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `id, current_balance, created_at, updated_at`

func scanProduct(row pgx.Row) (*branchmodels.Product, error) {
	p := &branchmodels.Product{}
	err := row.Scan(&p.ID, &p.CurrentBalance, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Insert creates a product and folds in any UPDATEs already buffered for
// it. A duplicate id is a Conflict.
func (r *ProductRepository) Insert(ctx context.Context, productID, initialBalance int64) (*branchmodels.Product, error) {
	var p *branchmodels.Product

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO product (id, current_balance)
			VALUES ($1, $2)
		`, productID, initialBalance); err != nil {
			if apperr.IsUniqueViolation(err) {
				return apperr.Conflict("product.create", "product %d already exists", productID)
			}
			return apperr.FromPg("product.create", fmt.Errorf("failed to insert product: %w", err))
		}

		if _, _, err := drainPending(ctx, tx, productID); err != nil {
			return err
		}

		var err error
		p, err = scanProduct(tx.QueryRow(ctx, `SELECT `+productColumns+` FROM product WHERE id = $1`, productID))
		if err != nil {
			return fmt.Errorf("failed to read product: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a product or NotFound
func (r *ProductRepository) Get(ctx context.Context, productID int64) (*branchmodels.Product, error) {
	query := `SELECT ` + productColumns + ` FROM product WHERE id = $1`

	p, err := scanProduct(r.db.QueryRow(ctx, query, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("product.get", "product %d not found", productID)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// List returns every product ordered by id
func (r *ProductRepository) List(ctx context.Context) ([]branchmodels.Product, error) {
	query := `SELECT ` + productColumns + ` FROM product ORDER BY id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := make([]branchmodels.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// recordDelivery claims deliveryID in the dedupe ledger. It returns false
// when the delivery was already applied.
func recordDelivery(ctx context.Context, tx pgx.Tx, deliveryID, productID int64, op models.Operation) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO applied_delivery (delivery_id, product_id, operation)
		VALUES ($1, $2, $3)
		ON CONFLICT (delivery_id) DO NOTHING
	`, deliveryID, productID, string(op))
	if err != nil {
		return false, fmt.Errorf("failed to record delivery %d: %w", deliveryID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyCreate applies a replicated CREATE in one transaction:
// 1. dedupe on delivery id
// 2. insert the product unless it already exists
// 3. fold in any UPDATEs still buffered for it, in delivery order
func (r *ProductRepository) ApplyCreate(ctx context.Context, deliveryID int64, c models.CreateChange) (*branchmodels.ApplyResult, error) {
	result := &branchmodels.ApplyResult{Outcome: branchmodels.OutcomeApplied}

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		fresh, err := recordDelivery(ctx, tx, deliveryID, c.ProductID, models.OperationCreate)
		if err != nil {
			return err
		}
		if !fresh {
			result.Outcome = branchmodels.OutcomeDuplicate
			return nil
		}

		// an existing product keeps its balance
		if _, err := tx.Exec(ctx, `
			INSERT INTO product (id, current_balance)
			VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, c.ProductID, c.InitialBalance); err != nil {
			return apperr.FromPg("consumer.create", fmt.Errorf("failed to insert product: %w", err))
		}

		drained, discarded, err := drainPending(ctx, tx, c.ProductID)
		if err != nil {
			return err
		}
		result.Drained, result.Discarded = drained, discarded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// drainPending applies buffered deltas on top of the product's balance and
// deletes them. A delta that would take the balance below zero is dropped.
func drainPending(ctx context.Context, tx pgx.Tx, productID int64) (int, int, error) {
	var balance int64
	if err := tx.QueryRow(ctx, `
		SELECT current_balance FROM product WHERE id = $1 FOR UPDATE
	`, productID).Scan(&balance); err != nil {
		return 0, 0, fmt.Errorf("failed to lock product %d: %w", productID, err)
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM pending_update
		WHERE product_id = $1
		RETURNING delivery_id, delta
	`, productID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to drain pending updates: %w", err)
	}

	type pending struct {
		deliveryID int64
		delta      int64
	}
	var buffered []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.deliveryID, &p.delta); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan pending update: %w", err)
		}
		buffered = append(buffered, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to drain pending updates: %w", err)
	}
	if len(buffered) == 0 {
		return 0, 0, nil
	}

	// DELETE ... RETURNING has no ORDER BY
	sort.Slice(buffered, func(i, j int) bool { return buffered[i].deliveryID < buffered[j].deliveryID })

	drained, discarded := 0, 0
	for _, p := range buffered {
		if balance+p.delta < 0 {
			discarded++
			continue
		}
		balance += p.delta
		drained++
	}

	if _, err := tx.Exec(ctx, `
		UPDATE product SET current_balance = $2, updated_at = now()
		WHERE id = $1
	`, productID, balance); err != nil {
		return 0, 0, fmt.Errorf("failed to apply pending updates: %w", err)
	}
	return drained, discarded, nil
}

// ApplyUpdate applies a replicated UPDATE in one transaction: dedupe on
// delivery id, buffer it when the product is unknown, otherwise add the
// delta. A result below zero violates the balance CHECK and is returned as
// Validation with nothing recorded.
func (r *ProductRepository) ApplyUpdate(ctx context.Context, deliveryID int64, u models.UpdateChange) (*branchmodels.ApplyResult, error) {
	result := &branchmodels.ApplyResult{Outcome: branchmodels.OutcomeApplied}

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		fresh, err := recordDelivery(ctx, tx, deliveryID, u.ProductID, models.OperationUpdate)
		if err != nil {
			return err
		}
		if !fresh {
			result.Outcome = branchmodels.OutcomeDuplicate
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE product
			SET current_balance = current_balance + $2, updated_at = now()
			WHERE id = $1
		`, u.ProductID, u.Delta)
		if err != nil {
			return apperr.FromPg("consumer.update",
				fmt.Errorf("failed to apply delta %d to product %d: %w", u.Delta, u.ProductID, err))
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO pending_update (delivery_id, product_id, delta)
			VALUES ($1, $2, $3)
		`, deliveryID, u.ProductID, u.Delta); err != nil {
			return fmt.Errorf("failed to buffer update: %w", err)
		}
		result.Outcome = branchmodels.OutcomeBuffered
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
