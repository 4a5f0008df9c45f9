package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/db"
	"github.com/lyzr/branchsync/common/models"
)

// SubscriberRepository handles database operations for registered branches
type SubscriberRepository struct {
	db *db.DB
}

// NewSubscriberRepository creates a new subscriber repository
func NewSubscriberRepository(db *db.DB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// Insert stores a branch unless a row with the same id or callback URL
// exists. It returns the stored row and whether it was inserted now.
func (r *SubscriberRepository) Insert(ctx context.Context, branchID, callbackURL string) (*models.Branch, bool, error) {
	query := `
		INSERT INTO subscriber (id, callback_url)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING id, callback_url, subscribed_at
	`

	branch := &models.Branch{}
	err := r.db.QueryRow(ctx, query, branchID, callbackURL).Scan(
		&branch.ID,
		&branch.CallbackURL,
		&branch.SubscribedAt,
	)
	if err == nil {
		return branch, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert subscriber: %w", err)
	}

	// Conflict: report the row that already holds this id or URL
	existing, err := r.FindByIDOrURL(ctx, branchID, callbackURL)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindByIDOrURL returns the branch matching either key
func (r *SubscriberRepository) FindByIDOrURL(ctx context.Context, branchID, callbackURL string) (*models.Branch, error) {
	query := `
		SELECT id, callback_url, subscribed_at
		FROM subscriber
		WHERE id = $1 OR callback_url = $2
		ORDER BY (id = $1) DESC
		LIMIT 1
	`

	branch := &models.Branch{}
	err := r.db.QueryRow(ctx, query, branchID, callbackURL).Scan(
		&branch.ID,
		&branch.CallbackURL,
		&branch.SubscribedAt,
	)
	if err != nil {
		return nil, apperr.FromPg("subscriber.find", fmt.Errorf("failed to find subscriber: %w", err))
	}
	return branch, nil
}

// GetByID retrieves a branch by id
func (r *SubscriberRepository) GetByID(ctx context.Context, branchID string) (*models.Branch, error) {
	query := `
		SELECT id, callback_url, subscribed_at
		FROM subscriber
		WHERE id = $1
	`

	branch := &models.Branch{}
	err := r.db.QueryRow(ctx, query, branchID).Scan(
		&branch.ID,
		&branch.CallbackURL,
		&branch.SubscribedAt,
	)
	if err != nil {
		return nil, apperr.FromPg("subscriber.get", fmt.Errorf("failed to get subscriber %s: %w", branchID, err))
	}
	return branch, nil
}

// List returns every registered branch in registration order
func (r *SubscriberRepository) List(ctx context.Context) ([]models.Branch, error) {
	return listSubscribers(ctx, r.db)
}

func listSubscribers(ctx context.Context, q db.Querier) ([]models.Branch, error) {
	query := `
		SELECT id, callback_url, subscribed_at
		FROM subscriber
		ORDER BY subscribed_at, id
	`

	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	branches := make([]models.Branch, 0)
	for rows.Next() {
		var b models.Branch
		if err := rows.Scan(&b.ID, &b.CallbackURL, &b.SubscribedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		branches = append(branches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscribers: %w", err)
	}
	return branches, nil
}
