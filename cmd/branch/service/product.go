package service

import (
	"context"

	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/models"
)

// ProductStore persists local products
type ProductStore interface {
	Insert(ctx context.Context, productID, initialBalance int64) (*branchmodels.Product, error)
	Get(ctx context.Context, productID int64) (*branchmodels.Product, error)
	List(ctx context.Context) ([]branchmodels.Product, error)
}

// EventPublisher appends changes to the sync service event log
type EventPublisher interface {
	Publish(ctx context.Context, change models.Change) (*models.PublishResponse, error)
}

// ProductService manages the local product catalogue
type ProductService struct {
	store     ProductStore
	publisher EventPublisher
	logger    Logger
}

// NewProductService creates a new product service
func NewProductService(store ProductStore, publisher EventPublisher, logger Logger) *ProductService {
	return &ProductService{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Create inserts a product locally and publishes a CREATE event. A publish
// failure leaves the product in place and reports replicated=false.
func (s *ProductService) Create(ctx context.Context, productID, initialBalance int64) (*branchmodels.CreateProductResponse, error) {
	change := models.CreateChange{ProductID: productID, InitialBalance: initialBalance}
	if productID <= 0 {
		return nil, apperr.Validation("product.create", "product_id must be > 0")
	}
	if err := change.Validate(); err != nil {
		return nil, apperr.Validation("product.create", "%v", err)
	}

	product, err := s.store.Insert(ctx, productID, initialBalance)
	if err != nil {
		return nil, err
	}

	resp := &branchmodels.CreateProductResponse{Product: *product}

	published, err := s.publisher.Publish(ctx, change)
	if err != nil {
		s.logger.Warn("product created but CREATE event not published",
			"product_id", productID,
			"error", err)
		return resp, nil
	}

	resp.Replicated = true
	resp.EventID = published.EventID
	s.logger.Info("product created",
		"product_id", productID,
		"initial_balance", initialBalance,
		"event_id", published.EventID)
	return resp, nil
}

// Get returns a product or NotFound
func (s *ProductService) Get(ctx context.Context, productID int64) (*branchmodels.Product, error) {
	return s.store.Get(ctx, productID)
}

// List returns every local product
func (s *ProductService) List(ctx context.Context) ([]branchmodels.Product, error) {
	return s.store.List(ctx)
}
