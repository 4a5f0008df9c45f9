package container

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lyzr/branchsync/cmd/branch/repository"
	"github.com/lyzr/branchsync/cmd/branch/service"
	"github.com/lyzr/branchsync/common/bootstrap"
	"github.com/lyzr/branchsync/common/clients"
	"github.com/lyzr/branchsync/common/rules"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Sync service client (registry, event log, lock manager)
	SyncClient *clients.SyncClient

	// Repositories
	ProductRepo *repository.ProductRepository
	OrderRepo   *repository.OrderRepository

	// Services
	ConsumerService *service.ConsumerService
	ProductService  *service.ProductService
	OrderService    *service.OrderService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger.WithBranchID(cfg.Branch.ID)

	// Initialize repositories
	productRepo := repository.NewProductRepository(components.DB)
	orderRepo := repository.NewOrderRepository(components.DB)

	syncClient := clients.NewSyncClient(cfg.Branch.SyncServiceURL, cfg.Branch.ID, cfg.Branch.RequestTimeout, log)

	evaluator, err := rules.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule evaluator: %w", err)
	}

	// Initialize services (bottom-up: dependencies first)
	consumerService := service.NewConsumerService(productRepo, syncClient, cfg.Branch.ID, log)
	productService := service.NewProductService(productRepo, syncClient, log)
	orderLog := log.WithFields(map[string]any{
		"component":    "orders",
		"sync_service": cfg.Branch.SyncServiceURL,
	})
	releaseBackOff := func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		b.MaxElapsedTime = cfg.Orders.ReleaseRetry
		return b
	}
	orderService, err := service.NewOrderService(service.OrderOpts{
		Store:          orderRepo,
		Locks:          syncClient,
		Publisher:      syncClient,
		CatchUp:        consumerService,
		Rules:          evaluator,
		ItemRule:       cfg.Orders.ItemRule,
		BranchID:       cfg.Branch.ID,
		Logger:         orderLog,
		ReleaseBackOff: releaseBackOff,
	})
	if err != nil {
		return nil, err
	}

	return &Container{
		Components:      components,
		SyncClient:      syncClient,
		ProductRepo:     productRepo,
		OrderRepo:       orderRepo,
		ConsumerService: consumerService,
		ProductService:  productService,
		OrderService:    orderService,
	}, nil
}
