package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/branchsync/cmd/branch/container"
	"github.com/lyzr/branchsync/cmd/branch/repository"
	"github.com/lyzr/branchsync/cmd/branch/routes"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/bootstrap"
	"github.com/lyzr/branchsync/common/db"
	"github.com/lyzr/branchsync/common/middleware"
	"github.com/lyzr/branchsync/common/server"
	"github.com/lyzr/branchsync/common/validation"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (DB + schema, logger, cache, telemetry).
	// A branch talks to other replicas only through the sync service.
	components, err := bootstrap.Setup(ctx, "branch",
		bootstrap.WithoutRedis(),
		bootstrap.WithDBInitHook(func(d *db.DB) error {
			return repository.Migrate(ctx, d)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap branch: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	if err := components.Config.ValidateBranch(); err != nil {
		components.Logger.Error("Invalid branch configuration", "error", err)
		os.Exit(1)
	}

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Logger.Error("Failed to initialize service container", "error", err)
		os.Exit(1)
	}

	// Register, recover and catch up before taking traffic
	if err := startup(ctx, serviceContainer); err != nil {
		components.Logger.Error("Branch startup failed", "error", err)
		os.Exit(1)
	}

	// Keep sweeping items whose lock release failed
	go serviceContainer.OrderService.RunRecovery(ctx, components.Config.Orders.RecoveryInterval)

	// Initialize Echo server
	e := setupEcho(components)

	// Setup middleware
	setupMiddleware(e, components)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(ctx, e, components)
}

// startup registers the branch with the sync service, finishes order items a
// previous run left open, and applies every delivery missed while down
func startup(ctx context.Context, c *container.Container) error {
	cfg := c.Components.Config
	log := c.Components.Logger

	// 1. Register (the sync service may still be starting)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = cfg.Branch.StartupRetry

	register := func() error {
		_, err := c.SyncClient.Register(ctx, cfg.Branch.PublicURL)
		if err != nil && !apperr.Is(err, apperr.KindRemoteUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("sync service not reachable, retrying registration", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(register, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("failed to register with sync service: %w", err)
	}

	// 2. Recovery sweep
	if _, err := c.OrderService.Recover(ctx); err != nil {
		log.Warn("order recovery incomplete", "error", err)
	}

	// 3. Startup catch-up
	result, err := c.ConsumerService.CatchUp(ctx)
	if err != nil {
		return fmt.Errorf("startup catch-up failed: %w", err)
	}
	if result.Failed > 0 {
		log.Warn("some deliveries could not be applied at startup", "failed", result.Failed)
	}
	return nil
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho(components *bootstrap.Components) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(components.Logger)
	e.Validator = validation.New()
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, components *bootstrap.Components) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestContext())
	e.Use(middleware.RequestLogger(components.Logger))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	branchID := components.Config.Branch.ID
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status":    "unhealthy",
				"service":   "branch",
				"branch_id": branchID,
				"error":     err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":    "ok",
			"service":   "branch",
			"branch_id": branchID,
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterProductRoutes(e, serviceContainer)
	routes.RegisterSyncRoutes(e, serviceContainer)
	routes.RegisterOrderRoutes(e, serviceContainer)
}

// startServer starts the HTTP server on the configured port
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting branch", "port", port, "branch_id", components.Config.Branch.ID)

	srv := server.New("branch", port, e, components.Logger)
	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
