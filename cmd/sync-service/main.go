package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/branchsync/cmd/sync-service/container"
	"github.com/lyzr/branchsync/cmd/sync-service/repository"
	"github.com/lyzr/branchsync/cmd/sync-service/routes"
	"github.com/lyzr/branchsync/common/bootstrap"
	"github.com/lyzr/branchsync/common/db"
	"github.com/lyzr/branchsync/common/middleware"
	"github.com/lyzr/branchsync/common/server"
	"github.com/lyzr/branchsync/common/validation"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (DB + schema, logger, redis, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "sync-service",
		bootstrap.WithDBInitHook(func(d *db.DB) error {
			return repository.Migrate(ctx, d)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap sync-service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Background workers stop with ctx
	startWorkers(ctx, serviceContainer)

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
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status":  "unhealthy",
				"service": "sync-service",
				"error":   err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "sync-service",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterSubscriberRoutes(e, serviceContainer)
	routes.RegisterEventRoutes(e, serviceContainer)
	routes.RegisterLockRoutes(e, serviceContainer)
}

// startWorkers launches the feed hub, the Redis feed subscriber and the
// delivery dispatcher
func startWorkers(ctx context.Context, c *container.Container) {
	log := c.Components.Logger

	go c.Hub.Run(ctx)

	if c.FeedSubscriber != nil {
		go func() {
			if err := c.FeedSubscriber.Start(ctx); err != nil {
				log.Warn("feed redis subscriber stopped", "error", err)
			}
		}()
	}

	if c.Components.Config.Dispatcher.Enabled {
		go c.Dispatcher.Run(ctx)
	} else {
		log.Warn("dispatcher disabled, failed pushes are only recovered by catch-up")
	}
}

// startServer starts the HTTP server on the configured port
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting sync-service", "port", port)

	srv := server.New("sync-service", port, e, components.Logger)
	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
