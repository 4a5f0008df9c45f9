package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/cmd/sync-service/container"
	"github.com/lyzr/branchsync/cmd/sync-service/handlers"
	"github.com/lyzr/branchsync/common/middleware"
)

// RegisterSubscriberRoutes registers branch registration routes
func RegisterSubscriberRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSubscriberHandler(c.RegistryService)

	subscribers := e.Group("/api/v1/subscribers")
	{
		subscribers.POST("", h.Register)         // POST /api/v1/subscribers
		subscribers.GET("", h.ListSubscribers)   // GET /api/v1/subscribers
		subscribers.GET("/:id", h.GetSubscriber) // GET /api/v1/subscribers/branch-a
	}
}

// RegisterEventRoutes registers publish, catch-up, ack and feed routes
func RegisterEventRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEventHandler(c.EventLogService)
	f := handlers.NewFeedHandler(c.Hub, c.Components.Logger)

	var publishMw []echo.MiddlewareFunc
	if c.PublishLimiter != nil {
		cfg := c.Components.Config.RateLimit
		publishMw = append(publishMw,
			middleware.RateLimit(c.PublishLimiter, "publish", cfg.PublishLimit, cfg.Window, c.Components.Logger))
	}

	events := e.Group("/api/v1/events")
	{
		events.POST("", h.Publish, publishMw...)         // POST /api/v1/events
		events.GET("/pending/:branch_id", h.ListPending) // GET /api/v1/events/pending/branch-a
		events.GET("/stream", f.Stream)                  // GET /api/v1/events/stream?branch_id=branch-a
	}

	deliveries := e.Group("/api/v1/deliveries")
	{
		deliveries.PATCH("/:id/ack", h.Acknowledge) // PATCH /api/v1/deliveries/7/ack
	}
}

// RegisterLockRoutes registers product lock routes
func RegisterLockRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewLockHandler(c.LockManagerService)

	locks := e.Group("/api/v1/locks")
	{
		locks.GET("", h.GetActiveLock)         // GET /api/v1/locks?product_id=42
		locks.POST("", h.Acquire)              // POST /api/v1/locks
		locks.PATCH("/:id/release", h.Release) // PATCH /api/v1/locks/3/release
	}
}
