package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/cmd/branch/container"
	"github.com/lyzr/branchsync/cmd/branch/handlers"
)

// RegisterProductRoutes registers product catalogue routes
func RegisterProductRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewProductHandler(c.ProductService)

	products := e.Group("/api/v1/products")
	{
		products.POST("", h.CreateProduct) // POST /api/v1/products
		products.GET("", h.ListProducts)   // GET /api/v1/products
		products.GET("/:id", h.GetProduct) // GET /api/v1/products/42
	}
}

// RegisterSyncRoutes registers the push endpoint and the manual catch-up trigger
func RegisterSyncRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewNotifyHandler(c.ConsumerService)

	api := e.Group("/api/v1")
	{
		api.POST("/notify", h.Notify)         // POST /api/v1/notify
		api.POST("/sync/catch-up", h.CatchUp) // POST /api/v1/sync/catch-up
	}
}

// RegisterOrderRoutes registers order routes
func RegisterOrderRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewOrderHandler(c.OrderService)

	orders := e.Group("/api/v1/orders")
	{
		orders.POST("", h.PlaceOrder)  // POST /api/v1/orders
		orders.GET("/:id", h.GetOrder) // GET /api/v1/orders/6f1c...
	}
}
