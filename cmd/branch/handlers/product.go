package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
)

// ProductService is the local catalogue as seen by HTTP handlers
type ProductService interface {
	Create(ctx context.Context, productID, initialBalance int64) (*branchmodels.CreateProductResponse, error)
	Get(ctx context.Context, productID int64) (*branchmodels.Product, error)
	List(ctx context.Context) ([]branchmodels.Product, error)
}

// ProductHandler handles product requests
type ProductHandler struct {
	products ProductService
}

// NewProductHandler creates a new product handler
func NewProductHandler(products ProductService) *ProductHandler {
	return &ProductHandler{products: products}
}

// CreateProduct creates a product and replicates it to the other branches
// POST /api/v1/products
func (h *ProductHandler) CreateProduct(c echo.Context) error {
	var req branchmodels.CreateProductRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	resp, err := h.products.Create(c.Request().Context(), req.ProductID, req.InitialBalance)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetProduct returns one product
// GET /api/v1/products/:id
func (h *ProductHandler) GetProduct(c echo.Context) error {
	id, err := int64Param("product.get", "id", c.Param("id"))
	if err != nil {
		return err
	}

	product, err := h.products.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, product)
}

// ListProducts lists every local product
// GET /api/v1/products
func (h *ProductHandler) ListProducts(c echo.Context) error {
	products, err := h.products.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"products": products,
		"count":    len(products),
	})
}
