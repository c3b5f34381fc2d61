package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrProductNotFound is returned when the catalog has no such SKU
var ErrProductNotFound = errors.New("product not found")

// Product is the catalog metadata consumed at order-creation time.
type Product struct {
	SKU      string `json:"sku"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
	Active   bool   `json:"active"`
}

// CatalogClient wraps the HTTP connection to the catalog service
type CatalogClient struct {
	http *resty.Client
	log  *zap.Logger
}

// NewCatalogClient creates a new catalog service client
func NewCatalogClient(baseURL string, log *zap.Logger) *CatalogClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond)

	return &CatalogClient{
		http: client,
		log:  log,
	}
}

// GetProduct retrieves price and availability metadata for a SKU.
func (c *CatalogClient) GetProduct(ctx context.Context, sku string) (*Product, error) {
	var product Product

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&product).
		SetPathParam("sku", sku).
		Get("/api/v1/products/{sku}")
	if err != nil {
		c.log.Warn("Catalog lookup failed", zap.String("sku", sku), zap.Error(err))
		return nil, fmt.Errorf("failed to fetch product %s: %w", sku, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return &product, nil
	case http.StatusNotFound:
		return nil, ErrProductNotFound
	default:
		return nil, fmt.Errorf("catalog returned status %d for %s", resp.StatusCode(), sku)
	}
}
