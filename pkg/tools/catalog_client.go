package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dudenrb/think41nikhil/internal/config"
)

// ErrLookupNotFound is returned when the catalog has no matching record.
var ErrLookupNotFound = errors.New("not found")

// maxLookupBody caps how much of a catalog response is read.
const maxLookupBody = 1 << 20

// CatalogClient is a client for the read-only product/order lookup service.
type CatalogClient struct {
	cfg    config.CatalogConfig
	client *http.Client
}

// NewCatalogClient creates a new CatalogClient
func NewCatalogClient(cfg config.CatalogConfig) *CatalogClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CatalogClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// TopSoldProducts returns the best selling products, most sold first.
func (c *CatalogClient) TopSoldProducts(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	return c.get(ctx, "/products/top-sold", q)
}

// OrderStatus returns the status and lifecycle timestamps of an order.
func (c *CatalogClient) OrderStatus(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/orders/"+url.PathEscape(orderID), nil)
}

// ProductStock returns how many units of the named product are unsold.
func (c *CatalogClient) ProductStock(ctx context.Context, productName string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("name", productName)
	return c.get(ctx, "/products/stock", q)
}

// ProductDetails returns category, brand, price, department and SKU of the named product.
func (c *CatalogClient) ProductDetails(ctx context.Context, productName string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("name", productName)
	return c.get(ctx, "/products/details", q)
}

func (c *CatalogClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	if c.cfg.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.Token))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrLookupNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLookupBody))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("catalog returned invalid JSON")
	}
	return json.RawMessage(body), nil
}
