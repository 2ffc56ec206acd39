package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Catalog lookups exposed to the LLM. Each tool returns the lookup result as
// JSON text, or a short sentence the model can relay when nothing matched.

const topSoldLimit = 5

// RegisterCatalogTools registers every catalog lookup tool backed by client.
func RegisterCatalogTools(m *ToolManager, client *CatalogClient) {
	m.RegisterTool(&TopSoldProductsTool{client: client})
	m.RegisterTool(&OrderStatusTool{client: client})
	m.RegisterTool(&ProductStockTool{client: client})
	m.RegisterTool(&ProductDetailsTool{client: client})
}

// TopSoldProductsTool lists the most sold products.
type TopSoldProductsTool struct {
	client *CatalogClient
}

func (t *TopSoldProductsTool) Name() string { return "top_sold_products" }

func (t *TopSoldProductsTool) Description() string {
	return "Returns the top 5 most sold products with their category and sold count."
}

func (t *TopSoldProductsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *TopSoldProductsTool) Run(ctx context.Context, _ string) (string, error) {
	res, err := t.client.TopSoldProducts(ctx, topSoldLimit)
	return lookupResult(res, err, "No sales data is available.")
}

// OrderStatusTool reports where an order is in its lifecycle.
type OrderStatusTool struct {
	client *CatalogClient
}

func (t *OrderStatusTool) Name() string { return "order_status" }

func (t *OrderStatusTool) Description() string {
	return "Looks up the status of an order. Ask the customer for the order id if they did not give one."
}

func (t *OrderStatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string","description":"Numeric order id"}},"required":["order_id"]}`)
}

func (t *OrderStatusTool) Run(ctx context.Context, args string) (string, error) {
	var toolArgs struct {
		OrderID string `json:"order_id"`
	}
	if err := decodeArgs(args, &toolArgs); err != nil {
		return "", err
	}
	if strings.TrimSpace(toolArgs.OrderID) == "" {
		return "", errors.New("order_id is required")
	}
	res, err := t.client.OrderStatus(ctx, strings.TrimSpace(toolArgs.OrderID))
	return lookupResult(res, err, fmt.Sprintf("Order %s was not found.", toolArgs.OrderID))
}

// ProductStockTool counts unsold inventory for a product.
type ProductStockTool struct {
	client *CatalogClient
}

func (t *ProductStockTool) Name() string { return "product_stock" }

func (t *ProductStockTool) Description() string {
	return "Returns how many units of a product are left in stock. Matches the product name case-insensitively."
}

func (t *ProductStockTool) Schema() json.RawMessage {
	return productNameSchema
}

func (t *ProductStockTool) Run(ctx context.Context, args string) (string, error) {
	name, err := productName(args)
	if err != nil {
		return "", err
	}
	res, err := t.client.ProductStock(ctx, name)
	return lookupResult(res, err, fmt.Sprintf("No product named %q was found.", name))
}

// ProductDetailsTool describes a product.
type ProductDetailsTool struct {
	client *CatalogClient
}

func (t *ProductDetailsTool) Name() string { return "product_details" }

func (t *ProductDetailsTool) Description() string {
	return "Returns category, brand, retail price, department and SKU of a product."
}

func (t *ProductDetailsTool) Schema() json.RawMessage {
	return productNameSchema
}

func (t *ProductDetailsTool) Run(ctx context.Context, args string) (string, error) {
	name, err := productName(args)
	if err != nil {
		return "", err
	}
	res, err := t.client.ProductDetails(ctx, name)
	return lookupResult(res, err, fmt.Sprintf("No product named %q was found.", name))
}

var productNameSchema = json.RawMessage(`{"type":"object","properties":{"product_name":{"type":"string"}},"required":["product_name"]}`)

func decodeArgs(args string, v any) error {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func productName(args string) (string, error) {
	var toolArgs struct {
		ProductName string `json:"product_name"`
	}
	if err := decodeArgs(args, &toolArgs); err != nil {
		return "", err
	}
	name := strings.TrimSpace(toolArgs.ProductName)
	if name == "" {
		return "", errors.New("product_name is required")
	}
	return name, nil
}

func lookupResult(res json.RawMessage, err error, notFound string) (string, error) {
	if errors.Is(err, ErrLookupNotFound) {
		return notFound, nil
	}
	if err != nil {
		return "", err
	}
	return string(res), nil
}
