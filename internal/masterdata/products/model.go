package products

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Product represents a product entity
type Product struct {
	ID   int64  `json:"id"`
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

// ErrNotFound indicates a missing product.
var ErrNotFound = fmt.Errorf("products: not found: %w", shared.ErrNotFound)
