package warehouses

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Warehouse represents a warehouse entity. A store owns exactly one warehouse;
// the master warehouse belongs to no store.
type Warehouse struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	StoreID   *int64    `json:"store_id,omitempty"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	IsMaster  bool      `json:"is_master"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStore reports whether the warehouse is tied to a store.
func (w Warehouse) IsStore() bool {
	return w.StoreID != nil
}

var (
	// ErrNotFound indicates a missing warehouse.
	ErrNotFound = fmt.Errorf("warehouses: not found: %w", shared.ErrNotFound)
	// ErrStoreWarehouseNotFound indicates a store without an active warehouse.
	ErrStoreWarehouseNotFound = fmt.Errorf("warehouses: store has no active warehouse: %w", shared.ErrNotFound)
	// ErrCyclicHierarchy indicates a parent assignment that would form a cycle.
	ErrCyclicHierarchy = fmt.Errorf("warehouses: parent assignment creates a cycle: %w", shared.ErrValidation)
	// ErrInvalidID indicates a non-positive id.
	ErrInvalidID = fmt.Errorf("warehouses: invalid id: %w", shared.ErrValidation)
)
