package allocation

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// ErrInvalidQuantity indicates a non-positive required quantity.
var ErrInvalidQuantity = fmt.Errorf("allocation: required quantity must be positive: %w", shared.ErrValidation)

// SourceAllocation is the quantity one warehouse supplies.
type SourceAllocation struct {
	WarehouseID int64 `json:"warehouse_id"`
	StoreID     int64 `json:"store_id"`
	ProductID   int64 `json:"product_id"`
	Quantity    int64 `json:"quantity"`
}

// Allocate fills requiredQty greedily from the largest available source down,
// which keeps the number of source warehouses (and so shipments) low. The result
// never exceeds requiredQty and is empty when nothing is available.
func Allocate(ctx context.Context, src StockSource, productID, requiredQty, excludeStoreID int64) ([]SourceAllocation, error) {
	if requiredQty <= 0 {
		return nil, ErrInvalidQuantity
	}
	sources, err := Resolve(ctx, src, productID, excludeStoreID)
	if err != nil {
		return nil, err
	}
	return Fill(sources, requiredQty), nil
}

// Fill walks sources in order taking min(available, remaining) from each.
func Fill(sources []WarehouseAvailability, requiredQty int64) []SourceAllocation {
	remaining := requiredQty
	out := []SourceAllocation{}
	for _, s := range sources {
		if remaining <= 0 {
			break
		}
		qty := min(s.Available, remaining)
		if qty <= 0 {
			continue
		}
		out = append(out, SourceAllocation{
			WarehouseID: s.WarehouseID,
			StoreID:     s.StoreID,
			ProductID:   s.ProductID,
			Quantity:    qty,
		})
		remaining -= qty
	}
	return out
}

// Allocated sums allocation quantities.
func Allocated(allocs []SourceAllocation) int64 {
	var total int64
	for _, a := range allocs {
		total += a.Quantity
	}
	return total
}

// Snapshot is a StockSource over rows read under lock. Take debits it so later
// items of the same request see what earlier items consumed.
type Snapshot struct {
	rows map[int64][]inventory.StoreStock
}

// NewSnapshot indexes locked rows by product.
func NewSnapshot(rows []inventory.StoreStock) *Snapshot {
	s := &Snapshot{rows: make(map[int64][]inventory.StoreStock)}
	for _, row := range rows {
		s.rows[row.ProductID] = append(s.rows[row.ProductID], row)
	}
	return s
}

// ListStoreStock implements StockSource.
func (s *Snapshot) ListStoreStock(_ context.Context, productID, excludeStoreID int64) ([]inventory.StoreStock, error) {
	var out []inventory.StoreStock
	for _, row := range s.rows[productID] {
		if row.StoreID == excludeStoreID {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// Take records allocations as reserved in the snapshot.
func (s *Snapshot) Take(allocs []SourceAllocation) {
	for _, a := range allocs {
		rows := s.rows[a.ProductID]
		for i := range rows {
			if rows[i].WarehouseID == a.WarehouseID {
				rows[i].Reserved += a.Quantity
			}
		}
	}
}
