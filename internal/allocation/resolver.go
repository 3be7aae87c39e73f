// Package allocation decides which store warehouses supply a requested
// quantity of a product.
package allocation

import (
	"context"
	"sort"

	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
)

// StockSource lists store warehouse stock rows for a product. The inventory
// repository reads live rows; Snapshot serves rows already locked by a
// fulfillment transaction.
type StockSource interface {
	ListStoreStock(ctx context.Context, productID, excludeStoreID int64) ([]inventory.StoreStock, error)
}

// WarehouseAvailability is one eligible source for a product.
type WarehouseAvailability struct {
	WarehouseID int64 `json:"warehouse_id"`
	StoreID     int64 `json:"store_id"`
	ProductID   int64 `json:"product_id"`
	Available   int64 `json:"available"`
}

// Resolve returns every active store warehouse other than the excluded store's
// holding the product with positive availability, largest first. Ties are broken
// by warehouse id.
func Resolve(ctx context.Context, src StockSource, productID, excludeStoreID int64) ([]WarehouseAvailability, error) {
	rows, err := src.ListStoreStock(ctx, productID, excludeStoreID)
	if err != nil {
		return nil, err
	}
	out := make([]WarehouseAvailability, 0, len(rows))
	for _, row := range rows {
		if row.ProductID != productID || row.StoreID == excludeStoreID {
			continue
		}
		if row.Available() <= 0 {
			continue
		}
		out = append(out, WarehouseAvailability{
			WarehouseID: row.WarehouseID,
			StoreID:     row.StoreID,
			ProductID:   row.ProductID,
			Available:   row.Available(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Available != out[j].Available {
			return out[i].Available > out[j].Available
		}
		return out[i].WarehouseID < out[j].WarehouseID
	})
	return out, nil
}

// TotalAvailable sums the availability of resolved sources.
func TotalAvailable(sources []WarehouseAvailability) int64 {
	var total int64
	for _, s := range sources {
		total += s.Available
	}
	return total
}

// Shortage is the part of requested that total cannot cover.
func Shortage(requested, total int64) int64 {
	if requested <= total {
		return 0
	}
	return requested - total
}

// CalculateShortage resolves sources and reports the uncovered quantity.
func CalculateShortage(ctx context.Context, src StockSource, productID, requested, excludeStoreID int64) (int64, error) {
	sources, err := Resolve(ctx, src, productID, excludeStoreID)
	if err != nil {
		return 0, err
	}
	return Shortage(requested, TotalAvailable(sources)), nil
}
