package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// MovementType enumerates ledger mutations recorded in inventory_logs.
type MovementType string

const (
	// MovementDeduct removes unreserved stock.
	MovementDeduct MovementType = "DEDUCT"
	// MovementIncrease adds stock.
	MovementIncrease MovementType = "INCREASE"
	// MovementReserve earmarks stock for an outbound shipment.
	MovementReserve MovementType = "RESERVE"
	// MovementRelease returns a reservation to the available pool.
	MovementRelease MovementType = "RELEASE"
	// MovementShip consumes a reservation when goods leave for good.
	MovementShip MovementType = "SHIP"
)

// Key identifies one inventory row.
type Key struct {
	WarehouseID int64
	ProductID   int64
}

// Item is the on-hand record for a product in a warehouse.
type Item struct {
	WarehouseID      int64
	ProductID        int64
	Quantity         int64
	ReservedQuantity int64
	UpdatedAt        time.Time
}

// Key returns the row identity.
func (i Item) Key() Key {
	return Key{WarehouseID: i.WarehouseID, ProductID: i.ProductID}
}

// Available is the quantity not committed to any shipment.
func (i Item) Available() int64 {
	return i.Quantity - i.ReservedQuantity
}

func (i Item) valid() bool {
	return i.Quantity >= 0 && i.ReservedQuantity >= 0 && i.ReservedQuantity <= i.Quantity
}

// Log is an immutable audit entry written for every ledger mutation.
type Log struct {
	ID               int64
	WarehouseID      int64
	ProductID        int64
	Movement         MovementType
	PreviousQuantity int64
	NewQuantity      int64
	PreviousReserved int64
	NewReserved      int64
	Reason           string
	RefModule        string
	RefID            string
	ActorID          int64
	CreatedAt        time.Time
}

// Movement describes a single ledger mutation request.
type Movement struct {
	WarehouseID int64
	ProductID   int64
	Qty         int64
	Reason      string
	RefModule   string
	RefID       string
	ActorID     int64
}

// Key returns the row the movement touches.
func (m Movement) Key() Key {
	return Key{WarehouseID: m.WarehouseID, ProductID: m.ProductID}
}

// StoreStock is a locked or unlocked snapshot of a store warehouse's stock row.
type StoreStock struct {
	WarehouseID int64
	StoreID     int64
	ProductID   int64
	Quantity    int64
	Reserved    int64
}

// Available mirrors Item.Available.
func (s StoreStock) Available() int64 {
	return s.Quantity - s.Reserved
}

// StockChangedEvent is emitted after a standalone stock movement commits.
type StockChangedEvent struct {
	WarehouseID int64
	ProductID   int64
	Movement    MovementType
	Qty         int64
	NewQuantity int64
	At          time.Time
}

var (
	// ErrInsufficientStock triggered when a movement would exceed available stock.
	ErrInsufficientStock = fmt.Errorf("inventory: insufficient stock: %w", shared.ErrConflict)
	// ErrInvalidQuantity indicates a non-positive movement quantity.
	ErrInvalidQuantity = fmt.Errorf("inventory: quantity must be positive: %w", shared.ErrValidation)
	// ErrWarehouseRequired indicates missing warehouse or product ids.
	ErrWarehouseRequired = fmt.Errorf("inventory: warehouse and product required: %w", shared.ErrValidation)
	// ErrItemNotFound indicates a missing inventory row.
	ErrItemNotFound = errors.New("inventory item not found")
	// ErrReservationUnderflow indicates a release/ship larger than the reservation.
	ErrReservationUnderflow = fmt.Errorf("inventory: reservation smaller than requested release: %w", shared.ErrConflict)
)
