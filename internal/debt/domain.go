package debt

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Status represents the lifecycle of a debt order.
type Status string

const (
	StatusPending     Status = "PENDING"     // Shortage recorded, master stock insufficient
	StatusFulfillable Status = "FULFILLABLE" // Master stock covers every remaining item
	StatusCompleted   Status = "COMPLETED"   // Delivered from master
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusFulfillable, StatusCompleted:
		return true
	default:
		return false
	}
}

// CanMarkFulfillable checks if the sweep may flip the order.
func (s Status) CanMarkFulfillable() bool {
	return s == StatusPending
}

// CanFulfill checks if the order may still be fulfilled from master.
func (s Status) CanFulfill() bool {
	return s == StatusPending || s == StatusFulfillable
}

// Order is an outstanding obligation created from a partially fulfilled
// transfer request.
type Order struct {
	ID                     int64      `json:"id"`
	TransferRequestID      int64      `json:"transfer_request_id"`
	DestinationWarehouseID int64      `json:"destination_warehouse_id"`
	Status                 Status     `json:"status"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	FulfilledAt            *time.Time `json:"fulfilled_at,omitempty"`
	Items                  []Item     `json:"items"`
}

// IsFullyFulfilled reports whether every item is settled.
func (o Order) IsFullyFulfilled() bool {
	for _, item := range o.Items {
		if !item.IsFullyFulfilled() {
			return false
		}
	}
	return true
}

// Item is the owed quantity of one product.
type Item struct {
	ID                int64 `json:"id"`
	DebtOrderID       int64 `json:"debt_order_id"`
	ProductID         int64 `json:"product_id"`
	OwedQuantity      int64 `json:"owed_quantity"`
	FulfilledQuantity int64 `json:"fulfilled_quantity"`
}

// Remaining is the quantity still owed.
func (i Item) Remaining() int64 {
	if i.FulfilledQuantity >= i.OwedQuantity {
		return 0
	}
	return i.OwedQuantity - i.FulfilledQuantity
}

// IsFullyFulfilled reports whether fulfilled covers owed.
func (i Item) IsFullyFulfilled() bool {
	return i.FulfilledQuantity >= i.OwedQuantity
}

// ListFilter narrows List.
type ListFilter struct {
	Status Status
	Limit  int
}

var (
	// ErrNotFound indicates a missing debt order.
	ErrNotFound = fmt.Errorf("debt: order not found: %w", shared.ErrNotFound)
	// ErrAlreadyExists indicates the transfer request already owes a debt order.
	ErrAlreadyExists = fmt.Errorf("debt: order already exists for transfer request: %w", shared.ErrConflict)
	// ErrInvalidState indicates the order is already completed.
	ErrInvalidState = fmt.Errorf("debt: order already completed: %w", shared.ErrInvalidState)
	// ErrNoShortage indicates an empty shortage map.
	ErrNoShortage = fmt.Errorf("debt: shortage map empty: %w", shared.ErrValidation)
)
