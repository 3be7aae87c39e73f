package transfer

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/allocation"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Status represents the lifecycle of a transfer request.
type Status string

const (
	StatusPending   Status = "PENDING"   // Submitted by the store
	StatusApproved  Status = "APPROVED"  // Approved, awaiting fulfillment
	StatusPartial   Status = "PARTIAL"   // Partly allocated, shortage owed as debt
	StatusCompleted Status = "COMPLETED" // Fully allocated
	StatusRejected  Status = "REJECTED"  // Rejected before fulfillment
	StatusCancelled Status = "CANCELLED" // Withdrawn before fulfillment
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusPartial, StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the request can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// CanApprove checks if the request can be approved.
func (s Status) CanApprove() bool {
	return s == StatusPending
}

// CanReject checks if the request can be rejected.
func (s Status) CanReject() bool {
	return s == StatusPending || s == StatusApproved
}

// CanCancel checks if the request can be cancelled.
func (s Status) CanCancel() bool {
	return s == StatusPending || s == StatusApproved
}

// CanFulfill checks if allocation may run.
func (s Status) CanFulfill() bool {
	return s == StatusPending || s == StatusApproved
}

// Request is a store's replenishment request.
type Request struct {
	ID                     int64      `json:"id"`
	Code                   string     `json:"code"`
	StoreID                int64      `json:"store_id"`
	DestinationWarehouseID int64      `json:"destination_warehouse_id"`
	SourceWarehouseID      *int64     `json:"source_warehouse_id,omitempty"`
	Status                 Status     `json:"status"`
	Note                   string     `json:"note,omitempty"`
	RejectedReason         string     `json:"rejected_reason,omitempty"`
	CreatedBy              int64      `json:"created_by"`
	ApprovedBy             *int64     `json:"approved_by,omitempty"`
	ApprovedAt             *time.Time `json:"approved_at,omitempty"`
	FulfilledAt            *time.Time `json:"fulfilled_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	Items                  []Item     `json:"items"`
}

// Item is one requested product line.
type Item struct {
	ID                int64 `json:"id"`
	TransferRequestID int64 `json:"transfer_request_id"`
	ProductID         int64 `json:"product_id"`
	RequestedQuantity int64 `json:"requested_quantity"`
	FulfilledQuantity int64 `json:"fulfilled_quantity"`
}

// Shortage is the quantity still unallocated.
func (i Item) Shortage() int64 {
	if i.FulfilledQuantity >= i.RequestedQuantity {
		return 0
	}
	return i.RequestedQuantity - i.FulfilledQuantity
}

// CreateInput is the payload of Create.
type CreateInput struct {
	StoreID int64       `json:"store_id" validate:"required,gt=0"`
	Note    string      `json:"note" validate:"max=500"`
	Items   []ItemInput `json:"items" validate:"required,min=1,dive"`
	ActorID int64       `json:"-"`
}

// ItemInput is one requested line.
type ItemInput struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

// ListFilter narrows List.
type ListFilter struct {
	StoreID int64
	Status  Status
	Limit   int
}

// FulfillmentResult reports what one Fulfill call allocated.
type FulfillmentResult struct {
	Request     Request                                 `json:"request"`
	Allocations map[int64][]allocation.SourceAllocation `json:"allocations"`
	Shortages   map[int64]int64                         `json:"shortages"`
	DebtOrderID *int64                                  `json:"debt_order_id,omitempty"`
	ShipmentIDs []int64                                 `json:"shipment_ids"`
}

// ItemPreview is the dry-run allocation of one product.
type ItemPreview struct {
	ProductID   int64                         `json:"product_id"`
	Requested   int64                         `json:"requested"`
	Allocations []allocation.SourceAllocation `json:"allocations"`
	Shortage    int64                         `json:"shortage"`
}

var (
	// ErrNotFound indicates a missing transfer request.
	ErrNotFound = fmt.Errorf("transfer: not found: %w", shared.ErrNotFound)
	// ErrInvalidState indicates a transition the current status does not allow.
	ErrInvalidState = fmt.Errorf("transfer: invalid state: %w", shared.ErrInvalidState)
	// ErrEmptyRequest indicates a request without items.
	ErrEmptyRequest = fmt.Errorf("transfer: at least one item is required: %w", shared.ErrValidation)
	// ErrDuplicateProduct indicates the same product requested twice.
	ErrDuplicateProduct = fmt.Errorf("transfer: duplicate product: %w", shared.ErrValidation)
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = fmt.Errorf("transfer: quantity must be positive: %w", shared.ErrValidation)
)
