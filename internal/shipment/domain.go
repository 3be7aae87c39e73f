package shipment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Status represents the lifecycle of an internal shipment.
type Status string

const (
	StatusCreated    Status = "CREATED"    // Persisted, possibly not yet registered with the courier
	StatusPicking    Status = "PICKING"    // Courier is on the way to the source warehouse
	StatusPicked     Status = "PICKED"     // Goods handed to courier
	StatusInTransit  Status = "IN_TRANSIT" // Between hubs
	StatusDelivering Status = "DELIVERING" // Out for delivery to destination
	StatusDelivered  Status = "DELIVERED"  // Destination received goods
	StatusCancelled  Status = "CANCELLED"  // Cancelled before delivery
	StatusReturn     Status = "RETURN"     // Returned to source
)

var mainLine = map[Status]int{
	StatusCreated:    0,
	StatusPicking:    1,
	StatusPicked:     2,
	StatusInTransit:  3,
	StatusDelivering: 4,
	StatusDelivered:  5,
}

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	if _, ok := mainLine[s]; ok {
		return true
	}
	return s == StatusCancelled || s == StatusReturn
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusReturn
}

// CanTransitionTo allows forward moves along the main line and the
// CANCELLED/RETURN side branches from any non-terminal state. Stale or repeated
// courier statuses are rejected.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	if next == StatusCancelled || next == StatusReturn {
		return true
	}
	return mainLine[next] > mainLine[s]
}

// courierStatuses maps the courier vocabulary onto internal states.
var courierStatuses = map[string]Status{
	"ready_to_pick":            StatusCreated,
	"picking":                  StatusPicking,
	"money_collect_picking":    StatusPicking,
	"picked":                   StatusPicked,
	"storing":                  StatusInTransit,
	"transporting":             StatusInTransit,
	"sorting":                  StatusInTransit,
	"delivering":               StatusDelivering,
	"money_collect_delivering": StatusDelivering,
	"delivery_fail":            StatusDelivering,
	"delivered":                StatusDelivered,
	"cancel":                   StatusCancelled,
	"waiting_to_return":        StatusReturn,
	"return":                   StatusReturn,
	"return_transporting":      StatusReturn,
	"return_sorting":           StatusReturn,
	"returning":                StatusReturn,
	"return_fail":              StatusReturn,
	"returned":                 StatusReturn,
}

// MapCourierStatus translates a courier status code. Unknown codes report false.
func MapCourierStatus(code string) (Status, bool) {
	s, ok := courierStatuses[code]
	return s, ok
}

// Shipment moves allocated goods from one source warehouse to a destination.
type Shipment struct {
	ID                     int64           `json:"id"`
	Code                   string          `json:"code"`
	TransferRequestID      int64           `json:"transfer_request_id"`
	SourceWarehouseID      int64           `json:"source_warehouse_id"`
	DestinationWarehouseID int64           `json:"destination_warehouse_id"`
	CourierOrderCode       string          `json:"courier_order_code,omitempty"`
	Status                 Status          `json:"status"`
	TotalFee               decimal.Decimal `json:"total_fee"`
	ExpectedDeliveryTime   *time.Time      `json:"expected_delivery_time,omitempty"`
	DeliveredAt            *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	Items                  []Item          `json:"items"`
	Tracking               []TrackingEntry `json:"tracking,omitempty"`
}

// HasCourierOrder reports whether the courier accepted the shipment.
func (s Shipment) HasCourierOrder() bool {
	return s.CourierOrderCode != ""
}

// Item is the quantity of one product carried by a shipment.
type Item struct {
	ID         int64 `json:"id"`
	ShipmentID int64 `json:"shipment_id"`
	ProductID  int64 `json:"product_id"`
	Quantity   int64 `json:"quantity"`
}

// TrackingEntry is an append-only status log line.
type TrackingEntry struct {
	ID          int64     `json:"id"`
	ShipmentID  int64     `json:"shipment_id"`
	Status      Status    `json:"status"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderItem is one line of a courier order.
type OrderItem struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Quantity int64  `json:"quantity"`
}

// OrderSpec is the courier order for one shipment. ClientOrderCode makes
// creation idempotent at the courier.
type OrderSpec struct {
	ClientOrderCode string      `json:"client_order_code"`
	FromName        string      `json:"from_name"`
	FromCode        string      `json:"from_code"`
	ToName          string      `json:"to_name"`
	ToCode          string      `json:"to_code"`
	Note            string      `json:"note,omitempty"`
	Items           []OrderItem `json:"items"`
}

// OrderResult is the courier's acceptance of an order.
type OrderResult struct {
	OrderCode        string
	Fee              decimal.Decimal
	ExpectedDelivery time.Time
}

// Courier is the external shipping provider.
type Courier interface {
	CreateOrder(ctx context.Context, spec OrderSpec) (OrderResult, error)
	GetOrderStatus(ctx context.Context, orderCode string) (string, error)
	CancelOrder(ctx context.Context, orderCode string) (bool, error)
}

var (
	// ErrNotFound indicates a missing shipment.
	ErrNotFound = fmt.Errorf("shipment: not found: %w", shared.ErrNotFound)
	// ErrInvalidState indicates an operation on a terminal shipment.
	ErrInvalidState = fmt.Errorf("shipment: invalid state: %w", shared.ErrInvalidState)
	// ErrExternalService indicates the courier call failed or timed out.
	ErrExternalService = fmt.Errorf("shipment: courier unavailable: %w", shared.ErrExternal)
)
