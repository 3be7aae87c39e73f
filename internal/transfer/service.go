package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odyssey-erp/odyssey-transfer/internal/allocation"
	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/warehouses"
	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
	"github.com/odyssey-erp/odyssey-transfer/internal/observability"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Request, error)
	List(ctx context.Context, filter ListFilter) ([]Request, error)
}

// StoreDirectory resolves a store to its warehouse.
type StoreDirectory interface {
	ByStore(ctx context.Context, storeID int64) (warehouses.Warehouse, error)
}

// DebtPort records shortages inside the fulfillment transaction.
type DebtPort interface {
	Create(ctx context.Context, tx debt.TxRepository, transferRequestID, destinationWarehouseID int64, shortages map[int64]int64) (debt.Order, error)
}

// ShipmentPlanner creates shipments inside the fulfillment transaction.
type ShipmentPlanner interface {
	PlanShipments(ctx context.Context, tx shipment.TxRepository, input shipment.PlanInput, allocations map[int64][]allocation.SourceAllocation) ([]int64, error)
}

// ShipmentRegistrar books planned shipments with the courier after commit.
type ShipmentRegistrar interface {
	RegisterShipments(ctx context.Context, ids []int64)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier delivers fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, msg notify.Message)
}

// MetricsPort records fulfillment outcomes.
type MetricsPort interface {
	TransferFulfilled(status string)
}

// Service orchestrates transfer requests and their fulfillment.
type Service struct {
	repo      RepositoryPort
	stores    StoreDirectory
	stock     allocation.StockSource
	ledger    *inventory.Ledger
	debts     DebtPort
	planner   ShipmentPlanner
	registrar ShipmentRegistrar
	audit     AuditPort
	notifier  Notifier
	metrics   MetricsPort
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService constructs transfer service. stock backs Preview with unlocked reads.
func NewService(repo RepositoryPort, stores StoreDirectory, stock allocation.StockSource, ledger *inventory.Ledger, debts DebtPort,
	planner ShipmentPlanner, registrar ShipmentRegistrar, audit AuditPort, notifier Notifier, metrics MetricsPort, logger *slog.Logger) *Service {
	if ledger == nil {
		ledger = inventory.NewLedger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		stores:    stores,
		stock:     stock,
		ledger:    ledger,
		debts:     debts,
		planner:   planner,
		registrar: registrar,
		audit:     audit,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		tracer:    observability.Tracer("github.com/odyssey-erp/odyssey-transfer/internal/transfer"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a PENDING request addressed to the store's warehouse.
func (s *Service) Create(ctx context.Context, input CreateInput) (Request, error) {
	if len(input.Items) == 0 {
		return Request{}, ErrEmptyRequest
	}
	seen := make(map[int64]struct{}, len(input.Items))
	for _, item := range input.Items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return Request{}, ErrInvalidQuantity
		}
		if _, ok := seen[item.ProductID]; ok {
			return Request{}, fmt.Errorf("%w: product %d", ErrDuplicateProduct, item.ProductID)
		}
		seen[item.ProductID] = struct{}{}
	}
	if input.ActorID == 0 {
		input.ActorID = shared.ActorFromContext(ctx)
	}
	warehouse, err := s.stores.ByStore(ctx, input.StoreID)
	if err != nil {
		return Request{}, err
	}

	now := s.now()
	req := Request{
		Code:                   generateCode(now),
		StoreID:                input.StoreID,
		DestinationWarehouseID: warehouse.ID,
		Status:                 StatusPending,
		Note:                   input.Note,
		CreatedBy:              input.ActorID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertRequest(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		req.Items = nil
		for _, line := range input.Items {
			item := Item{TransferRequestID: id, ProductID: line.ProductID, RequestedQuantity: line.Quantity}
			if item.ID, err = tx.InsertItem(ctx, item); err != nil {
				return err
			}
			req.Items = append(req.Items, item)
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	sort.Slice(req.Items, func(i, j int) bool { return req.Items[i].ProductID < req.Items[j].ProductID })
	s.recordAudit(ctx, input.ActorID, "transfer:create", req.ID, map[string]any{"code": req.Code, "items": len(req.Items)})
	s.logger.Info("transfer request created", slog.Int64("transfer_request_id", req.ID), slog.Int64("store_id", req.StoreID))
	return req, nil
}

func generateCode(now time.Time) string {
	return fmt.Sprintf("TR-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

// Get returns a request.
func (s *Service) Get(ctx context.Context, id int64) (Request, error) {
	return s.repo.Get(ctx, id)
}

// List returns requests.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("transfer: unknown status %q: %w", filter.Status, shared.ErrValidation)
	}
	return s.repo.List(ctx, filter)
}

// Approve moves a PENDING request to APPROVED.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Request, error) {
	return s.transition(ctx, id, actorID, "transfer:approve", func(req *Request, now time.Time) error {
		if !req.Status.CanApprove() {
			return ErrInvalidState
		}
		req.Status = StatusApproved
		req.ApprovedBy = &actorID
		req.ApprovedAt = &now
		return nil
	})
}

// Reject closes an unfulfilled request with a reason.
func (s *Service) Reject(ctx context.Context, id, actorID int64, reason string) (Request, error) {
	return s.transition(ctx, id, actorID, "transfer:reject", func(req *Request, _ time.Time) error {
		if !req.Status.CanReject() {
			return ErrInvalidState
		}
		req.Status = StatusRejected
		req.RejectedReason = reason
		return nil
	})
}

// Cancel withdraws an unfulfilled request.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (Request, error) {
	return s.transition(ctx, id, actorID, "transfer:cancel", func(req *Request, _ time.Time) error {
		if !req.Status.CanCancel() {
			return ErrInvalidState
		}
		req.Status = StatusCancelled
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id, actorID int64, action string, mutate func(*Request, time.Time) error) (Request, error) {
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(&req, s.now()); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return Request{}, err
	}
	s.recordAudit(ctx, actorID, action, id, map[string]any{"status": string(req.Status)})
	s.logger.Info("transfer request transitioned", slog.Int64("transfer_request_id", id), slog.String("status", string(req.Status)))
	return req, nil
}

// Preview computes the allocation Fulfill would make right now, without
// locking or mutating anything.
func (s *Service) Preview(ctx context.Context, id int64) ([]ItemPreview, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]ItemPreview, 0, len(req.Items))
	for _, item := range req.Items {
		preview := ItemPreview{ProductID: item.ProductID, Requested: item.Shortage(), Allocations: []allocation.SourceAllocation{}}
		if preview.Requested > 0 {
			allocs, err := allocation.Allocate(ctx, s.stock, item.ProductID, preview.Requested, req.StoreID)
			if err != nil {
				return nil, err
			}
			preview.Allocations = allocs
			preview.Shortage = preview.Requested - allocation.Allocated(allocs)
		}
		out = append(out, preview)
	}
	return out, nil
}

// Fulfill allocates every open item of a PENDING or APPROVED request from peer
// store warehouses and reserves the stock at each source. Destinations are
// credited only when the shipment is delivered. Shortage of a partly allocated
// request becomes a debt order; a request nothing could be allocated to keeps
// its status.
func (s *Service) Fulfill(ctx context.Context, id, actorID int64) (_ FulfillmentResult, err error) {
	ctx, span := s.tracer.Start(ctx, "transfer.Fulfill", trace.WithAttributes(attribute.Int64("transfer.id", id)))
	defer func() { observability.EndSpan(span, err) }()

	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	var result FulfillmentResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.fulfill(ctx, tx, id, actorID)
		return err
	})
	if err != nil {
		return FulfillmentResult{}, err
	}
	req := result.Request
	span.SetAttributes(attribute.String("transfer.status", string(req.Status)), attribute.Int("transfer.shipments", len(result.ShipmentIDs)))
	if s.metrics != nil {
		s.metrics.TransferFulfilled(string(req.Status))
	}
	s.logger.Info("transfer request fulfilled",
		slog.Int64("transfer_request_id", req.ID),
		slog.String("status", string(req.Status)),
		slog.Int("shipments", len(result.ShipmentIDs)),
		slog.Int("short_products", len(result.Shortages)))
	if len(result.ShipmentIDs) > 0 {
		s.recordAudit(ctx, actorID, "transfer:fulfill", req.ID, map[string]any{
			"status":    string(req.Status),
			"shipments": result.ShipmentIDs,
			"shortages": len(result.Shortages),
		})
		if s.registrar != nil {
			s.registrar.RegisterShipments(ctx, result.ShipmentIDs)
		}
	}
	if len(result.Allocations) > 0 {
		s.notifyFulfilled(ctx, result)
	}
	return result, nil
}

func (s *Service) fulfill(ctx context.Context, tx TxRepository, id, actorID int64) (FulfillmentResult, error) {
	req, err := tx.GetForUpdate(ctx, id)
	if err != nil {
		return FulfillmentResult{}, err
	}
	if !req.Status.CanFulfill() {
		return FulfillmentResult{}, fmt.Errorf("%w: request is %s", ErrInvalidState, req.Status)
	}

	productIDs := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Shortage() > 0 {
			productIDs = append(productIDs, item.ProductID)
		}
	}
	inv := tx.Inventory()
	rows, err := inv.LockStoreStock(ctx, productIDs, req.StoreID)
	if err != nil {
		return FulfillmentResult{}, err
	}
	snapshot := allocation.NewSnapshot(rows)

	result := FulfillmentResult{
		Allocations: make(map[int64][]allocation.SourceAllocation),
		Shortages:   make(map[int64]int64),
		ShipmentIDs: []int64{},
	}
	var allocated int64
	for i, item := range req.Items {
		required := item.Shortage()
		if required <= 0 {
			continue
		}
		allocs, err := allocation.Allocate(ctx, snapshot, item.ProductID, required, req.StoreID)
		if err != nil {
			return FulfillmentResult{}, err
		}
		allocs, err = s.reserve(ctx, inv, req, allocs, actorID)
		if err != nil {
			return FulfillmentResult{}, err
		}
		snapshot.Take(allocs)
		qty := allocation.Allocated(allocs)
		if qty > 0 {
			req.Items[i].FulfilledQuantity += qty
			if err := tx.UpdateItemFulfilled(ctx, item.ID, req.Items[i].FulfilledQuantity); err != nil {
				return FulfillmentResult{}, err
			}
			result.Allocations[item.ProductID] = allocs
			allocated += qty
		}
		if short := req.Items[i].Shortage(); short > 0 {
			result.Shortages[item.ProductID] = short
		}
	}

	now := s.now()
	switch {
	case len(result.Shortages) == 0:
		req.Status = StatusCompleted
		req.FulfilledAt = &now
	case allocated > 0:
		req.Status = StatusPartial
		req.FulfilledAt = &now
		order, err := s.debts.Create(ctx, tx.Debts(), req.ID, req.DestinationWarehouseID, result.Shortages)
		if err != nil {
			return FulfillmentResult{}, err
		}
		result.DebtOrderID = &order.ID
	default:
		result.Request = req
		return result, nil
	}
	req.SourceWarehouseID = singleSource(result.Allocations)
	if err := tx.UpdateRequest(ctx, req); err != nil {
		return FulfillmentResult{}, err
	}
	ids, err := s.planner.PlanShipments(ctx, tx.Shipments(), shipment.PlanInput{
		TransferRequestID:      req.ID,
		TransferCode:           req.Code,
		DestinationWarehouseID: req.DestinationWarehouseID,
	}, result.Allocations)
	if err != nil {
		return FulfillmentResult{}, err
	}
	result.ShipmentIDs = ids
	result.Request = req
	return result, nil
}

// reserve applies an item's allocations as one unit. When a source turns out
// short, reservations already made for the item are released and the item
// allocates nothing.
func (s *Service) reserve(ctx context.Context, inv inventory.TxRepository, req Request, allocs []allocation.SourceAllocation, actorID int64) ([]allocation.SourceAllocation, error) {
	ref := "transfer:" + req.Code
	for k, a := range allocs {
		_, err := s.ledger.Reserve(ctx, inv, inventory.Movement{
			WarehouseID: a.WarehouseID,
			ProductID:   a.ProductID,
			Qty:         a.Quantity,
			Reason:      ref,
			RefModule:   "transfer",
			ActorID:     actorID,
		})
		if err == nil {
			continue
		}
		if !errors.Is(err, inventory.ErrInsufficientStock) {
			return nil, err
		}
		s.logger.Warn("source short under lock, abandoning item",
			slog.Int64("transfer_request_id", req.ID),
			slog.Int64("product_id", a.ProductID),
			slog.Int64("warehouse_id", a.WarehouseID))
		for _, done := range allocs[:k] {
			if _, err := s.ledger.Release(ctx, inv, inventory.Movement{
				WarehouseID: done.WarehouseID,
				ProductID:   done.ProductID,
				Qty:         done.Quantity,
				Reason:      ref,
				RefModule:   "transfer",
				ActorID:     actorID,
			}); err != nil {
				return nil, err
			}
		}
		return []allocation.SourceAllocation{}, nil
	}
	return allocs, nil
}

func singleSource(allocations map[int64][]allocation.SourceAllocation) *int64 {
	var source int64
	for _, allocs := range allocations {
		for _, a := range allocs {
			if source != 0 && a.WarehouseID != source {
				return nil
			}
			source = a.WarehouseID
		}
	}
	if source == 0 {
		return nil
	}
	return &source
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "transfer_request", EntityID: fmt.Sprintf("%d", entityID), Meta: meta}); err != nil {
		s.logger.Warn("transfer audit failed", slog.Any("error", err))
	}
}

func (s *Service) notifyFulfilled(ctx context.Context, result FulfillmentResult) {
	if s.notifier == nil {
		return
	}
	req := result.Request
	recipients := []string{notify.StoreRecipient(req.StoreID)}
	if req.CreatedBy != 0 {
		recipients = append(recipients, notify.ActorRecipient(req.CreatedBy))
	}
	refs := map[string]any{
		"transfer_request_id": req.ID,
		"shipment_ids":        result.ShipmentIDs,
	}
	if result.DebtOrderID != nil {
		refs["debt_order_id"] = *result.DebtOrderID
	}
	s.notifier.Notify(ctx, recipients, notify.Message{
		Event:   "transfer.fulfilled",
		Subject: fmt.Sprintf("Transfer request %s is %s", req.Code, req.Status),
		Body:    fmt.Sprintf("%d shipment(s) planned, %d product(s) short", len(result.ShipmentIDs), len(result.Shortages)),
		Refs:    refs,
	})
}
