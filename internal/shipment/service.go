package shipment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-transfer/internal/allocation"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/products"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/warehouses"
	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
	"github.com/odyssey-erp/odyssey-transfer/internal/observability"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Shipment, error)
	ListByTransfer(ctx context.Context, transferRequestID int64) ([]Shipment, error)
	ListOpen(ctx context.Context, limit int) ([]int64, error)
}

// WarehouseLookup resolves warehouse names for courier orders.
type WarehouseLookup interface {
	Get(ctx context.Context, id int64) (warehouses.Warehouse, error)
}

// ProductLookup resolves product names for courier orders.
type ProductLookup interface {
	Get(ctx context.Context, id int64) (products.Product, error)
}

// Notifier delivers fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, msg notify.Message)
}

// MetricsPort records shipment transitions.
type MetricsPort interface {
	ShipmentTransition(status string)
}

// Config groups tracker settings.
type Config struct {
	SyncConcurrency int
	SyncBatchSize   int
}

// PlanInput identifies the transfer request shipments are planned for.
type PlanInput struct {
	TransferRequestID      int64
	TransferCode           string
	DestinationWarehouseID int64
}

// Service tracks internal shipments and applies their stock effects.
type Service struct {
	repo       RepositoryPort
	courier    Courier
	ledger     *inventory.Ledger
	warehouses WarehouseLookup
	products   ProductLookup
	notifier   Notifier
	metrics    MetricsPort
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	group      singleflight.Group
	now        func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, courier Courier, ledger *inventory.Ledger, warehouses WarehouseLookup, products ProductLookup,
	notifier Notifier, metrics MetricsPort, cfg Config, logger *slog.Logger) *Service {
	if ledger == nil {
		ledger = inventory.NewLedger()
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = 4
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		courier:    courier,
		ledger:     ledger,
		warehouses: warehouses,
		products:   products,
		notifier:   notifier,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
		tracer:     observability.Tracer("github.com/odyssey-erp/odyssey-transfer/internal/shipment"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a shipment with its tracking history.
func (s *Service) Get(ctx context.Context, id int64) (Shipment, error) {
	return s.repo.Get(ctx, id)
}

// ListByTransfer returns the shipments of a transfer request.
func (s *Service) ListByTransfer(ctx context.Context, transferRequestID int64) ([]Shipment, error) {
	return s.repo.ListByTransfer(ctx, transferRequestID)
}

// PlanShipments creates one CREATED shipment per distinct source warehouse of
// the allocations, inside the caller's transaction. Ids are returned in source
// warehouse order.
func (s *Service) PlanShipments(ctx context.Context, tx TxRepository, input PlanInput, allocations map[int64][]allocation.SourceAllocation) ([]int64, error) {
	bySource := make(map[int64]map[int64]int64)
	for _, allocs := range allocations {
		for _, a := range allocs {
			if a.Quantity <= 0 {
				continue
			}
			if bySource[a.WarehouseID] == nil {
				bySource[a.WarehouseID] = make(map[int64]int64)
			}
			bySource[a.WarehouseID][a.ProductID] += a.Quantity
		}
	}
	sources := make([]int64, 0, len(bySource))
	for id := range bySource {
		sources = append(sources, id)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	ids := make([]int64, 0, len(sources))
	for _, source := range sources {
		now := s.now()
		shipment := Shipment{
			Code:                   newCode(input.TransferRequestID),
			TransferRequestID:      input.TransferRequestID,
			SourceWarehouseID:      source,
			DestinationWarehouseID: input.DestinationWarehouseID,
			Status:                 StatusCreated,
			TotalFee:               decimal.Zero,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		id, err := tx.InsertShipment(ctx, shipment)
		if err != nil {
			return nil, err
		}
		lines := bySource[source]
		productIDs := make([]int64, 0, len(lines))
		for productID := range lines {
			productIDs = append(productIDs, productID)
		}
		sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })
		for _, productID := range productIDs {
			if _, err := tx.InsertItem(ctx, Item{ShipmentID: id, ProductID: productID, Quantity: lines[productID]}); err != nil {
				return nil, err
			}
		}
		if err := tx.InsertTracking(ctx, TrackingEntry{
			ShipmentID:  id,
			Status:      StatusCreated,
			Description: fmt.Sprintf("planned for transfer request %s", input.TransferCode),
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newCode(transferRequestID int64) string {
	return fmt.Sprintf("SHP-%d-%s", transferRequestID, strings.ToUpper(uuid.NewString()[:8]))
}

// Register books the shipment with the courier. Already registered shipments
// are returned unchanged. On courier failure the shipment stays without an
// order code and the error wraps ErrExternalService.
func (s *Service) Register(ctx context.Context, id int64) (_ Shipment, err error) {
	ctx, span := s.tracer.Start(ctx, "shipment.Register", trace.WithAttributes(attribute.Int64("shipment.id", id)))
	defer func() { observability.EndSpan(span, err) }()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Shipment{}, err
	}
	if current.HasCourierOrder() {
		return current, nil
	}
	if current.Status.IsTerminal() {
		return Shipment{}, ErrInvalidState
	}
	spec, err := s.orderSpec(ctx, current)
	if err != nil {
		return Shipment{}, err
	}
	result, err := s.courier.CreateOrder(ctx, spec)
	if err != nil {
		s.logger.Warn("courier order creation failed", slog.Int64("shipment_id", id), slog.Any("error", err))
		return Shipment{}, externalError(err)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.HasCourierOrder() {
			return nil
		}
		if err := tx.SetCourierOrder(ctx, id, result); err != nil {
			return err
		}
		return tx.InsertTracking(ctx, TrackingEntry{
			ShipmentID:  id,
			Status:      locked.Status,
			Description: fmt.Sprintf("courier order %s created, fee %s", result.OrderCode, result.Fee.StringFixed(2)),
			CreatedAt:   s.now(),
		})
	})
	if err != nil {
		return Shipment{}, err
	}
	s.logger.Info("shipment registered with courier", slog.Int64("shipment_id", id), slog.String("order_code", result.OrderCode))
	return s.repo.Get(ctx, id)
}

// RegisterShipments registers each shipment, logging failures. Shipments left
// codeless are picked up again by the open-shipment sync.
func (s *Service) RegisterShipments(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if _, err := s.Register(ctx, id); err != nil {
			s.logger.Error("shipment registration failed", slog.Int64("shipment_id", id), slog.Any("error", err))
		}
	}
}

func (s *Service) orderSpec(ctx context.Context, shipment Shipment) (OrderSpec, error) {
	from, err := s.warehouses.Get(ctx, shipment.SourceWarehouseID)
	if err != nil {
		return OrderSpec{}, err
	}
	to, err := s.warehouses.Get(ctx, shipment.DestinationWarehouseID)
	if err != nil {
		return OrderSpec{}, err
	}
	spec := OrderSpec{
		ClientOrderCode: shipment.Code,
		FromName:        from.Name,
		FromCode:        from.Code,
		ToName:          to.Name,
		ToCode:          to.Code,
		Note:            fmt.Sprintf("transfer request %d", shipment.TransferRequestID),
		Items:           make([]OrderItem, 0, len(shipment.Items)),
	}
	for _, item := range shipment.Items {
		product, err := s.products.Get(ctx, item.ProductID)
		if err != nil {
			return OrderSpec{}, err
		}
		spec.Items = append(spec.Items, OrderItem{Name: product.Name, Code: product.SKU, Quantity: item.Quantity})
	}
	return spec, nil
}

// SyncStatus polls the courier and applies the mapped status. Concurrent calls
// for the same shipment share one execution.
func (s *Service) SyncStatus(ctx context.Context, id int64) (Shipment, error) {
	v, err, _ := s.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return s.syncStatus(ctx, id)
	})
	if err != nil {
		return Shipment{}, err
	}
	return v.(Shipment), nil
}

func (s *Service) syncStatus(ctx context.Context, id int64) (_ Shipment, err error) {
	ctx, span := s.tracer.Start(ctx, "shipment.SyncStatus", trace.WithAttributes(attribute.Int64("shipment.id", id)))
	defer func() { observability.EndSpan(span, err) }()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Shipment{}, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}
	if !current.HasCourierOrder() {
		return s.Register(ctx, id)
	}
	code, err := s.courier.GetOrderStatus(ctx, current.CourierOrderCode)
	if err != nil {
		return Shipment{}, externalError(err)
	}
	next, ok := MapCourierStatus(code)
	if !ok {
		s.logger.Warn("unknown courier status", slog.Int64("shipment_id", id), slog.String("courier_status", code))
		return current, nil
	}
	span.SetAttributes(attribute.String("shipment.courier_status", code))
	if !current.Status.CanTransitionTo(next) {
		return current, nil
	}
	if _, err := s.apply(ctx, id, next, fmt.Sprintf("courier status %s", code), 0); err != nil {
		return Shipment{}, err
	}
	return s.repo.Get(ctx, id)
}

// SyncOpen syncs every non-terminal shipment with bounded concurrency. It
// returns the number synced and the joined failures.
func (s *Service) SyncOpen(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOpen(ctx, s.cfg.SyncBatchSize)
	if err != nil {
		return 0, err
	}
	var (
		mu     sync.Mutex
		synced int
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SyncConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.SyncStatus(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("shipment sync failed", slog.Int64("shipment_id", id), slog.Any("error", err))
				errs = append(errs, fmt.Errorf("shipment %d: %w", id, err))
				return nil
			}
			synced++
			return nil
		})
	}
	_ = g.Wait()
	return synced, errors.Join(errs...)
}

// Cancel cancels the courier order, if any, and releases the source
// reservations.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (Shipment, error) {
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Shipment{}, err
	}
	if current.Status.IsTerminal() {
		return Shipment{}, ErrInvalidState
	}
	if current.HasCourierOrder() {
		ok, err := s.courier.CancelOrder(ctx, current.CourierOrderCode)
		if err != nil {
			return Shipment{}, externalError(err)
		}
		if !ok {
			return Shipment{}, fmt.Errorf("shipment: courier refused to cancel %s: %w", current.CourierOrderCode, ErrInvalidState)
		}
	}
	applied, err := s.apply(ctx, id, StatusCancelled, "cancelled", actorID)
	if err != nil {
		return Shipment{}, err
	}
	if !applied {
		if current.HasCourierOrder() {
			latest, _ := s.repo.Get(ctx, id)
			s.logger.Error("courier order cancelled but shipment already moved on",
				slog.Int64("shipment_id", id),
				slog.String("order_code", current.CourierOrderCode),
				slog.String("status", string(latest.Status)))
		}
		return Shipment{}, ErrInvalidState
	}
	return s.repo.Get(ctx, id)
}

// apply moves the shipment to next under its row lock together with the stock
// effect of the transition. It reports false when the locked row can no longer
// make the move.
func (s *Service) apply(ctx context.Context, id int64, next Status, description string, actorID int64) (bool, error) {
	var (
		applied  bool
		shipment Shipment
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !locked.Status.CanTransitionTo(next) {
			return nil
		}
		now := s.now()
		var deliveredAt *time.Time
		if next == StatusDelivered {
			deliveredAt = &now
		}
		if err := tx.UpdateStatus(ctx, id, next, deliveredAt); err != nil {
			return err
		}
		if err := tx.InsertTracking(ctx, TrackingEntry{ShipmentID: id, Status: next, Description: description, CreatedAt: now}); err != nil {
			return err
		}
		switch next {
		case StatusDelivered:
			err = s.processDelivered(ctx, tx.Inventory(), locked, actorID)
		case StatusCancelled, StatusReturn:
			err = s.releaseReservations(ctx, tx.Inventory(), locked, actorID)
		}
		if err != nil {
			return err
		}
		shipment = locked
		shipment.Status = next
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}
	if s.metrics != nil {
		s.metrics.ShipmentTransition(string(next))
	}
	s.logger.Info("shipment status changed", slog.Int64("shipment_id", id), slog.String("status", string(next)))
	s.notifyTerminal(ctx, shipment)
	return true, nil
}

// processDelivered confirms the reservation at the source and credits the
// destination, once per item. Source and destination rows are locked up front
// in (warehouse, product) order.
func (s *Service) processDelivered(ctx context.Context, inv inventory.TxRepository, shipment Shipment, actorID int64) error {
	keys := make([]inventory.Key, 0, 2*len(shipment.Items))
	for _, item := range shipment.Items {
		keys = append(keys,
			inventory.Key{WarehouseID: shipment.SourceWarehouseID, ProductID: item.ProductID},
			inventory.Key{WarehouseID: shipment.DestinationWarehouseID, ProductID: item.ProductID})
	}
	if _, err := inv.LockItems(ctx, keys); err != nil {
		return err
	}
	for _, item := range shipment.Items {
		movement := inventory.Movement{
			WarehouseID: shipment.SourceWarehouseID,
			ProductID:   item.ProductID,
			Qty:         item.Quantity,
			Reason:      "shipment:" + shipment.Code,
			RefModule:   "shipment",
			ActorID:     actorID,
		}
		if _, err := s.ledger.Ship(ctx, inv, movement); err != nil {
			return err
		}
		movement.WarehouseID = shipment.DestinationWarehouseID
		if _, err := s.ledger.Increase(ctx, inv, movement); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) releaseReservations(ctx context.Context, inv inventory.TxRepository, shipment Shipment, actorID int64) error {
	keys := make([]inventory.Key, 0, len(shipment.Items))
	for _, item := range shipment.Items {
		keys = append(keys, inventory.Key{WarehouseID: shipment.SourceWarehouseID, ProductID: item.ProductID})
	}
	if _, err := inv.LockItems(ctx, keys); err != nil {
		return err
	}
	for _, item := range shipment.Items {
		if _, err := s.ledger.Release(ctx, inv, inventory.Movement{
			WarehouseID: shipment.SourceWarehouseID,
			ProductID:   item.ProductID,
			Qty:         item.Quantity,
			Reason:      "shipment:" + shipment.Code,
			RefModule:   "shipment",
			ActorID:     actorID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) notifyTerminal(ctx context.Context, shipment Shipment) {
	if s.notifier == nil || !shipment.Status.IsTerminal() {
		return
	}
	recipients := []string{notify.WarehouseRecipient(shipment.DestinationWarehouseID)}
	if shipment.Status != StatusDelivered {
		recipients = append(recipients, notify.WarehouseRecipient(shipment.SourceWarehouseID))
	}
	s.notifier.Notify(ctx, recipients, notify.Message{
		Event:   "shipment." + strings.ToLower(string(shipment.Status)),
		Subject: fmt.Sprintf("Shipment %s %s", shipment.Code, strings.ToLower(string(shipment.Status))),
		Body:    fmt.Sprintf("Shipment %s for transfer request %d is %s", shipment.Code, shipment.TransferRequestID, shipment.Status),
		Refs: map[string]any{
			"shipment_id":         shipment.ID,
			"transfer_request_id": shipment.TransferRequestID,
		},
	})
}

func externalError(err error) error {
	if errors.Is(err, ErrExternalService) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrExternalService, err)
}
