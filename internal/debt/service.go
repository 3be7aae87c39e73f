package debt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
}

// LockPort serialises the sweep across processes.
type LockPort interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Notifier delivers fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, msg notify.Message)
}

// MetricsPort records debt transitions.
type MetricsPort interface {
	DebtTransition(status string, count int)
}

// Config groups service settings.
type Config struct {
	MasterWarehouseID int64
	SweepLockTTL      time.Duration
}

// Service manages debt orders and their fulfillment from the master warehouse.
type Service struct {
	repo     RepositoryPort
	ledger   *inventory.Ledger
	locker   LockPort
	notifier Notifier
	metrics  MetricsPort
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger *inventory.Ledger, locker LockPort, notifier Notifier, metrics MetricsPort, cfg Config, logger *slog.Logger) *Service {
	if ledger == nil {
		ledger = inventory.NewLedger()
	}
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		ledger:   ledger,
		locker:   locker,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MasterWarehouseID returns the warehouse backstopping debt orders.
func (s *Service) MasterWarehouseID() int64 {
	return s.cfg.MasterWarehouseID
}

// Create records the shortage of a transfer request inside the caller's
// transaction. A request owes at most once.
func (s *Service) Create(ctx context.Context, tx TxRepository, transferRequestID, destinationWarehouseID int64, shortages map[int64]int64) (Order, error) {
	productIDs := make([]int64, 0, len(shortages))
	for productID, qty := range shortages {
		if qty > 0 {
			productIDs = append(productIDs, productID)
		}
	}
	if len(productIDs) == 0 {
		return Order{}, ErrNoShortage
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	now := s.now()
	order := Order{
		TransferRequestID:      transferRequestID,
		DestinationWarehouseID: destinationWarehouseID,
		Status:                 StatusPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	id, err := tx.InsertOrder(ctx, order)
	if err != nil {
		return Order{}, err
	}
	order.ID = id
	for _, productID := range productIDs {
		item := Item{DebtOrderID: id, ProductID: productID, OwedQuantity: shortages[productID]}
		itemID, err := tx.InsertItem(ctx, item)
		if err != nil {
			return Order{}, err
		}
		item.ID = itemID
		order.Items = append(order.Items, item)
	}
	return order, nil
}

// Get returns a debt order.
func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	return s.repo.Get(ctx, id)
}

// List returns debt orders.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("debt: unknown status %q: %w", filter.Status, shared.ErrValidation)
	}
	return s.repo.List(ctx, filter)
}

// CheckFulfillable flips every PENDING order whose remaining items the master
// warehouse can cover to FULFILLABLE. Running it again without stock changes is
// a no-op.
func (s *Service) CheckFulfillable(ctx context.Context) (int, error) {
	var flipped []Order
	sweep := func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			flipped = nil
			orders, err := tx.ListPendingForUpdate(ctx)
			if err != nil {
				return err
			}
			if len(orders) == 0 {
				return nil
			}
			available, err := s.lockMaster(ctx, tx, orders)
			if err != nil {
				return err
			}
			for _, order := range orders {
				if !order.Status.CanMarkFulfillable() || !covers(order, available) {
					continue
				}
				if err := tx.UpdateStatus(ctx, order.ID, StatusFulfillable, nil); err != nil {
					return err
				}
				order.Status = StatusFulfillable
				flipped = append(flipped, order)
			}
			return nil
		})
	}
	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, shared.DebtSweepLockKey(s.cfg.MasterWarehouseID), s.cfg.SweepLockTTL, sweep)
	} else {
		err = sweep(ctx)
	}
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.DebtTransition(string(StatusFulfillable), len(flipped))
	}
	for _, order := range flipped {
		s.logger.Info("debt order fulfillable", slog.Int64("debt_order_id", order.ID), slog.Int64("transfer_request_id", order.TransferRequestID))
		s.notify(ctx, order, "debt.fulfillable", "Debt order can be fulfilled from master stock")
	}
	return len(flipped), nil
}

// CanFulfill reports whether the order is open and master stock covers it.
func (s *Service) CanFulfill(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !order.Status.CanFulfill() {
			return nil
		}
		available, err := s.lockMaster(ctx, tx, []Order{order})
		if err != nil {
			return err
		}
		ok = covers(order, available)
		return nil
	})
	return ok, err
}

// FulfillFromMaster deducts every remaining item from the master warehouse and
// credits the order's destination warehouse, completing the order. Debt never
// routes through the multi-source allocator.
func (s *Service) FulfillFromMaster(ctx context.Context, id, actorID int64) (Order, error) {
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !order.Status.CanFulfill() {
			return ErrInvalidState
		}
		destination := make([]inventory.Key, 0, len(order.Items))
		for _, item := range order.Items {
			destination = append(destination, inventory.Key{WarehouseID: order.DestinationWarehouseID, ProductID: item.ProductID})
		}
		available, err := s.lockMaster(ctx, tx, []Order{order}, destination...)
		if err != nil {
			return err
		}
		if !covers(order, available) {
			return inventory.ErrInsufficientStock
		}
		inv := tx.Inventory()
		ref := fmt.Sprintf("debt_order:%d", order.ID)
		for i, item := range order.Items {
			qty := item.Remaining()
			if qty == 0 {
				continue
			}
			if _, err := s.ledger.Deduct(ctx, inv, inventory.Movement{
				WarehouseID: s.cfg.MasterWarehouseID,
				ProductID:   item.ProductID,
				Qty:         qty,
				Reason:      ref,
				RefModule:   "debt",
				ActorID:     actorID,
			}); err != nil {
				return err
			}
			if _, err := s.ledger.Increase(ctx, inv, inventory.Movement{
				WarehouseID: order.DestinationWarehouseID,
				ProductID:   item.ProductID,
				Qty:         qty,
				Reason:      ref,
				RefModule:   "debt",
				ActorID:     actorID,
			}); err != nil {
				return err
			}
			if err := tx.UpdateItemFulfilled(ctx, item.ID, item.OwedQuantity); err != nil {
				return err
			}
			order.Items[i].FulfilledQuantity = item.OwedQuantity
		}
		now := s.now()
		if err := tx.UpdateStatus(ctx, order.ID, StatusCompleted, &now); err != nil {
			return err
		}
		order.Status = StatusCompleted
		order.FulfilledAt = &now
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if s.metrics != nil {
		s.metrics.DebtTransition(string(StatusCompleted), 1)
	}
	s.logger.Info("debt order fulfilled from master", slog.Int64("debt_order_id", order.ID), slog.Int64("actor_id", actorID))
	s.notify(ctx, order, "debt.completed", "Debt order fulfilled from master stock")
	return order, nil
}

// HandleStockChanged runs the sweep when the master warehouse's stock changes.
// A sweep already running elsewhere is not an error; the cron catches up.
func (s *Service) HandleStockChanged(ctx context.Context, evt inventory.StockChangedEvent) error {
	if evt.WarehouseID != s.cfg.MasterWarehouseID {
		return nil
	}
	flipped, err := s.CheckFulfillable(ctx)
	if errors.Is(err, shared.ErrLockNotAcquired) {
		s.logger.Debug("debt sweep already running", slog.Int64("product_id", evt.ProductID))
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Debug("debt sweep after master stock change", slog.Int64("product_id", evt.ProductID), slog.Int("flipped", flipped))
	return nil
}

// lockMaster locks the master rows of every product the orders owe, together
// with any extra rows, in one ordered pass and returns master availability.
func (s *Service) lockMaster(ctx context.Context, tx TxRepository, orders []Order, extra ...inventory.Key) (map[int64]int64, error) {
	keys := append([]inventory.Key(nil), extra...)
	for _, order := range orders {
		for _, item := range order.Items {
			keys = append(keys, inventory.Key{WarehouseID: s.cfg.MasterWarehouseID, ProductID: item.ProductID})
		}
	}
	items, err := tx.Inventory().LockItems(ctx, keys)
	if err != nil {
		return nil, err
	}
	available := make(map[int64]int64, len(items))
	for _, item := range items {
		if item.WarehouseID == s.cfg.MasterWarehouseID {
			available[item.ProductID] = item.Available()
		}
	}
	return available, nil
}

func covers(order Order, available map[int64]int64) bool {
	need := make(map[int64]int64, len(order.Items))
	for _, item := range order.Items {
		need[item.ProductID] += item.Remaining()
	}
	for productID, qty := range need {
		if available[productID] < qty {
			return false
		}
	}
	return true
}

func (s *Service) notify(ctx context.Context, order Order, event, subject string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, []string{notify.WarehouseRecipient(order.DestinationWarehouseID)}, notify.Message{
		Event:   event,
		Subject: subject,
		Body:    fmt.Sprintf("Debt order %d for transfer request %d is %s", order.ID, order.TransferRequestID, order.Status),
		Refs: map[string]any{
			"debt_order_id":       order.ID,
			"transfer_request_id": order.TransferRequestID,
		},
	})
}
