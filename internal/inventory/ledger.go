package inventory

import (
	"context"
	"errors"
	"time"
)

// Ledger applies stock movements inside a caller-owned transaction. Every
// mutation re-reads the row under lock and appends a log entry.
type Ledger struct {
	now func() time.Time
}

// NewLedger constructs Ledger.
func NewLedger() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Available returns quantity minus reservations for the row.
func (l *Ledger) Available(ctx context.Context, tx TxRepository, warehouseID, productID int64) (int64, error) {
	item, err := tx.GetItemForUpdate(ctx, warehouseID, productID)
	if errors.Is(err, ErrItemNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return item.Available(), nil
}

// Deduct removes unreserved stock.
func (l *Ledger) Deduct(ctx context.Context, tx TxRepository, m Movement) (Item, error) {
	return l.apply(ctx, tx, m, MovementDeduct, func(item *Item) error {
		if item.Available() < m.Qty {
			return ErrInsufficientStock
		}
		item.Quantity -= m.Qty
		return nil
	})
}

// Increase adds stock, creating the row when missing.
func (l *Ledger) Increase(ctx context.Context, tx TxRepository, m Movement) (Item, error) {
	return l.apply(ctx, tx, m, MovementIncrease, func(item *Item) error {
		item.Quantity += m.Qty
		return nil
	})
}

// Reserve earmarks available stock.
func (l *Ledger) Reserve(ctx context.Context, tx TxRepository, m Movement) (Item, error) {
	return l.apply(ctx, tx, m, MovementReserve, func(item *Item) error {
		if item.Available() < m.Qty {
			return ErrInsufficientStock
		}
		item.ReservedQuantity += m.Qty
		return nil
	})
}

// Release returns reserved stock to the available pool.
func (l *Ledger) Release(ctx context.Context, tx TxRepository, m Movement) (Item, error) {
	return l.apply(ctx, tx, m, MovementRelease, func(item *Item) error {
		if item.ReservedQuantity < m.Qty {
			return ErrReservationUnderflow
		}
		item.ReservedQuantity -= m.Qty
		return nil
	})
}

// Ship consumes a reservation, removing the goods from the warehouse.
func (l *Ledger) Ship(ctx context.Context, tx TxRepository, m Movement) (Item, error) {
	return l.apply(ctx, tx, m, MovementShip, func(item *Item) error {
		if item.ReservedQuantity < m.Qty {
			return ErrReservationUnderflow
		}
		item.ReservedQuantity -= m.Qty
		item.Quantity -= m.Qty
		return nil
	})
}

func (l *Ledger) apply(ctx context.Context, tx TxRepository, m Movement, movement MovementType, mutate func(*Item) error) (Item, error) {
	if m.WarehouseID == 0 || m.ProductID == 0 {
		return Item{}, ErrWarehouseRequired
	}
	if m.Qty <= 0 {
		return Item{}, ErrInvalidQuantity
	}
	item, err := tx.GetItemForUpdate(ctx, m.WarehouseID, m.ProductID)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		return Item{}, err
	}
	if errors.Is(err, ErrItemNotFound) {
		item = Item{WarehouseID: m.WarehouseID, ProductID: m.ProductID}
	}
	before := item
	if err := mutate(&item); err != nil {
		return Item{}, err
	}
	if !item.valid() {
		return Item{}, ErrInsufficientStock
	}
	now := l.now()
	item.UpdatedAt = now
	if err := tx.SaveItem(ctx, item); err != nil {
		return Item{}, err
	}
	if err := tx.InsertLog(ctx, Log{
		WarehouseID:      m.WarehouseID,
		ProductID:        m.ProductID,
		Movement:         movement,
		PreviousQuantity: before.Quantity,
		NewQuantity:      item.Quantity,
		PreviousReserved: before.ReservedQuantity,
		NewReserved:      item.ReservedQuantity,
		Reason:           m.Reason,
		RefModule:        m.RefModule,
		RefID:            m.RefID,
		ActorID:          m.ActorID,
		CreatedAt:        now,
	}); err != nil {
		return Item{}, err
	}
	return item, nil
}
