package debt

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
)

// MemoryStore keeps debt orders in process, sharing transactions with an
// inventory.MemoryStore. Used by unit tests of the engine.
type MemoryStore struct {
	mu         sync.Mutex
	inv        *inventory.MemoryStore
	orders     map[int64]Order
	byTransfer map[int64]int64
	nextID     int64
}

// NewMemoryStore constructs an empty store backed by inv.
func NewMemoryStore(inv *inventory.MemoryStore) *MemoryStore {
	return &MemoryStore{inv: inv, orders: make(map[int64]Order), byTransfer: make(map[int64]int64)}
}

// Bind returns a TxRepository writing through the caller's inventory
// transaction. restore undoes every debt write made through it.
func (m *MemoryStore) Bind(inv inventory.TxRepository) (TxRepository, func()) {
	m.mu.Lock()
	orders := make(map[int64]Order, len(m.orders))
	for id, o := range m.orders {
		orders[id] = cloneOrder(o)
	}
	byTransfer := make(map[int64]int64, len(m.byTransfer))
	for k, v := range m.byTransfer {
		byTransfer[k] = v
	}
	nextID := m.nextID
	m.mu.Unlock()
	restore := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.orders = orders
		m.byTransfer = byTransfer
		m.nextID = nextID
	}
	return &memoryTx{store: m, inv: inv}, restore
}

// WithTx implements RepositoryPort.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) (err error) {
	snap := m.inv.Begin()
	defer func() { m.inv.End(snap, err) }()
	tx, restore := m.Bind(m.inv.Tx())
	if err = fn(ctx, tx); err != nil {
		restore()
	}
	return err
}

// Get implements RepositoryPort.
func (m *MemoryStore) Get(_ context.Context, id int64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(order), nil
}

// GetByTransfer returns the order owed by a transfer request.
func (m *MemoryStore) GetByTransfer(ctx context.Context, transferRequestID int64) (Order, error) {
	m.mu.Lock()
	id, ok := m.byTransfer[transferRequestID]
	m.mu.Unlock()
	if !ok {
		return Order{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

// List implements RepositoryPort.
func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Order{}
	for _, o := range m.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func cloneOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	return o
}

type memoryTx struct {
	store *MemoryStore
	inv   inventory.TxRepository
}

func (t *memoryTx) Inventory() inventory.TxRepository {
	return t.inv
}

func (t *memoryTx) InsertOrder(_ context.Context, order Order) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.byTransfer[order.TransferRequestID]; ok {
		return 0, ErrAlreadyExists
	}
	t.store.nextID++
	order.ID = t.store.nextID
	order.Items = nil
	t.store.orders[order.ID] = order
	t.store.byTransfer[order.TransferRequestID] = order.ID
	return order.ID, nil
}

func (t *memoryTx) InsertItem(_ context.Context, item Item) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	order, ok := t.store.orders[item.DebtOrderID]
	if !ok {
		return 0, ErrNotFound
	}
	t.store.nextID++
	item.ID = t.store.nextID
	order.Items = append(order.Items, item)
	t.store.orders[order.ID] = order
	return item.ID, nil
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	return t.store.Get(ctx, id)
}

func (t *memoryTx) ListPendingForUpdate(ctx context.Context) ([]Order, error) {
	orders, err := t.store.List(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status Status, fulfilledAt *time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	order, ok := t.store.orders[id]
	if !ok {
		return ErrNotFound
	}
	order.Status = status
	if fulfilledAt != nil {
		at := *fulfilledAt
		order.FulfilledAt = &at
	}
	order.UpdatedAt = time.Now().UTC()
	t.store.orders[id] = order
	return nil
}

func (t *memoryTx) UpdateItemFulfilled(_ context.Context, itemID, fulfilled int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, order := range t.store.orders {
		for i := range order.Items {
			if order.Items[i].ID == itemID {
				order.Items[i].FulfilledQuantity = fulfilled
				t.store.orders[id] = order
				return nil
			}
		}
	}
	return ErrNotFound
}
