package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process TxRepository used by unit tests across the
// engine and by local tooling. Transactions are serialised by a mutex and roll
// back by restoring a copy of the rows taken at Begin.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[Key]Item
	logs   []Log
	stores map[int64]int64
	nextID int64

	// row lock acquisition order, per transaction
	held       map[Key]struct{}
	acquired   []Key
	lockOrders [][]Key
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[Key]Item), stores: make(map[int64]int64)}
}

// RegisterStoreWarehouse marks warehouseID as the active warehouse of storeID.
func (m *MemoryStore) RegisterStoreWarehouse(warehouseID, storeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[warehouseID] = storeID
}

// Seed sets a row directly, bypassing the ledger.
func (m *MemoryStore) Seed(warehouseID, productID, quantity, reserved int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[Key{WarehouseID: warehouseID, ProductID: productID}] = Item{
		WarehouseID: warehouseID, ProductID: productID, Quantity: quantity, ReservedQuantity: reserved,
	}
}

// Item returns a copy of a row; missing rows read as zero.
func (m *MemoryStore) Item(warehouseID, productID int64) Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemLocked(warehouseID, productID)
}

// Items returns every row sorted by key.
func (m *MemoryStore) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WarehouseID != out[j].WarehouseID {
			return out[i].WarehouseID < out[j].WarehouseID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

// LockOrders returns, for every finished transaction, the rows it locked in
// the order it first locked them.
func (m *MemoryStore) LockOrders() [][]Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Key, len(m.lockOrders))
	for i, keys := range m.lockOrders {
		out[i] = append([]Key(nil), keys...)
	}
	return out
}

// Logs returns a copy of all ledger entries.
func (m *MemoryStore) Logs() []Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Log(nil), m.logs...)
}

func (m *MemoryStore) itemLocked(warehouseID, productID int64) Item {
	if item, ok := m.items[Key{WarehouseID: warehouseID, ProductID: productID}]; ok {
		return item
	}
	return Item{WarehouseID: warehouseID, ProductID: productID}
}

// Snapshot captures rows so a failed transaction can be undone.
type Snapshot struct {
	items map[Key]Item
	logs  int
}

// Begin locks the store and returns a restore point. Callers must pair it with
// End.
func (m *MemoryStore) Begin() Snapshot {
	m.mu.Lock()
	m.held = make(map[Key]struct{})
	m.acquired = nil
	items := make(map[Key]Item, len(m.items))
	for k, v := range m.items {
		items[k] = v
	}
	return Snapshot{items: items, logs: len(m.logs)}
}

// End unlocks the store, restoring snapshot when err is non-nil.
func (m *MemoryStore) End(snap Snapshot, err error) {
	if err != nil {
		m.items = snap.items
		m.logs = m.logs[:snap.logs]
	}
	m.lockOrders = append(m.lockOrders, m.acquired)
	m.held, m.acquired = nil, nil
	m.mu.Unlock()
}

// Tx returns a TxRepository bound to the store. Only valid between Begin and End.
func (m *MemoryStore) Tx() TxRepository {
	return &memoryTx{store: m}
}

// WithTx runs fn atomically against the store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) (err error) {
	snap := m.Begin()
	defer func() { m.End(snap, err) }()
	return fn(ctx, m.Tx())
}

// GetItem implements RepositoryPort.
func (m *MemoryStore) GetItem(_ context.Context, warehouseID, productID int64) (Item, error) {
	return m.Item(warehouseID, productID), nil
}

// ListLogs implements RepositoryPort.
func (m *MemoryStore) ListLogs(_ context.Context, filter LogFilter) ([]Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Log
	for _, l := range m.logs {
		if l.WarehouseID == filter.WarehouseID && l.ProductID == filter.ProductID {
			out = append(out, l)
		}
	}
	return out, nil
}

// ListStoreStock reads store stock without taking the transaction lock.
func (m *MemoryStore) ListStoreStock(_ context.Context, productID, excludeStoreID int64) ([]StoreStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeStockLocked([]int64{productID}, excludeStoreID), nil
}

func (m *MemoryStore) storeStockLocked(productIDs []int64, excludeStoreID int64) []StoreStock {
	wanted := make(map[int64]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}
	var out []StoreStock
	for k, item := range m.items {
		storeID, ok := m.stores[k.WarehouseID]
		if !ok || storeID == excludeStoreID {
			continue
		}
		if _, ok := wanted[k.ProductID]; !ok {
			continue
		}
		out = append(out, StoreStock{
			WarehouseID: k.WarehouseID,
			StoreID:     storeID,
			ProductID:   k.ProductID,
			Quantity:    item.Quantity,
			Reserved:    item.ReservedQuantity,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WarehouseID != out[j].WarehouseID {
			return out[i].WarehouseID < out[j].WarehouseID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

type memoryTx struct {
	store *MemoryStore
}

func (tx *memoryTx) lock(k Key) {
	if tx.store.held == nil {
		return
	}
	if _, ok := tx.store.held[k]; ok {
		return
	}
	tx.store.held[k] = struct{}{}
	tx.store.acquired = append(tx.store.acquired, k)
}

func (tx *memoryTx) LockItems(_ context.Context, keys []Key) ([]Item, error) {
	sorted := SortKeys(keys)
	out := make([]Item, 0, len(sorted))
	for _, k := range sorted {
		tx.lock(k)
		out = append(out, tx.store.itemLocked(k.WarehouseID, k.ProductID))
	}
	return out, nil
}

func (tx *memoryTx) GetItemForUpdate(_ context.Context, warehouseID, productID int64) (Item, error) {
	tx.lock(Key{WarehouseID: warehouseID, ProductID: productID})
	item, ok := tx.store.items[Key{WarehouseID: warehouseID, ProductID: productID}]
	if !ok {
		return Item{WarehouseID: warehouseID, ProductID: productID}, ErrItemNotFound
	}
	return item, nil
}

func (tx *memoryTx) SaveItem(_ context.Context, item Item) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	tx.store.items[item.Key()] = item
	return nil
}

func (tx *memoryTx) InsertLog(_ context.Context, log Log) error {
	tx.store.nextID++
	log.ID = tx.store.nextID
	tx.store.logs = append(tx.store.logs, log)
	return nil
}

func (tx *memoryTx) LockStoreStock(_ context.Context, productIDs []int64, excludeStoreID int64) ([]StoreStock, error) {
	rows := tx.store.storeStockLocked(productIDs, excludeStoreID)
	for _, row := range rows {
		tx.lock(Key{WarehouseID: row.WarehouseID, ProductID: row.ProductID})
	}
	return rows, nil
}
