package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

// MemoryStore keeps transfer requests in process and composes the inventory,
// debt and shipment memory stores into one transaction.
type MemoryStore struct {
	mu        sync.Mutex
	inv       *inventory.MemoryStore
	debts     *debt.MemoryStore
	shipments *shipment.MemoryStore
	requests  map[int64]Request
	nextID    int64
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(inv *inventory.MemoryStore, debts *debt.MemoryStore, shipments *shipment.MemoryStore) *MemoryStore {
	return &MemoryStore{inv: inv, debts: debts, shipments: shipments, requests: make(map[int64]Request)}
}

// WithTx implements RepositoryPort. A failed callback undoes writes in every
// composed store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) (err error) {
	snap := m.inv.Begin()
	defer func() { m.inv.End(snap, err) }()

	m.mu.Lock()
	saved := make(map[int64]Request, len(m.requests))
	for id, r := range m.requests {
		saved[id] = cloneRequest(r)
	}
	nextID := m.nextID
	m.mu.Unlock()

	invTx := m.inv.Tx()
	debtTx, restoreDebts := m.debts.Bind(invTx)
	shipmentTx, restoreShipments := m.shipments.Bind(invTx)
	err = fn(ctx, &memoryTx{store: m, inv: invTx, debts: debtTx, shipments: shipmentTx})
	if err != nil {
		restoreDebts()
		restoreShipments()
		m.mu.Lock()
		m.requests = saved
		m.nextID = nextID
		m.mu.Unlock()
	}
	return err
}

// Get implements RepositoryPort.
func (m *MemoryStore) Get(_ context.Context, id int64) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

// List implements RepositoryPort.
func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Request{}
	for _, r := range m.requests {
		if filter.StoreID != 0 && r.StoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneRequest(r Request) Request {
	r.Items = append([]Item(nil), r.Items...)
	return r
}

type memoryTx struct {
	store     *MemoryStore
	inv       inventory.TxRepository
	debts     debt.TxRepository
	shipments shipment.TxRepository
}

func (t *memoryTx) Inventory() inventory.TxRepository { return t.inv }

func (t *memoryTx) Debts() debt.TxRepository { return t.debts }

func (t *memoryTx) Shipments() shipment.TxRepository { return t.shipments }

func (t *memoryTx) InsertRequest(_ context.Context, req Request) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.nextID++
	req.ID = t.store.nextID
	req.Items = nil
	t.store.requests[req.ID] = req
	return req.ID, nil
}

func (t *memoryTx) InsertItem(_ context.Context, item Item) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	req, ok := t.store.requests[item.TransferRequestID]
	if !ok {
		return 0, ErrNotFound
	}
	t.store.nextID++
	item.ID = t.store.nextID
	req.Items = append(req.Items, item)
	sort.Slice(req.Items, func(i, j int) bool { return req.Items[i].ProductID < req.Items[j].ProductID })
	t.store.requests[req.ID] = req
	return item.ID, nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (Request, error) {
	return t.store.Get(ctx, id)
}

func (t *memoryTx) UpdateRequest(_ context.Context, req Request) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	current, ok := t.store.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	current.Status = req.Status
	current.SourceWarehouseID = req.SourceWarehouseID
	current.RejectedReason = req.RejectedReason
	current.ApprovedBy = req.ApprovedBy
	current.ApprovedAt = req.ApprovedAt
	current.FulfilledAt = req.FulfilledAt
	current.UpdatedAt = time.Now().UTC()
	t.store.requests[req.ID] = current
	return nil
}

func (t *memoryTx) UpdateItemFulfilled(_ context.Context, itemID, fulfilled int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, req := range t.store.requests {
		for i := range req.Items {
			if req.Items[i].ID == itemID {
				req.Items[i].FulfilledQuantity = fulfilled
				t.store.requests[id] = req
				return nil
			}
		}
	}
	return ErrNotFound
}
