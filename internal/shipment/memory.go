package shipment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
)

// MemoryStore keeps shipments in process, sharing transactions with an
// inventory.MemoryStore. Used by unit tests of the engine.
type MemoryStore struct {
	mu        sync.Mutex
	inv       *inventory.MemoryStore
	shipments map[int64]Shipment
	tracking  map[int64][]TrackingEntry
	nextID    int64
}

// NewMemoryStore constructs an empty store backed by inv.
func NewMemoryStore(inv *inventory.MemoryStore) *MemoryStore {
	return &MemoryStore{inv: inv, shipments: make(map[int64]Shipment), tracking: make(map[int64][]TrackingEntry)}
}

// Bind returns a TxRepository writing through the caller's inventory
// transaction. restore undoes every shipment write made through it.
func (m *MemoryStore) Bind(inv inventory.TxRepository) (TxRepository, func()) {
	m.mu.Lock()
	shipments := make(map[int64]Shipment, len(m.shipments))
	for id, s := range m.shipments {
		shipments[id] = cloneShipment(s)
	}
	tracking := make(map[int64][]TrackingEntry, len(m.tracking))
	for id, entries := range m.tracking {
		tracking[id] = append([]TrackingEntry(nil), entries...)
	}
	nextID := m.nextID
	m.mu.Unlock()
	restore := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.shipments = shipments
		m.tracking = tracking
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
func (m *MemoryStore) Get(_ context.Context, id int64) (Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return Shipment{}, ErrNotFound
	}
	s = cloneShipment(s)
	s.Tracking = append([]TrackingEntry(nil), m.tracking[id]...)
	return s, nil
}

// ListByTransfer implements RepositoryPort.
func (m *MemoryStore) ListByTransfer(_ context.Context, transferRequestID int64) ([]Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Shipment{}
	for _, s := range m.shipments {
		if s.TransferRequestID == transferRequestID {
			out = append(out, cloneShipment(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceWarehouseID != out[j].SourceWarehouseID {
			return out[i].SourceWarehouseID < out[j].SourceWarehouseID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListOpen implements RepositoryPort.
func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, s := range m.shipments {
		if !s.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func cloneShipment(s Shipment) Shipment {
	s.Items = append([]Item(nil), s.Items...)
	s.Tracking = nil
	return s
}

type memoryTx struct {
	store *MemoryStore
	inv   inventory.TxRepository
}

func (t *memoryTx) Inventory() inventory.TxRepository {
	return t.inv
}

func (t *memoryTx) InsertShipment(_ context.Context, s Shipment) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.nextID++
	s.ID = t.store.nextID
	s.Items = nil
	s.Tracking = nil
	t.store.shipments[s.ID] = s
	return s.ID, nil
}

func (t *memoryTx) InsertItem(_ context.Context, item Item) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	s, ok := t.store.shipments[item.ShipmentID]
	if !ok {
		return 0, ErrNotFound
	}
	t.store.nextID++
	item.ID = t.store.nextID
	s.Items = append(s.Items, item)
	t.store.shipments[s.ID] = s
	return item.ID, nil
}

func (t *memoryTx) InsertTracking(_ context.Context, entry TrackingEntry) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.shipments[entry.ShipmentID]; !ok {
		return ErrNotFound
	}
	t.store.nextID++
	entry.ID = t.store.nextID
	t.store.tracking[entry.ShipmentID] = append(t.store.tracking[entry.ShipmentID], entry)
	return nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (Shipment, error) {
	return t.store.Get(ctx, id)
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status Status, deliveredAt *time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	s, ok := t.store.shipments[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	if deliveredAt != nil {
		at := *deliveredAt
		s.DeliveredAt = &at
	}
	s.UpdatedAt = time.Now().UTC()
	t.store.shipments[id] = s
	return nil
}

func (t *memoryTx) SetCourierOrder(_ context.Context, id int64, result OrderResult) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	s, ok := t.store.shipments[id]
	if !ok {
		return ErrNotFound
	}
	s.CourierOrderCode = result.OrderCode
	s.TotalFee = result.Fee
	if !result.ExpectedDelivery.IsZero() {
		eta := result.ExpectedDelivery
		s.ExpectedDeliveryTime = &eta
	}
	s.UpdatedAt = time.Now().UTC()
	t.store.shipments[id] = s
	return nil
}
