package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-transfer/internal/allocation"
	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/products"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/warehouses"
	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

const (
	storeA = int64(10)
	storeB = int64(20)
	storeC = int64(30)

	warehouseA      = int64(1)
	warehouseB      = int64(2)
	warehouseC      = int64(3)
	masterWarehouse = int64(99)

	productP = int64(500)
	productQ = int64(501)
)

type directory struct{}

func (directory) ByStore(_ context.Context, storeID int64) (warehouses.Warehouse, error) {
	switch storeID {
	case storeA:
		return warehouses.Warehouse{ID: warehouseA, Code: "WH-A", Name: "Store A"}, nil
	case storeB:
		return warehouses.Warehouse{ID: warehouseB, Code: "WH-B", Name: "Store B"}, nil
	case storeC:
		return warehouses.Warehouse{ID: warehouseC, Code: "WH-C", Name: "Store C"}, nil
	}
	return warehouses.Warehouse{}, warehouses.ErrStoreWarehouseNotFound
}

func (directory) Get(_ context.Context, id int64) (warehouses.Warehouse, error) {
	return warehouses.Warehouse{ID: id, Code: "WH", Name: "Warehouse"}, nil
}

type catalog struct{}

func (catalog) Get(_ context.Context, id int64) (products.Product, error) {
	return products.Product{ID: id, SKU: "SKU", Name: "Product"}, nil
}

type fakeCourier struct {
	mu        sync.Mutex
	createErr error
	status    string
}

func (c *fakeCourier) CreateOrder(_ context.Context, spec shipment.OrderSpec) (shipment.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return shipment.OrderResult{}, c.createErr
	}
	return shipment.OrderResult{OrderCode: "C-" + spec.ClientOrderCode, Fee: decimal.NewFromInt(12000)}, nil
}

func (c *fakeCourier) GetOrderStatus(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

func (c *fakeCourier) CancelOrder(_ context.Context, _ string) (bool, error) {
	return true, nil
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ []string, msg notify.Message) {
	n.events = append(n.events, msg.Event)
}

type recordingMetrics struct {
	fulfilled map[string]int
}

func (m *recordingMetrics) TransferFulfilled(status string) {
	m.fulfilled[status]++
}

type failingPlanner struct{}

func (failingPlanner) PlanShipments(context.Context, shipment.TxRepository, shipment.PlanInput, map[int64][]allocation.SourceAllocation) ([]int64, error) {
	return nil, errors.New("shipments table unavailable")
}

type fixture struct {
	inv       *inventory.MemoryStore
	debtStore *debt.MemoryStore
	debts     *debt.Service
	shipments *shipment.Service
	courier   *fakeCourier
	notifier  *recordingNotifier
	metrics   *recordingMetrics
	store     *MemoryStore
	svc       *Service
}

func newFixture() *fixture {
	inv := inventory.NewMemoryStore()
	inv.RegisterStoreWarehouse(warehouseA, storeA)
	inv.RegisterStoreWarehouse(warehouseB, storeB)
	inv.RegisterStoreWarehouse(warehouseC, storeC)
	debtStore := debt.NewMemoryStore(inv)
	shipmentStore := shipment.NewMemoryStore(inv)
	courier := &fakeCourier{}
	debts := debt.NewService(debtStore, nil, nil, nil, nil, debt.Config{MasterWarehouseID: masterWarehouse}, nil)
	shipments := shipment.NewService(shipmentStore, courier, nil, directory{}, catalog{}, nil, nil, shipment.Config{}, nil)
	store := NewMemoryStore(inv, debtStore, shipmentStore)
	notifier := &recordingNotifier{}
	metrics := &recordingMetrics{fulfilled: map[string]int{}}
	svc := NewService(store, directory{}, inv, nil, debts, shipments, shipments, nil, notifier, metrics, nil)
	return &fixture{
		inv:       inv,
		debtStore: debtStore,
		debts:     debts,
		shipments: shipments,
		courier:   courier,
		notifier:  notifier,
		metrics:   metrics,
		store:     store,
		svc:       svc,
	}
}

func (f *fixture) request(t *testing.T, items ...ItemInput) Request {
	t.Helper()
	req, err := f.svc.Create(shared.ContextWithActor(context.Background(), 7), CreateInput{StoreID: storeA, Items: items})
	require.NoError(t, err)
	return req
}

func requireOrderedLocks(t *testing.T, inv *inventory.MemoryStore) {
	t.Helper()
	for i, keys := range inv.LockOrders() {
		if len(keys) == 0 {
			continue
		}
		require.Equal(t, inventory.SortKeys(keys), keys, "transaction %d", i)
	}
}

func requireInvariant(t *testing.T, inv *inventory.MemoryStore) {
	t.Helper()
	for _, item := range inv.Items() {
		require.GreaterOrEqual(t, item.Quantity, int64(0))
		require.GreaterOrEqual(t, item.ReservedQuantity, int64(0))
		require.LessOrEqual(t, item.ReservedQuantity, item.Quantity)
	}
}

func TestFulfillSingleSourceSuffices(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseB, productP, 4, 0)
	f.inv.Seed(warehouseC, productP, 20, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 10})
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, warehouseA, req.DestinationWarehouseID)
	require.Equal(t, int64(7), req.CreatedBy)

	result, err := f.svc.Fulfill(context.Background(), req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Request.Status)
	require.Equal(t, []allocation.SourceAllocation{{WarehouseID: warehouseC, StoreID: storeC, ProductID: productP, Quantity: 10}}, result.Allocations[productP])
	require.Empty(t, result.Shortages)
	require.Nil(t, result.DebtOrderID)
	require.Len(t, result.ShipmentIDs, 1)
	require.NotNil(t, result.Request.SourceWarehouseID)
	require.Equal(t, warehouseC, *result.Request.SourceWarehouseID)

	require.Equal(t, int64(0), f.inv.Item(warehouseB, productP).ReservedQuantity)
	require.Equal(t, int64(10), f.inv.Item(warehouseC, productP).ReservedQuantity)
	require.Zero(t, f.inv.Item(warehouseA, productP).Quantity, "destination is credited on delivery only")
	requireInvariant(t, f.inv)

	stored, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), stored.Items[0].FulfilledQuantity)
	require.Equal(t, 1, f.metrics.fulfilled[string(StatusCompleted)])
	require.Equal(t, []string{"transfer.fulfilled"}, f.notifier.events)

	shipments, err := f.shipments.ListByTransfer(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, shipments, 1)
	require.True(t, shipments[0].HasCourierOrder())

	f.courier.status = "delivered"
	delivered, err := f.shipments.SyncStatus(context.Background(), result.ShipmentIDs[0])
	require.NoError(t, err)
	require.Equal(t, shipment.StatusDelivered, delivered.Status)
	require.Equal(t, int64(10), f.inv.Item(warehouseA, productP).Quantity)
	source := f.inv.Item(warehouseC, productP)
	require.Equal(t, int64(10), source.Quantity)
	require.Zero(t, source.ReservedQuantity)

	_, err = f.shipments.SyncStatus(context.Background(), result.ShipmentIDs[0])
	require.NoError(t, err)
	require.Equal(t, int64(10), f.inv.Item(warehouseA, productP).Quantity)
	requireInvariant(t, f.inv)
}

func TestFulfillSpansSourcesLargestFirst(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseB, productP, 4, 0)
	f.inv.Seed(warehouseC, productP, 6, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 10})

	result, err := f.svc.Fulfill(context.Background(), req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Request.Status)
	require.Equal(t, []allocation.SourceAllocation{
		{WarehouseID: warehouseC, StoreID: storeC, ProductID: productP, Quantity: 6},
		{WarehouseID: warehouseB, StoreID: storeB, ProductID: productP, Quantity: 4},
	}, result.Allocations[productP])
	require.Nil(t, result.DebtOrderID)
	require.Len(t, result.ShipmentIDs, 2)
	require.Nil(t, result.Request.SourceWarehouseID)
	require.Equal(t, int64(10), result.Request.Items[0].FulfilledQuantity)
	requireInvariant(t, f.inv)
}

func TestFulfillShortageBecomesDebtThenMasterCoversIt(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseB, productP, 2, 0)
	f.inv.Seed(warehouseC, productP, 6, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 10})
	ctx := context.Background()

	result, err := f.svc.Fulfill(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, result.Request.Status)
	require.Equal(t, int64(8), allocation.Allocated(result.Allocations[productP]))
	require.Equal(t, map[int64]int64{productP: 2}, result.Shortages)
	require.NotNil(t, result.DebtOrderID)

	order, err := f.debts.Get(ctx, *result.DebtOrderID)
	require.NoError(t, err)
	require.Equal(t, debt.StatusPending, order.Status)
	require.Equal(t, warehouseA, order.DestinationWarehouseID)
	require.Len(t, order.Items, 1)
	require.Equal(t, int64(2), order.Items[0].OwedQuantity)
	require.Zero(t, order.Items[0].FulfilledQuantity)

	receipts := inventory.NewService(f.inv, nil, nil, nil, f.debts, nil)
	_, err = receipts.ReceiveStock(ctx, inventory.MovementInput{WarehouseID: masterWarehouse, ProductID: productP, Qty: 5})
	require.NoError(t, err)
	order, err = f.debts.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, debt.StatusFulfillable, order.Status)

	order, err = f.debts.FulfillFromMaster(ctx, order.ID, 7)
	require.NoError(t, err)
	require.Equal(t, debt.StatusCompleted, order.Status)
	require.Equal(t, int64(2), order.Items[0].FulfilledQuantity)
	require.Equal(t, int64(3), f.inv.Item(masterWarehouse, productP).Quantity)
	require.Equal(t, int64(2), f.inv.Item(warehouseA, productP).Quantity)

	_, err = f.svc.Fulfill(ctx, req.ID, 7)
	require.ErrorIs(t, err, ErrInvalidState)
	requireInvariant(t, f.inv)
}

func TestEveryPathLocksRowsInWarehouseProductOrder(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseB, productP, 2, 0)
	f.inv.Seed(warehouseC, productP, 6, 0)
	f.inv.Seed(warehouseC, productQ, 3, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 10}, ItemInput{ProductID: productQ, Quantity: 3})
	ctx := context.Background()

	result, err := f.svc.Fulfill(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, result.Request.Status)
	require.Len(t, result.ShipmentIDs, 2)

	f.courier.status = "delivered"
	for _, id := range result.ShipmentIDs {
		delivered, err := f.shipments.SyncStatus(ctx, id)
		require.NoError(t, err)
		require.Equal(t, shipment.StatusDelivered, delivered.Status)
	}
	require.Equal(t, int64(8), f.inv.Item(warehouseA, productP).Quantity)
	require.Equal(t, int64(3), f.inv.Item(warehouseA, productQ).Quantity)

	f.inv.Seed(masterWarehouse, productP, 4, 0)
	order, err := f.debts.FulfillFromMaster(ctx, *result.DebtOrderID, 7)
	require.NoError(t, err)
	require.Equal(t, debt.StatusCompleted, order.Status)
	require.Equal(t, int64(10), f.inv.Item(warehouseA, productP).Quantity)

	requireOrderedLocks(t, f.inv)
	requireInvariant(t, f.inv)
}

func TestCancelledShipmentReleasesStockButKeepsRequestStatus(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseC, productP, 20, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 5})
	ctx := context.Background()
	result, err := f.svc.Fulfill(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Len(t, result.ShipmentIDs, 1)

	cancelled, err := f.shipments.Cancel(ctx, result.ShipmentIDs[0], 7)
	require.NoError(t, err)
	require.Equal(t, shipment.StatusCancelled, cancelled.Status)
	source := f.inv.Item(warehouseC, productP)
	require.Equal(t, int64(20), source.Quantity)
	require.Zero(t, source.ReservedQuantity)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.Equal(t, int64(5), stored.Items[0].FulfilledQuantity)
	_, err = f.debtStore.GetByTransfer(ctx, req.ID)
	require.ErrorIs(t, err, debt.ErrNotFound)
}

func TestFulfillCompletedRequestDoesNotTouchLedger(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseC, productP, 20, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 5})
	_, err := f.svc.Fulfill(context.Background(), req.ID, 7)
	require.NoError(t, err)
	logs := len(f.inv.Logs())
	before := f.inv.Items()

	_, err = f.svc.Fulfill(context.Background(), req.ID, 7)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	require.Len(t, f.inv.Logs(), logs)
	require.Equal(t, before, f.inv.Items())
}

func TestFulfillWithNothingAvailableKeepsStatus(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseA, productP, 50, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 5})
	ctx := context.Background()
	_, err := f.svc.Approve(ctx, req.ID, 3)
	require.NoError(t, err)

	result, err := f.svc.Fulfill(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, result.Request.Status)
	require.Empty(t, result.ShipmentIDs)
	require.Nil(t, result.DebtOrderID)
	require.Equal(t, map[int64]int64{productP: 5}, result.Shortages)
	_, err = f.debtStore.GetByTransfer(ctx, req.ID)
	require.ErrorIs(t, err, debt.ErrNotFound)
	require.Empty(t, f.notifier.events)

	f.inv.Seed(warehouseB, productP, 5, 0)
	result, err = f.svc.Fulfill(ctx, req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Request.Status)
	require.Equal(t, []string{"transfer.fulfilled"}, f.notifier.events)
}

func TestFulfillSharesSourcesAcrossItems(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseC, productP, 5, 0)
	f.inv.Seed(warehouseC, productQ, 3, 1)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 4}, ItemInput{ProductID: productQ, Quantity: 2})

	result, err := f.svc.Fulfill(context.Background(), req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Request.Status)
	require.Len(t, result.ShipmentIDs, 1)

	shipped, err := f.shipments.Get(context.Background(), result.ShipmentIDs[0])
	require.NoError(t, err)
	require.Len(t, shipped.Items, 2)
	require.Equal(t, int64(3), f.inv.Item(warehouseC, productQ).ReservedQuantity)
	requireInvariant(t, f.inv)
}

func TestFulfillRollsBackWhenPlanningFails(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseB, productP, 2, 0)
	f.inv.Seed(warehouseC, productP, 6, 0)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 10})
	svc := NewService(f.store, directory{}, f.inv, nil, f.debts, failingPlanner{}, nil, nil, nil, nil, nil)

	_, err := svc.Fulfill(context.Background(), req.ID, 7)
	require.Error(t, err)

	stored, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Zero(t, stored.Items[0].FulfilledQuantity)
	require.Zero(t, f.inv.Item(warehouseC, productP).ReservedQuantity)
	require.Empty(t, f.inv.Logs())
	_, err = f.debtStore.GetByTransfer(context.Background(), req.ID)
	require.ErrorIs(t, err, debt.ErrNotFound)
}

func TestCourierFailureKeepsReservation(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseC, productP, 9, 0)
	f.courier.createErr = errors.New("courier timeout")
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 4})

	result, err := f.svc.Fulfill(context.Background(), req.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Request.Status)

	shipped, err := f.shipments.Get(context.Background(), result.ShipmentIDs[0])
	require.NoError(t, err)
	require.False(t, shipped.HasCourierOrder())
	require.Equal(t, shipment.StatusCreated, shipped.Status)
	require.Equal(t, int64(4), f.inv.Item(warehouseC, productP).ReservedQuantity)

	f.courier.createErr = nil
	shipped, err = f.shipments.SyncStatus(context.Background(), shipped.ID)
	require.NoError(t, err)
	require.True(t, shipped.HasCourierOrder())
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{StoreID: storeA})
	require.ErrorIs(t, err, ErrEmptyRequest)
	_, err = f.svc.Create(ctx, CreateInput{StoreID: storeA, Items: []ItemInput{{ProductID: productP, Quantity: 1}, {ProductID: productP, Quantity: 2}}})
	require.ErrorIs(t, err, ErrDuplicateProduct)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Create(ctx, CreateInput{StoreID: storeA, Items: []ItemInput{{ProductID: productP, Quantity: 0}}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = f.svc.Create(ctx, CreateInput{StoreID: 404, Items: []ItemInput{{ProductID: productP, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrNotFound)

	list, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestApproveRejectCancelTransitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.request(t, ItemInput{ProductID: productP, Quantity: 1})
	second := f.request(t, ItemInput{ProductID: productQ, Quantity: 1})

	approved, err := f.svc.Approve(ctx, first.ID, 3)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, int64(3), *approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)
	_, err = f.svc.Approve(ctx, first.ID, 3)
	require.ErrorIs(t, err, ErrInvalidState)

	rejected, err := f.svc.Reject(ctx, first.ID, 3, "seasonal freeze")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "seasonal freeze", rejected.RejectedReason)
	_, err = f.svc.Fulfill(ctx, first.ID, 3)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.Cancel(ctx, first.ID, 3)
	require.ErrorIs(t, err, ErrInvalidState)

	cancelled, err := f.svc.Cancel(ctx, second.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	list, err := f.svc.List(ctx, ListFilter{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = f.svc.List(ctx, ListFilter{Status: "SHIPPED"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Approve(ctx, 404, 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPreviewDoesNotMutate(t *testing.T) {
	f := newFixture()
	f.inv.Seed(warehouseB, productP, 2, 0)
	f.inv.Seed(warehouseC, productP, 6, 1)
	req := f.request(t, ItemInput{ProductID: productP, Quantity: 10})

	preview, err := f.svc.Preview(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, preview, 1)
	require.Equal(t, int64(10), preview[0].Requested)
	require.Equal(t, int64(7), allocation.Allocated(preview[0].Allocations))
	require.Equal(t, int64(3), preview[0].Shortage)
	require.Empty(t, f.inv.Logs())

	stored, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}
