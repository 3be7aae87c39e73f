package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

type recordingIntegration struct {
	events []StockChangedEvent
	err    error
}

func (r *recordingIntegration) HandleStockChanged(_ context.Context, evt StockChangedEvent) error {
	r.events = append(r.events, evt)
	return r.err
}

type memoryIdempotency struct {
	keys map[string]struct{}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

func requireInvariant(t *testing.T, store *MemoryStore) {
	t.Helper()
	for _, item := range store.Items() {
		require.GreaterOrEqual(t, item.Quantity, int64(0), "quantity of %v", item.Key())
		require.GreaterOrEqual(t, item.ReservedQuantity, int64(0), "reserved of %v", item.Key())
		require.LessOrEqual(t, item.ReservedQuantity, item.Quantity, "reserved exceeds quantity of %v", item.Key())
	}
}

func TestLedgerReserveShipRelease(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(1, 10, 20, 0)
	ledger := NewLedger()
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := ledger.Reserve(ctx, tx, Movement{WarehouseID: 1, ProductID: 10, Qty: 8})
		require.NoError(t, err)
		require.Equal(t, int64(12), item.Available())

		item, err = ledger.Ship(ctx, tx, Movement{WarehouseID: 1, ProductID: 10, Qty: 5})
		require.NoError(t, err)
		require.Equal(t, int64(15), item.Quantity)
		require.Equal(t, int64(3), item.ReservedQuantity)

		item, err = ledger.Release(ctx, tx, Movement{WarehouseID: 1, ProductID: 10, Qty: 3})
		require.NoError(t, err)
		require.Equal(t, int64(0), item.ReservedQuantity)
		require.Equal(t, int64(15), item.Available())
		return nil
	})
	require.NoError(t, err)
	requireInvariant(t, store)

	logs := store.Logs()
	require.Len(t, logs, 3)
	require.Equal(t, MovementReserve, logs[0].Movement)
	require.Equal(t, int64(0), logs[0].PreviousReserved)
	require.Equal(t, int64(8), logs[0].NewReserved)
	require.Equal(t, MovementShip, logs[1].Movement)
	require.Equal(t, int64(20), logs[1].PreviousQuantity)
	require.Equal(t, int64(15), logs[1].NewQuantity)
	require.Equal(t, MovementRelease, logs[2].Movement)
}

func TestLedgerRejectsViolations(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(1, 10, 10, 6)
	ledger := NewLedger()
	ctx := context.Background()

	cases := []struct {
		name string
		op   func(context.Context, TxRepository, Movement) (Item, error)
		qty  int64
		want error
	}{
		{name: "deduct beyond unreserved", op: ledger.Deduct, qty: 5, want: ErrInsufficientStock},
		{name: "reserve beyond available", op: ledger.Reserve, qty: 5, want: ErrInsufficientStock},
		{name: "release beyond reserved", op: ledger.Release, qty: 7, want: ErrReservationUnderflow},
		{name: "ship beyond reserved", op: ledger.Ship, qty: 7, want: ErrReservationUnderflow},
		{name: "zero quantity", op: ledger.Increase, qty: 0, want: ErrInvalidQuantity},
		{name: "negative quantity", op: ledger.Deduct, qty: -1, want: ErrInvalidQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				_, err := tc.op(ctx, tx, Movement{WarehouseID: 1, ProductID: 10, Qty: tc.qty})
				return err
			})
			require.ErrorIs(t, err, tc.want)
			item := store.Item(1, 10)
			require.Equal(t, int64(10), item.Quantity)
			require.Equal(t, int64(6), item.ReservedQuantity)
			requireInvariant(t, store)
		})
	}
	require.Empty(t, store.Logs())
}

func TestLedgerDeductOnMissingRow(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		available, err := ledger.Available(ctx, tx, 3, 4)
		require.NoError(t, err)
		require.Zero(t, available)
		_, err = ledger.Deduct(ctx, tx, Movement{WarehouseID: 3, ProductID: 4, Qty: 1})
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.True(t, errors.Is(err, shared.ErrConflict))
}

func TestMemoryStoreRollsBackFailedTransaction(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(1, 10, 5, 0)
	ledger := NewLedger()
	boom := errors.New("boom")

	err := store.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := ledger.Increase(ctx, tx, Movement{WarehouseID: 1, ProductID: 10, Qty: 5})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(5), store.Item(1, 10).Quantity)
	require.Empty(t, store.Logs())
}

func TestServiceReceiveNotifiesIntegration(t *testing.T) {
	store := NewMemoryStore()
	integration := &recordingIntegration{err: errors.New("sweep unavailable")}
	svc := NewService(store, nil, nil, nil, integration, nil)
	ctx := shared.ContextWithActor(context.Background(), 42)

	item, err := svc.ReceiveStock(ctx, MovementInput{WarehouseID: 1, ProductID: 10, Qty: 7, Reason: "GRN"})
	require.NoError(t, err)
	require.Equal(t, int64(7), item.Quantity)
	require.Len(t, integration.events, 1)
	require.Equal(t, MovementIncrease, integration.events[0].Movement)
	require.Equal(t, int64(7), integration.events[0].NewQuantity)

	logs, err := svc.History(ctx, LogFilter{WarehouseID: 1, ProductID: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, int64(42), logs[0].ActorID)
}

func TestServiceIssueGuardsStockAndReplays(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(1, 10, 4, 0)
	idem := &memoryIdempotency{keys: map[string]struct{}{}}
	svc := NewService(store, nil, nil, idem, nil, nil)
	ctx := context.Background()

	_, err := svc.IssueStock(ctx, MovementInput{Code: "ISS-1", WarehouseID: 1, ProductID: 10, Qty: 9})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Empty(t, idem.keys, "failed issue must free its idempotency key")

	item, err := svc.IssueStock(ctx, MovementInput{Code: "ISS-1", WarehouseID: 1, ProductID: 10, Qty: 3})
	require.NoError(t, err)
	require.Equal(t, int64(1), item.Quantity)

	_, err = svc.IssueStock(ctx, MovementInput{Code: "ISS-1", WarehouseID: 1, ProductID: 10, Qty: 1})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, int64(1), store.Item(1, 10).Quantity)
}

func TestServiceRejectsBadInput(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ReceiveStock(ctx, MovementInput{ProductID: 1, Qty: 1})
	require.ErrorIs(t, err, ErrWarehouseRequired)
	_, err = svc.ReceiveStock(ctx, MovementInput{WarehouseID: 1, ProductID: 1, Qty: 1, RefID: "not-a-uuid"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.GetAvailable(ctx, 0, 1)
	require.ErrorIs(t, err, ErrWarehouseRequired)
}

func TestSortKeysDeduplicatesAndOrders(t *testing.T) {
	keys := SortKeys([]Key{{2, 1}, {1, 9}, {1, 2}, {2, 1}})
	require.Equal(t, []Key{{1, 2}, {1, 9}, {2, 1}}, keys)
}
