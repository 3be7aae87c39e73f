package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/products"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/warehouses"
	"github.com/odyssey-erp/odyssey-transfer/internal/observability"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
	"github.com/odyssey-erp/odyssey-transfer/internal/transfer"
	"github.com/odyssey-erp/odyssey-transfer/jobs"
)

type storeDirectory map[int64]int64

func (d storeDirectory) ByStore(_ context.Context, storeID int64) (warehouses.Warehouse, error) {
	for warehouseID, store := range d {
		if store == storeID {
			return warehouses.Warehouse{ID: warehouseID, Code: fmt.Sprintf("WH-%d", warehouseID)}, nil
		}
	}
	return warehouses.Warehouse{}, warehouses.ErrStoreWarehouseNotFound
}

func (d storeDirectory) Get(_ context.Context, id int64) (warehouses.Warehouse, error) {
	return warehouses.Warehouse{ID: id, Code: fmt.Sprintf("WH-%d", id)}, nil
}

type productCatalog struct{}

func (productCatalog) Get(_ context.Context, id int64) (products.Product, error) {
	return products.Product{ID: id, SKU: fmt.Sprintf("SKU-%d", id)}, nil
}

type stubCourier struct{}

func (stubCourier) CreateOrder(_ context.Context, spec shipment.OrderSpec) (shipment.OrderResult, error) {
	return shipment.OrderResult{OrderCode: "GHN-" + spec.ClientOrderCode, Fee: decimal.NewFromInt(5000)}, nil
}

func (stubCourier) GetOrderStatus(context.Context, string) (string, error) { return "picking", nil }

func (stubCourier) CancelOrder(context.Context, string) (bool, error) { return true, nil }

type testServer struct {
	inv     *inventory.MemoryStore
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := inventory.NewMemoryStore()
	directory := storeDirectory{1: 10, 2: 20}
	for warehouseID, storeID := range directory {
		inv.RegisterStoreWarehouse(warehouseID, storeID)
	}
	debtStore := debt.NewMemoryStore(inv)
	shipmentStore := shipment.NewMemoryStore(inv)
	metrics := observability.NewMetrics()

	debts := debt.NewService(debtStore, nil, nil, nil, metrics, debt.Config{MasterWarehouseID: 99}, logger)
	shipments := shipment.NewService(shipmentStore, stubCourier{}, nil, directory, productCatalog{}, nil, metrics, shipment.Config{}, logger)
	transfers := transfer.NewService(transfer.NewMemoryStore(inv, debtStore, shipmentStore), directory, inv, nil, debts,
		shipments, shipments, nil, nil, metrics, logger)
	shipmentHandler := shipment.NewHandler(logger, shipments)

	return &testServer{inv: inv, handler: NewRouter(RouterParams{
		Logger:           logger,
		Config:           &Config{AppEnv: "test"},
		TransferHandler:  transfer.NewHandler(logger, transfers, shipmentHandler.ListByTransfer),
		DebtHandler:      debt.NewHandler(logger, debts),
		ShipmentHandler:  shipmentHandler,
		InventoryHandler: inventory.NewHandler(logger, inventory.NewService(inv, nil, nil, nil, debts, logger)),
		JobHandler:       jobs.NewHandler(nil, logger),
		Metrics:          metrics,
	})}
}

func (s *testServer) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, payload)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestTransferLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.inv.Seed(2, 500, 8, 0)

	rec := srv.do(t, http.MethodPost, "/transfers", map[string]any{
		"store_id": 10,
		"items":    []map[string]any{{"product_id": 500, "quantity": 5}},
	}, "7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created transfer.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, transfer.StatusPending, created.Status)
	require.Equal(t, int64(7), created.CreatedBy)

	rec = srv.do(t, http.MethodGet, fmt.Sprintf("/transfers/preview?id=%d", created.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodPost, fmt.Sprintf("/transfers/%d/fulfill", created.ID), nil, "7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result transfer.FulfillmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, transfer.StatusCompleted, result.Request.Status)
	require.Len(t, result.ShipmentIDs, 1)
	require.Equal(t, int64(5), srv.inv.Item(2, 500).ReservedQuantity)

	rec = srv.do(t, http.MethodPost, fmt.Sprintf("/transfers/%d/fulfill", created.ID), nil, "7")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(t, http.MethodGet, fmt.Sprintf("/transfers/%d/shipments", created.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var shipments []shipment.Shipment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shipments))
	require.Len(t, shipments, 1)
	require.Equal(t, "GHN-"+shipments[0].Code, shipments[0].CourierOrderCode)

	rec = srv.do(t, http.MethodPost, fmt.Sprintf("/shipments/%d/sync", shipments[0].ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var synced shipment.Shipment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &synced))
	require.Equal(t, shipment.StatusPicking, synced.Status)
}

func TestErrorsMapToProblemResponses(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/transfers/404", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = srv.do(t, http.MethodPost, "/transfers", map[string]any{"store_id": 10, "items": []any{}}, "7")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/transfers", map[string]any{
		"store_id": 77,
		"items":    []map[string]any{{"product_id": 500, "quantity": 1}},
	}, "7")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPost, "/transfers/1/reject", map[string]any{"reason": ""}, "7")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/debts?status=LOST", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActorHeaderMustBeNumeric(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/transfers", nil, "alice")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var seen int64
	handler := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.ActorFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, int64(42), seen)
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/jobs/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{MasterWarehouseID: 1, NotifySink: NotifySinkAsynq}
	require.NoError(t, cfg.validate())

	cfg.NotifySink = "carrier-pigeon"
	require.Error(t, cfg.validate())

	cfg.NotifySink = NotifySinkKafka
	require.Error(t, cfg.validate())
	cfg.KafkaBrokers = []string{"127.0.0.1:9092"}
	cfg.KafkaNotifyTopic = "transfer.notifications"
	require.NoError(t, cfg.validate())

	cfg.MasterWarehouseID = 0
	require.Error(t, cfg.validate())
}
