package courier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

type recordingMetrics struct {
	mu    sync.Mutex
	calls map[string][]error
}

func (m *recordingMetrics) CourierCall(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[operation] = append(m.calls[operation], err)
}

func newTestClient(url string, metrics MetricsPort) *Client {
	return NewClient(Config{BaseURL: url + "/", Token: "secret", ShopID: "42", MaxRetries: 2, Backoff: time.Millisecond}, metrics, nil)
}

func writeData(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": "Success", "data": data}))
}

func TestCreateOrder(t *testing.T) {
	eta := time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/shipping-order/create", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("Token"))
		require.Equal(t, "42", r.Header.Get("ShopId"))
		var spec shipment.OrderSpec
		require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
		require.Equal(t, "SHP-1-ABCDEF12", spec.ClientOrderCode)
		require.Len(t, spec.Items, 1)
		writeData(t, w, map[string]any{"order_code": "GHN123", "total_fee": 33000.5, "expected_delivery_time": eta})
	}))
	defer server.Close()
	metrics := &recordingMetrics{calls: map[string][]error{}}

	result, err := newTestClient(server.URL, metrics).CreateOrder(context.Background(), shipment.OrderSpec{
		ClientOrderCode: "SHP-1-ABCDEF12",
		Items:           []shipment.OrderItem{{Name: "Widget", Code: "W-1", Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, "GHN123", result.OrderCode)
	require.True(t, decimal.RequireFromString("33000.5").Equal(result.Fee))
	require.True(t, eta.Equal(result.ExpectedDelivery))
	require.Equal(t, []error{nil}, metrics.calls["create_order"])
}

func TestRetriesTransientStatus(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeData(t, w, map[string]any{"status": "picking"})
	}))
	defer server.Close()

	status, err := newTestClient(server.URL, nil).GetOrderStatus(context.Background(), "GHN123")
	require.NoError(t, err)
	require.Equal(t, "picking", status)
	require.Equal(t, int32(3), attempts.Load())
}

func TestDoesNotRetryAmbiguousFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()
	metrics := &recordingMetrics{calls: map[string][]error{}}

	_, err := newTestClient(server.URL, metrics).CreateOrder(context.Background(), shipment.OrderSpec{ClientOrderCode: "SHP-1-X"})
	require.ErrorIs(t, err, shipment.ErrExternalService)
	require.ErrorIs(t, err, shared.ErrExternal)
	require.Equal(t, int32(1), attempts.Load())
	require.Len(t, metrics.calls["create_order"], 1)
	require.Error(t, metrics.calls["create_order"][0])
}

func TestStatusPollRetriesServerErrorsAndTimeouts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch attempts.Add(1) {
		case 1:
			http.Error(w, "boom", http.StatusInternalServerError)
		case 2:
			time.Sleep(200 * time.Millisecond)
		default:
			writeData(t, w, map[string]any{"status": "delivered"})
		}
	}))
	defer server.Close()
	client := NewClient(Config{BaseURL: server.URL, Token: "secret", Timeout: 50 * time.Millisecond, MaxRetries: 2, Backoff: time.Millisecond}, nil, nil)

	status, err := client.GetOrderStatus(context.Background(), "GHN123")
	require.NoError(t, err)
	require.Equal(t, "delivered", status)
	require.Equal(t, int32(3), attempts.Load())
}

func TestRetryRulesDependOnWhetherCallChangesState(t *testing.T) {
	serverErr := &statusError{status: http.StatusBadGateway, message: "upstream"}
	timeout := &url.Error{Op: "Post", URL: "http://courier", Err: context.DeadlineExceeded}
	require.True(t, retryable(serverErr, true))
	require.False(t, retryable(serverErr, false))
	require.True(t, retryable(timeout, true))
	require.False(t, retryable(timeout, false))
	require.True(t, retryable(&statusError{status: http.StatusTooManyRequests}, false))
	require.False(t, retryable(&statusError{status: http.StatusBadRequest}, true))
	require.False(t, retryable(errors.New("decode courier response: EOF"), true))
}

func TestRetriesGiveUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, nil).GetOrderStatus(context.Background(), "GHN123")
	require.ErrorIs(t, err, shipment.ErrExternalService)
	require.Equal(t, int32(3), attempts.Load())
}

func TestUnreachableCourierIsExternalError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(url, nil).CreateOrder(context.Background(), shipment.OrderSpec{ClientOrderCode: "SHP-1-X"})
	require.ErrorIs(t, err, shipment.ErrExternalService)
}

func TestCancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/switch-status/cancel", r.URL.Path)
		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeData(t, w, []map[string]any{{"order_code": body["order_codes"][0], "result": body["order_codes"][0] == "OK1"}})
	}))
	defer server.Close()
	client := newTestClient(server.URL, nil)

	ok, err := client.CancelOrder(context.Background(), "OK1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.CancelOrder(context.Background(), "LATE1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRejectedEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":400,"message":"invalid address","data":null}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, nil).GetOrderStatus(context.Background(), "GHN123")
	require.ErrorIs(t, err, shipment.ErrExternalService)
	require.Contains(t, err.Error(), "invalid address")
}
