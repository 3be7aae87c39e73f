package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

// Config groups courier API settings.
type Config struct {
	BaseURL    string
	Token      string
	ShopID     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// MetricsPort records courier call outcomes.
type MetricsPort interface {
	CourierCall(operation string, err error)
}

// Client wraps interactions with the courier shipping API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metrics    MetricsPort
	logger     *slog.Logger
}

var _ shipment.Courier = (*Client)(nil)

// NewClient constructs a new client.
func NewClient(cfg Config, metrics MetricsPort, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		metrics: metrics,
		logger:  logger,
	}
}

type createOrderResponse struct {
	OrderCode            string          `json:"order_code"`
	TotalFee             decimal.Decimal `json:"total_fee"`
	ExpectedDeliveryTime time.Time       `json:"expected_delivery_time"`
}

// CreateOrder books a shipment. The client order code makes the call safe to
// repeat, so only failures where the request never reached the courier are retried.
func (c *Client) CreateOrder(ctx context.Context, spec shipment.OrderSpec) (shipment.OrderResult, error) {
	var out createOrderResponse
	if err := c.do(ctx, "create_order", "/shipping-order/create", false, spec, &out); err != nil {
		return shipment.OrderResult{}, err
	}
	if out.OrderCode == "" {
		return shipment.OrderResult{}, fmt.Errorf("courier: create_order: empty order code: %w", shipment.ErrExternalService)
	}
	return shipment.OrderResult{
		OrderCode:        out.OrderCode,
		Fee:              out.TotalFee,
		ExpectedDelivery: out.ExpectedDeliveryTime,
	}, nil
}

// GetOrderStatus returns the courier's raw status code for an order. It only
// reads, so timeouts and server errors are retried too.
func (c *Client) GetOrderStatus(ctx context.Context, orderCode string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "order_status", "/shipping-order/detail", true, map[string]string{"order_code": orderCode}, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// CancelOrder asks the courier to cancel an order; false means it refused.
func (c *Client) CancelOrder(ctx context.Context, orderCode string) (bool, error) {
	var out []struct {
		OrderCode string `json:"order_code"`
		Result    bool   `json:"result"`
	}
	if err := c.do(ctx, "cancel_order", "/switch-status/cancel", false, map[string][]string{"order_codes": {orderCode}}, &out); err != nil {
		return false, err
	}
	for _, r := range out {
		if r.OrderCode == orderCode {
			return r.Result, nil
		}
	}
	return false, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("courier returned status %d: %s", e.status, e.message)
}

// retryable reports failures worth another attempt. Calls that change courier
// state retry only when the courier cannot have acted on the request; reads
// also retry timeouts, dropped connections and server errors.
func retryable(err error, readOnly bool) bool {
	var se *statusError
	if errors.As(err, &se) {
		if se.status == http.StatusTooManyRequests || se.status == http.StatusServiceUnavailable {
			return true
		}
		return readOnly && se.status >= http.StatusInternalServerError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var urlErr *url.Error
	return readOnly && errors.As(err, &urlErr)
}

func (c *Client) do(ctx context.Context, operation, path string, readOnly bool, in, out any) (err error) {
	defer func() {
		if c.metrics != nil {
			c.metrics.CourierCall(operation, err)
		}
	}()
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	backoff := c.cfg.Backoff
	for attempt := 0; ; attempt++ {
		err = c.send(ctx, path, payload, out)
		if err == nil || !retryable(err, readOnly) || attempt >= c.cfg.MaxRetries {
			break
		}
		c.logger.Warn("courier call retry", slog.String("operation", operation), slog.Int("attempt", attempt+1), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("courier: %s: %w: %w", operation, shipment.ErrExternalService, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return fmt.Errorf("courier: %s: %w: %w", operation, shipment.ErrExternalService, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", c.cfg.Token)
	if c.cfg.ShopID != "" {
		req.Header.Set("ShopId", c.cfg.ShopID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &statusError{status: resp.StatusCode, message: strings.TrimSpace(string(body))}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode courier response: %w", err)
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return fmt.Errorf("courier rejected request with code %d: %s", env.Code, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
