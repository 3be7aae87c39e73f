// Package notify delivers fire-and-forget notifications about transfer,
// debt and shipment status changes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Message is the body of a notification.
type Message struct {
	Event   string         `json:"event"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Refs    map[string]any `json:"refs,omitempty"`
	At      time.Time      `json:"at"`
}

// Notification addresses a message to recipients such as "store:12" or
// "warehouse:3".
type Notification struct {
	Recipients []string `json:"recipients"`
	Message    Message  `json:"message"`
}

// Sink delivers notifications to a transport.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Encode serialises a notification for queue transports.
func Encode(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// Decode parses a queued notification.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("notify: decode: %w", err)
	}
	return n, nil
}

// StoreRecipient addresses the staff of a store.
func StoreRecipient(storeID int64) string {
	return fmt.Sprintf("store:%d", storeID)
}

// WarehouseRecipient addresses the staff of a warehouse.
func WarehouseRecipient(warehouseID int64) string {
	return fmt.Sprintf("warehouse:%d", warehouseID)
}

// ActorRecipient addresses a single user.
func ActorRecipient(actorID int64) string {
	return fmt.Sprintf("user:%d", actorID)
}

// Dispatcher sends notifications without ever failing the caller.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewDispatcher constructs a Dispatcher. A nil sink drops every message.
func NewDispatcher(sink Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sink: sink, logger: logger, timeout: 5 * time.Second}
}

// Notify delivers msg to recipients. Failures are logged and swallowed.
func (d *Dispatcher) Notify(ctx context.Context, recipients []string, msg Message) {
	if d == nil || d.sink == nil || len(recipients) == 0 {
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	// detach from request cancellation; the triggering transaction has already committed
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.sink.Send(sendCtx, Notification{Recipients: recipients, Message: msg}); err != nil {
		d.logger.Warn("notification dropped",
			slog.String("event", msg.Event),
			slog.String("subject", msg.Subject),
			slog.Any("error", err))
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		slog.String("event", n.Message.Event),
		slog.String("subject", n.Message.Subject),
		slog.Any("recipients", n.Recipients))
	return nil
}
