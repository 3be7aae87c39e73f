package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-transfer/internal/jobs"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
)

// ShipmentService is the slice of shipment.Service driven by the worker.
type ShipmentService interface {
	Register(ctx context.Context, id int64) (shipment.Shipment, error)
	SyncStatus(ctx context.Context, id int64) (shipment.Shipment, error)
	SyncOpen(ctx context.Context) (int, error)
}

// ShipmentJob polls and registers shipments with the courier.
type ShipmentJob struct {
	Shipments ShipmentService
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewShipmentJob wires dependencies for the shipment handlers.
func NewShipmentJob(shipments ShipmentService, logger *slog.Logger, metrics *jobmetrics.Metrics) *ShipmentJob {
	return &ShipmentJob{Shipments: shipments, Logger: logger, Metrics: metrics}
}

// HandleSync processes shipment:sync tasks.
func (j *ShipmentJob) HandleSync(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Shipments == nil {
		return errors.New("shipment sync: handler not configured")
	}
	payload, err := decodeShipment(t)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskShipmentSync)
	defer func() { err = tracker.End(err) }()

	updated, err := j.Shipments.SyncStatus(ctx, payload.ShipmentID)
	if err != nil {
		return retryable(err)
	}
	logger(j.Logger).Debug("shipment synced", slog.Int64("shipment_id", updated.ID), slog.String("status", string(updated.Status)))
	return nil
}

// HandleRegister processes shipment:register tasks.
func (j *ShipmentJob) HandleRegister(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Shipments == nil {
		return errors.New("shipment register: handler not configured")
	}
	payload, err := decodeShipment(t)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskShipmentRegister)
	defer func() { err = tracker.End(err) }()

	registered, err := j.Shipments.Register(ctx, payload.ShipmentID)
	if err != nil {
		logger(j.Logger).Warn("shipment registration failed", slog.Int64("shipment_id", payload.ShipmentID), slog.Any("error", err))
		return retryable(err)
	}
	logger(j.Logger).Info("shipment registered", slog.Int64("shipment_id", registered.ID), slog.String("courier_order_code", registered.CourierOrderCode))
	return nil
}

// HandleSyncOpen processes shipment:sync_open tasks. Per-shipment failures are
// logged and retried on the next tick rather than by asynq.
func (j *ShipmentJob) HandleSyncOpen(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Shipments == nil {
		return errors.New("shipment sync open: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskShipmentSyncOpen)
	defer func() { err = tracker.End(err) }()

	synced, err := j.Shipments.SyncOpen(ctx)
	j.Metrics.AddItems(TaskShipmentSyncOpen, synced)
	if err != nil {
		logger(j.Logger).Warn("open shipment sync incomplete", slog.Int("synced", synced), slog.Any("error", err))
		return nil
	}
	logger(j.Logger).Info("open shipments synced", slog.Int("synced", synced))
	return nil
}

func decodeShipment(t *asynq.Task) (ShipmentPayload, error) {
	var payload ShipmentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ShipmentID <= 0 {
		return ShipmentPayload{}, fmt.Errorf("decode %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	return payload, nil
}

// retryable stops asynq from retrying errors a retry cannot fix.
func retryable(err error) error {
	switch {
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrValidation):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
