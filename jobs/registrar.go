package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer is the subset of asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ShipmentRegistrar hands courier registration of freshly planned shipments
// to the worker so the fulfilling request does not wait on the courier.
// Shipments whose task cannot be enqueued stay codeless and are picked up by
// the open-shipment sync.
type ShipmentRegistrar struct {
	client Enqueuer
	logger *slog.Logger
}

// NewShipmentRegistrar constructs ShipmentRegistrar.
func NewShipmentRegistrar(client Enqueuer, logger *slog.Logger) *ShipmentRegistrar {
	return &ShipmentRegistrar{client: client, logger: logger}
}

// RegisterShipments enqueues one shipment:register task per id.
func (r *ShipmentRegistrar) RegisterShipments(ctx context.Context, ids []int64) {
	for _, id := range ids {
		task, err := NewShipmentRegisterTask(id)
		if err != nil {
			logger(r.logger).Error("build register task", slog.Int64("shipment_id", id), slog.Any("error", err))
			continue
		}
		if _, err := r.client.EnqueueContext(context.WithoutCancel(ctx), task,
			asynq.MaxRetry(8),
			asynq.Timeout(time.Minute),
		); err != nil {
			logger(r.logger).Warn("enqueue shipment registration", slog.Int64("shipment_id", id), slog.Any("error", err))
		}
	}
}
