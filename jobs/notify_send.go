package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-transfer/internal/jobs"
	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
)

// NotifyJob delivers notifications queued by notify.AsynqSink to the final
// sink (Kafka or the log).
type NotifyJob struct {
	Sink    notify.Sink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotifyJob wires dependencies for the notify:send handler.
func NewNotifyJob(sink notify.Sink, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	return &NotifyJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle processes notify:send tasks.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sink == nil {
		return errors.New("notify send: handler not configured")
	}
	n, err := notify.Decode(t.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskNotifySend)
	defer func() { err = tracker.End(err) }()

	if err := j.Sink.Send(ctx, n); err != nil {
		logger(j.Logger).Warn("notification delivery failed", slog.String("event", n.Message.Event), slog.Any("error", err))
		return err
	}
	return nil
}
