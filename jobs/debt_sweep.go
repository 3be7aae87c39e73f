package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-transfer/internal/jobs"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// DebtSweeper flips PENDING debt orders the master warehouse can cover.
type DebtSweeper interface {
	CheckFulfillable(ctx context.Context) (int, error)
}

// DebtSweepJob runs the debt sweep on a schedule.
type DebtSweepJob struct {
	Debts   DebtSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDebtSweepJob wires dependencies for the sweep handler.
func NewDebtSweepJob(debts DebtSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *DebtSweepJob {
	return &DebtSweepJob{Debts: debts, Logger: logger, Metrics: metrics}
}

// Handle processes debt:sweep tasks. A sweep held by another process is
// skipped; the next tick catches up.
func (j *DebtSweepJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Debts == nil {
		return errors.New("debt sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskDebtSweep)
	defer func() { err = tracker.End(err) }()

	flipped, err := j.Debts.CheckFulfillable(ctx)
	if errors.Is(err, shared.ErrLockNotAcquired) {
		logger(j.Logger).Info("debt sweep already running elsewhere")
		return nil
	}
	if err != nil {
		logger(j.Logger).Error("debt sweep", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskDebtSweep, flipped)
	if flipped > 0 {
		logger(j.Logger).Info("debt sweep flipped orders", slog.Int("flipped", flipped))
	}
	return nil
}
