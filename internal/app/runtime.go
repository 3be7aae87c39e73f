package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-transfer/internal/courier"
	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/products"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/warehouses"
	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
	"github.com/odyssey-erp/odyssey-transfer/internal/observability"
	"github.com/odyssey-erp/odyssey-transfer/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-transfer/internal/platform/db"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
	"github.com/odyssey-erp/odyssey-transfer/internal/transfer"
	"github.com/odyssey-erp/odyssey-transfer/jobs"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

// InTestMode reports whether binaries should skip connecting to backing services.
func InTestMode() bool {
	return os.Getenv(testModeEnv) == "1"
}

// Runtime holds the connected backing services and the domain services built
// on them. The API server and the worker share it.
type Runtime struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Queue   *jobs.Client
	Metrics *observability.Metrics

	Warehouses *warehouses.Service
	Inventory  *inventory.Service
	Debts      *debt.Service
	Shipments  *shipment.Service
	Transfers  *transfer.Service

	closers []func() error
}

// NewRuntime connects to Postgres and Redis and wires the services.
func NewRuntime(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runtime, error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger, Pool: pool, Metrics: observability.NewMetrics()}
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Redis = redisClient
	rt.closers = append(rt.closers, redisClient.Close)

	queue, err := jobs.NewClient(rt.RedisOpts())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("asynq client: %w", err)
	}
	rt.Queue = queue
	rt.closers = append(rt.closers, queue.Close)

	sink, err := rt.publishSink()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.wire(sink)
	return rt, nil
}

func (rt *Runtime) wire(sink notify.Sink) {
	cfg, logger := rt.Config, rt.Logger
	dispatcher := notify.NewDispatcher(sink, logger)
	ledger := inventory.NewLedger()
	audit := shared.NewAuditLogger(rt.Pool)

	rt.Warehouses = warehouses.NewService(warehouses.NewRepository(rt.Pool), logger)
	productRepo := products.NewRepository(rt.Pool)

	rt.Debts = debt.NewService(debt.NewRepository(rt.Pool), ledger, shared.NewLocker(rt.Redis), dispatcher, rt.Metrics, debt.Config{
		MasterWarehouseID: cfg.MasterWarehouseID,
		SweepLockTTL:      cfg.DebtSweepLockTTL,
	}, logger)

	inventoryRepo := inventory.NewRepository(rt.Pool)
	rt.Inventory = inventory.NewService(inventoryRepo, ledger, audit, shared.NewIdempotencyStore(rt.Pool), rt.Debts, logger)

	courierClient := courier.NewClient(courier.Config{
		BaseURL:    cfg.CourierBaseURL,
		Token:      cfg.CourierToken,
		ShopID:     cfg.CourierShopID,
		Timeout:    cfg.CourierTimeout,
		MaxRetries: cfg.CourierMaxRetries,
	}, rt.Metrics, logger)
	rt.Shipments = shipment.NewService(shipment.NewRepository(rt.Pool), courierClient, ledger, rt.Warehouses, productRepo,
		dispatcher, rt.Metrics, shipment.Config{SyncConcurrency: cfg.ShipmentSyncConcurrency}, logger)

	rt.Transfers = transfer.NewService(transfer.NewRepository(rt.Pool), rt.Warehouses, inventoryRepo, ledger, rt.Debts,
		rt.Shipments, jobs.NewShipmentRegistrar(rt.Queue, logger), audit, dispatcher, rt.Metrics, logger)
}

// RedisOpts returns the asynq connection options.
func (rt *Runtime) RedisOpts() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: rt.Config.RedisAddr}
}

// publishSink is where services hand notifications: the queue, Kafka, or
// nowhere.
func (rt *Runtime) publishSink() (notify.Sink, error) {
	switch rt.Config.NotifySink {
	case NotifySinkAsynq:
		return notify.NewAsynqSink(rt.Queue, jobs.QueueDefault), nil
	case NotifySinkKafka:
		return rt.kafkaSink(), nil
	case NotifySinkNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown notify sink %q", rt.Config.NotifySink)
}

// DeliverySink is where the worker finally delivers queued notifications:
// Kafka when brokers are configured, otherwise the log.
func (rt *Runtime) DeliverySink() notify.Sink {
	if len(rt.Config.KafkaBrokers) > 0 {
		return rt.kafkaSink()
	}
	return notify.NewLogSink(rt.Logger)
}

func (rt *Runtime) kafkaSink() notify.Sink {
	sink := notify.NewKafkaSink(notify.NewKafkaWriter(rt.Config.KafkaBrokers, rt.Config.KafkaNotifyTopic))
	rt.closers = append(rt.closers, sink.Close)
	return sink
}

// WorkerHandlers returns the asynq handlers the worker serves.
func (rt *Runtime) WorkerHandlers() []jobs.TaskHandler {
	jobMetrics := rt.Metrics.Jobs()
	shipmentJob := jobs.NewShipmentJob(rt.Shipments, rt.Logger, jobMetrics)
	sweepJob := jobs.NewDebtSweepJob(rt.Debts, rt.Logger, jobMetrics)
	notifyJob := jobs.NewNotifyJob(rt.DeliverySink(), rt.Logger, jobMetrics)
	return []jobs.TaskHandler{
		{Type: jobs.TaskShipmentSync, Handler: shipmentJob.HandleSync},
		{Type: jobs.TaskShipmentRegister, Handler: shipmentJob.HandleRegister},
		{Type: jobs.TaskShipmentSyncOpen, Handler: shipmentJob.HandleSyncOpen},
		{Type: jobs.TaskDebtSweep, Handler: sweepJob.Handle},
		{Type: jobs.TaskNotifySend, Handler: notifyJob.Handle},
	}
}

// CronRegistrations returns the periodic tasks the worker schedules.
func (rt *Runtime) CronRegistrations() ([]jobs.CronRegistration, error) {
	now := time.Now().UTC()
	syncTask, err := jobs.NewShipmentSyncOpenTask(now)
	if err != nil {
		return nil, err
	}
	sweepTask, err := jobs.NewDebtSweepTask(now)
	if err != nil {
		return nil, err
	}
	return []jobs.CronRegistration{
		{Spec: rt.Config.ShipmentSyncCron, Task: syncTask, Options: []asynq.Option{asynq.MaxRetry(0), asynq.Timeout(5 * time.Minute)}},
		{Spec: rt.Config.DebtSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1), asynq.Timeout(time.Minute)}},
	}, nil
}

// Close releases backing connections in reverse order of acquisition.
func (rt *Runtime) Close() {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := errors.Join(errs...); err != nil {
		rt.Logger.Warn("runtime close", slog.Any("error", err))
	}
}
