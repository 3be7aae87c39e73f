package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-transfer/internal/app"
	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/warehouses"
	"github.com/odyssey-erp/odyssey-transfer/internal/platform/db"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
	"github.com/odyssey-erp/odyssey-transfer/internal/transfer"
	"github.com/odyssey-erp/odyssey-transfer/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	if err := db.Migrate(ctx, rt.Pool); err != nil {
		logger.Error("migrate schema", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(rt.RedisOpts())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	shipmentHandler := shipment.NewHandler(logger, rt.Shipments)
	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		TransferHandler:  transfer.NewHandler(logger, rt.Transfers, shipmentHandler.ListByTransfer),
		DebtHandler:      debt.NewHandler(logger, rt.Debts),
		ShipmentHandler:  shipmentHandler,
		InventoryHandler: inventory.NewHandler(logger, rt.Inventory),
		WarehouseHandler: warehouses.NewHandler(logger, rt.Warehouses),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          rt.Metrics,
		Database:         rt.Pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
