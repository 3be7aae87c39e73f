package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-transfer/internal/debt"
	"github.com/odyssey-erp/odyssey-transfer/internal/inventory"
	"github.com/odyssey-erp/odyssey-transfer/internal/masterdata/warehouses"
	"github.com/odyssey-erp/odyssey-transfer/internal/observability"
	"github.com/odyssey-erp/odyssey-transfer/internal/shipment"
	"github.com/odyssey-erp/odyssey-transfer/internal/transfer"
	"github.com/odyssey-erp/odyssey-transfer/jobs"
)

// Pinger reports backing service health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	TransferHandler  *transfer.Handler
	DebtHandler      *debt.Handler
	ShipmentHandler  *shipment.Handler
	InventoryHandler *inventory.Handler
	WarehouseHandler *warehouses.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
	Database         Pinger
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Database.Ping(ctx); err != nil {
				params.Logger.Warn("health check database", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.TransferHandler != nil {
		r.Route("/transfers", params.TransferHandler.MountRoutes)
	}
	if params.DebtHandler != nil {
		r.Route("/debts", params.DebtHandler.MountRoutes)
	}
	if params.ShipmentHandler != nil {
		r.Route("/shipments", params.ShipmentHandler.MountRoutes)
	}
	if params.InventoryHandler != nil {
		r.Route("/inventory", params.InventoryHandler.MountRoutes)
	}
	if params.WarehouseHandler != nil {
		r.Route("/warehouses", params.WarehouseHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
