package inventory

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-transfer/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/available", h.handleAvailable)
	r.Get("/logs", h.handleLogs)
	r.Post("/receipts", h.handleReceipt)
	r.Post("/issues", h.handleIssue)
}

type availabilityResponse struct {
	WarehouseID int64     `json:"warehouse_id"`
	ProductID   int64     `json:"product_id"`
	Quantity    int64     `json:"quantity"`
	Reserved    int64     `json:"reserved_quantity"`
	Available   int64     `json:"available"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toAvailability(item Item) availabilityResponse {
	return availabilityResponse{
		WarehouseID: item.WarehouseID,
		ProductID:   item.ProductID,
		Quantity:    item.Quantity,
		Reserved:    item.ReservedQuantity,
		Available:   item.Available(),
		UpdatedAt:   item.UpdatedAt,
	}
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.QueryInt64(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.GetAvailable(r.Context(), warehouseID, productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAvailability(item))
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.QueryInt64(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	logs, err := h.service.History(r.Context(), LogFilter{WarehouseID: warehouseID, ProductID: productID, Limit: 500})
	if err != nil {
		h.logger.Error("failed to list inventory logs", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, logs)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	h.handleMovement(w, r, h.service.ReceiveStock)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	h.handleMovement(w, r, h.service.IssueStock)
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request, post func(context.Context, MovementInput) (Item, error)) {
	var input MovementInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	item, err := post(r.Context(), input)
	if err != nil {
		h.logger.Warn("inventory movement rejected", slog.Int64("warehouse_id", input.WarehouseID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAvailability(item))
}
