package transfer

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-transfer/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

// Handler exposes transfer request endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	shipments http.HandlerFunc
}

// NewHandler constructs the handler. shipments serves the request's shipment
// list and may be nil.
func NewHandler(logger *slog.Logger, service *Service, shipments http.HandlerFunc) *Handler {
	return &Handler{logger: logger, service: service, shipments: shipments}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/preview", h.preview)
	r.Get("/{id}", h.get)
	r.Get("/{id}/preview", h.preview)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/cancel", h.cancel)
	r.Post("/{id}/fulfill", h.fulfill)
	if h.shipments != nil {
		r.Get("/{id}/shipments", h.shipments)
	}
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.QueryInt64(r, "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.List(r.Context(), ListFilter{
		StoreID: storeID,
		Status:  Status(r.URL.Query().Get("status")),
		Limit:   int(limit),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	req, err := h.service.Create(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, req)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

// preview accepts the request id as a path segment or as ?id=.
func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var (
		id  int64
		err error
	)
	if chi.URLParam(r, "id") != "" {
		id, err = httpx.IDParam(r, "id")
	} else {
		id, err = httpx.QueryInt64(r, "id")
	}
	if err == nil && id <= 0 {
		err = fmt.Errorf("invalid id: %w", shared.ErrValidation)
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.Preview(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Approve(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var payload rejectRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Reject(r.Context(), id, shared.ActorFromContext(r.Context()), payload.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Cancel(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) fulfill(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Fulfill(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("transfer fulfillment failed", slog.Int64("transfer_request_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
