package availability

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes availability lookups.
type Handler struct {
	logger   *slog.Logger
	calc     *Calculator
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, calc *Calculator) *Handler {
	return &Handler{
		logger:   logger,
		calc:     calc,
		validate: validator.New(),
	}
}

// MountRoutes registers availability routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/availability", h.available)
	r.Post("/availability/batch", h.batch)
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	q := Query{
		ProductID:      queryInt64(r, "product_id"),
		WarehouseID:    queryInt64(r, "warehouse_id"),
		ExcludeOrderID: queryInt64(r, "exclude_order_id"),
	}
	if q.ProductID == 0 || q.WarehouseID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "product_id and warehouse_id required")
		return
	}

	available, err := h.calc.Available(r.Context(), q)
	if err != nil {
		h.logger.Error("availability lookup failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id":   q.ProductID,
		"warehouse_id": q.WarehouseID,
		"available":    available,
	})
}

type batchRequest struct {
	ProductIDs     []int64 `json:"product_ids" validate:"required,min=1"`
	WarehouseID    int64   `json:"warehouse_id" validate:"required"`
	ExcludeOrderID int64   `json:"exclude_order_id"`
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	result, err := h.calc.AvailableBatch(r.Context(), req.ProductIDs, req.WarehouseID, req.ExcludeOrderID)
	if err != nil {
		h.logger.Error("availability batch failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}
