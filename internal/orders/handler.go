package orders

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes order endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders", h.list)
	r.Post("/orders", h.create)
	r.Get("/orders/{id}", h.get)
	r.Post("/orders/{id}/confirm", h.confirm)
	r.Post("/orders/{id}/items/{itemID}/confirm", h.confirmItem)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Delete("/orders/{id}", h.remove)
}

type createItemRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
	Discount  float64 `json:"discount" validate:"gte=0"`
}

type createRequest struct {
	ClientID    int64               `json:"client_id" validate:"required"`
	SellerID    int64               `json:"seller_id"`
	WarehouseID int64               `json:"warehouse_id" validate:"required"`
	Date        string              `json:"date"`
	Discount    float64             `json:"discount" validate:"gte=0"`
	Tax         float64             `json:"tax" validate:"gte=0"`
	Notes       string              `json:"notes"`
	Items       []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	date := time.Now().UTC()
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	in := CreateInput{
		ClientID:    req.ClientID,
		SellerID:    req.SellerID,
		WarehouseID: req.WarehouseID,
		Date:        date,
		Discount:    req.Discount,
		Tax:         req.Tax,
		Notes:       req.Notes,
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, CreateItemInput{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Discount:  item.Discount,
		})
	}

	order, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.service.Confirm(r.Context(), id)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

type confirmItemRequest struct {
	Quantity float64 `json:"quantity" validate:"gte=0"`
}

func (h *Handler) confirmItem(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}

	var req confirmItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	item, err := h.service.ConfirmItemQuantity(r.Context(), orderID, itemID, req.Quantity)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondOrderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		WarehouseID: queryInt64(r, "warehouse_id"),
		ClientID:    queryInt64(r, "client_id"),
		Status:      Status(r.URL.Query().Get("status")),
		Limit:       int(queryInt64(r, "limit")),
	}
	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondOrderError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) respondOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNoItems),
		errors.Is(err, ErrConfirmExceedsOrdered):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ErrNotPending),
		errors.Is(err, ErrNotCancellable),
		errors.Is(err, ErrNotDeletable):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("order request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}
