package delivery

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/returns"
)

// Handler exposes delivery run and return endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	returns  *returns.Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, returnsSvc *returns.Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		returns:  returnsSvc,
		validate: validator.New(),
	}
}

// MountRoutes registers delivery routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/deliveries", h.list)
	r.Post("/deliveries", h.create)
	r.Get("/deliveries/active", h.active)
	r.Get("/deliveries/{id}", h.get)
	r.Post("/deliveries/{id}/start", h.start)
	r.Post("/deliveries/{id}/complete", h.complete)
	r.Post("/deliveries/{id}/cancel", h.cancel)
	r.Post("/deliveries/{id}/orders/{orderID}/deliver", h.deliverStop)
	r.Post("/deliveries/{id}/orders/{orderID}/partial", h.partialStop)
	r.Post("/deliveries/{id}/orders/{orderID}/fail", h.failStop)
	r.Post("/deliveries/{id}/orders/{orderID}/postpone", h.postponeStop)
	r.Get("/deliveries/{id}/returns", h.listReturns)
	r.Post("/deliveries/{id}/returns/process", h.processReturns)
	r.Post("/returns/{id}/process", h.processReturn)
}

type createRequest struct {
	DriverID  int64   `json:"driver_id" validate:"required"`
	VehicleID *int64  `json:"vehicle_id"`
	Date      string  `json:"date" validate:"required"`
	OrderIDs  []int64 `json:"order_ids" validate:"required,min=1"`
	Notes     string  `json:"notes"`
	ActorID   int64   `json:"actor_id"`
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
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "date must be YYYY-MM-DD")
		return
	}

	d, err := h.service.Create(r.Context(), CreateInput{
		DriverID:  req.DriverID,
		VehicleID: req.VehicleID,
		Date:      date,
		OrderIDs:  req.OrderIDs,
		Notes:     req.Notes,
		ActorID:   req.ActorID,
	})
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Start(r.Context(), id, actorID(r))
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Complete(r.Context(), id, actorID(r))
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id, actorID(r)); err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deliverRequest struct {
	AmountCollected *float64 `json:"amount_collected"`
	ActorID         int64    `json:"actor_id"`
}

func (h *Handler) deliverStop(w http.ResponseWriter, r *http.Request) {
	deliveryID, orderID, ok := h.stopIDs(w, r)
	if !ok {
		return
	}
	var req deliverRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}

	stop, err := h.service.DeliverStop(r.Context(), deliveryID, orderID, DeliverInput{
		AmountCollected: req.AmountCollected,
		ActorID:         req.ActorID,
	})
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stop)
}

type partialLineRequest struct {
	ProductID         int64   `json:"product_id" validate:"required"`
	QuantityDelivered float64 `json:"quantity_delivered" validate:"gte=0"`
	QuantityReturned  float64 `json:"quantity_returned" validate:"gte=0"`
	ReturnReason      string  `json:"return_reason"`
}

type partialRequest struct {
	Items           []partialLineRequest `json:"items" validate:"required,min=1,dive"`
	AmountCollected float64              `json:"amount_collected" validate:"gte=0"`
	ActorID         int64                `json:"actor_id"`
}

func (h *Handler) partialStop(w http.ResponseWriter, r *http.Request) {
	deliveryID, orderID, ok := h.stopIDs(w, r)
	if !ok {
		return
	}
	var req partialRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	in := PartialInput{AmountCollected: req.AmountCollected, ActorID: req.ActorID}
	for _, line := range req.Items {
		in.Lines = append(in.Lines, PartialLine{
			ProductID:         line.ProductID,
			QuantityDelivered: line.QuantityDelivered,
			QuantityReturned:  line.QuantityReturned,
			ReturnReason:      returns.Reason(line.ReturnReason),
		})
	}

	stop, err := h.service.PartialStop(r.Context(), deliveryID, orderID, in)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stop)
}

type failRequest struct {
	Reason  string `json:"reason" validate:"required"`
	ActorID int64  `json:"actor_id"`
}

func (h *Handler) failStop(w http.ResponseWriter, r *http.Request) {
	deliveryID, orderID, ok := h.stopIDs(w, r)
	if !ok {
		return
	}
	var req failRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	stop, err := h.service.FailStop(r.Context(), deliveryID, orderID, FailInput{
		Reason:  req.Reason,
		ActorID: req.ActorID,
	})
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stop)
}

type postponeRequest struct {
	Notes   string `json:"notes"`
	ActorID int64  `json:"actor_id"`
}

func (h *Handler) postponeStop(w http.ResponseWriter, r *http.Request) {
	deliveryID, orderID, ok := h.stopIDs(w, r)
	if !ok {
		return
	}
	var req postponeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}

	stop, err := h.service.PostponeStop(r.Context(), deliveryID, orderID, req.Notes, req.ActorID)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stop)
}

func (h *Handler) listReturns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	records, err := h.returns.ListByDelivery(r.Context(), id)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, records)
}

type processReturnsRequest struct {
	WarehouseID int64 `json:"warehouse_id" validate:"required"`
	ActorID     int64 `json:"actor_id"`
}

func (h *Handler) processReturns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req processReturnsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	processed, err := h.returns.ProcessAll(r.Context(), id, req.WarehouseID, req.ActorID)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"processed": processed})
}

func (h *Handler) processReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req processReturnsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	if err := h.returns.Process(r.Context(), id, req.WarehouseID, req.ActorID); err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	record, err := h.returns.Get(r.Context(), id)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Status:   Status(r.URL.Query().Get("status")),
		DriverID: queryInt64(r, "driver_id"),
		Limit:    int(queryInt64(r, "limit")),
	}
	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) active(w http.ResponseWriter, r *http.Request) {
	driverID := queryInt64(r, "driver_id")
	if driverID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "driver_id required")
		return
	}
	d, err := h.service.ActiveForDriver(r.Context(), driverID)
	if err != nil {
		h.respondDeliveryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) respondDeliveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, returns.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNoOrders),
		errors.Is(err, ErrExceedsConfirmed),
		errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrMixedWarehouses):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ErrNotPreparing),
		errors.Is(err, ErrNotInProgress),
		errors.Is(err, ErrStopResolved),
		errors.Is(err, ErrOrderNotConfirmed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("delivery request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) stopIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	deliveryID, ok := h.pathID(w, r, "id")
	if !ok {
		return 0, 0, false
	}
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return 0, 0, false
	}
	return deliveryID, orderID, true
}

func actorID(r *http.Request) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get("actor_id"), 10, 64)
	return v
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}
