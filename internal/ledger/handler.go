package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes stock balance and movement endpoints.
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

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock", h.listBalances)
	r.Get("/stock/movements", h.listMovements)
	r.Get("/stock/summary", h.summarize)
	r.Get("/stock/overview", h.overview)
	r.Post("/stock/adjust", h.adjust)
	r.Post("/stock/transfer", h.transfer)
	r.Post("/stock/count", h.count)
}

type adjustRequest struct {
	ProductID   int64    `json:"product_id" validate:"required"`
	WarehouseID int64    `json:"warehouse_id" validate:"required"`
	Quantity    float64  `json:"quantity"`
	Kind        string   `json:"kind" validate:"required,oneof=add remove set"`
	Reason      string   `json:"reason"`
	Reference   string   `json:"reference" validate:"omitempty,max=64"`
	IsLoss      bool     `json:"is_loss"`
	UnitCost    *float64 `json:"unit_cost,omitempty"`
	ActorID     int64    `json:"actor_id"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	result, err := h.service.Adjust(r.Context(), AdjustInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		Kind:        AdjustmentKind(req.Kind),
		Reason:      req.Reason,
		Reference:   req.Reference,
		IsLoss:      req.IsLoss,
		UnitCost:    req.UnitCost,
		ActorID:     req.ActorID,
	})
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type transferRequest struct {
	ProductID       int64   `json:"product_id" validate:"required"`
	FromWarehouseID int64   `json:"from_warehouse_id" validate:"required"`
	ToWarehouseID   int64   `json:"to_warehouse_id" validate:"required"`
	Quantity        float64 `json:"quantity" validate:"required,gt=0"`
	Note            string  `json:"note"`
	Reference       string  `json:"reference" validate:"omitempty,max=64"`
	ActorID         int64   `json:"actor_id"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	result, err := h.service.Transfer(r.Context(), TransferInput{
		ProductID:       req.ProductID,
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		Quantity:        req.Quantity,
		Note:            req.Note,
		Reference:       req.Reference,
		ActorID:         req.ActorID,
	})
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type countRequest struct {
	ProductID       int64   `json:"product_id" validate:"required"`
	WarehouseID     int64   `json:"warehouse_id" validate:"required"`
	CountedQuantity float64 `json:"counted_quantity" validate:"gte=0"`
	Note            string  `json:"note"`
	ActorID         int64   `json:"actor_id"`
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	result, err := h.service.PhysicalCount(r.Context(), CountInput{
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		CountedQuantity: req.CountedQuantity,
		Note:            req.Note,
		ActorID:         req.ActorID,
	})
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listBalances(w http.ResponseWriter, r *http.Request) {
	warehouseID := queryInt64(r, "warehouse_id")
	productID := queryInt64(r, "product_id")

	if productID != 0 && warehouseID != 0 {
		balance, err := h.service.GetBalance(r.Context(), productID, warehouseID)
		if err != nil {
			h.respondLedgerError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, balance)
		return
	}

	balances, err := h.service.ListBalances(r.Context(), warehouseID)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balances)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	filter := MovementFilter{
		ProductID:   queryInt64(r, "product_id"),
		WarehouseID: queryInt64(r, "warehouse_id"),
		Type:        MovementType(r.URL.Query().Get("type")),
		From:        queryTime(r, "from"),
		To:          queryTime(r, "to"),
		Limit:       int(queryInt64(r, "limit")),
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown movement type")
		return
	}

	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) summarize(w http.ResponseWriter, r *http.Request) {
	warehouseID := queryInt64(r, "warehouse_id")
	from := queryTime(r, "from")
	to := queryTime(r, "to")
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}

	summary, err := h.service.SummarizeMovements(r.Context(), warehouseID, from, to)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

type stockOverview struct {
	Balances []Balance     `json:"balances"`
	Summary  []TypeSummary `json:"summary"`
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	warehouseID := queryInt64(r, "warehouse_id")
	to := queryTime(r, "to")
	if to.IsZero() {
		to = time.Now().UTC()
	}
	from := queryTime(r, "from")
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}

	out := stockOverview{From: from, To: to}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		balances, err := h.service.ListBalances(ctx, warehouseID)
		if err != nil {
			return err
		}
		out.Balances = balances
		return nil
	})
	g.Go(func() error {
		summary, err := h.service.SummarizeMovements(ctx, warehouseID, from, to)
		if err != nil {
			return err
		}
		out.Summary = summary
		return nil
	})
	if err := g.Wait(); err != nil {
		h.respondLedgerError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrNegativeTarget),
		errors.Is(err, ErrSameWarehouse):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ErrNegativeStock),
		errors.Is(err, ErrRemoveExceedsBalance):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrBalanceNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("stock request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}

func queryTime(r *http.Request, key string) time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
