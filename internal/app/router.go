package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/availability"
	"github.com/meridian-erp/meridian-erp/internal/delivery"
	"github.com/meridian-erp/meridian-erp/internal/expense"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/orders"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	StockHandler        *ledger.Handler
	AvailabilityHandler *availability.Handler
	OrdersHandler       *orders.Handler
	DeliveryHandler     *delivery.Handler
	ExpenseHandler      *expense.Handler
	JobsHandler         *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		params.StockHandler.MountRoutes(r)
		params.AvailabilityHandler.MountRoutes(r)
		params.OrdersHandler.MountRoutes(r)
		params.DeliveryHandler.MountRoutes(r)
		if params.ExpenseHandler != nil {
			params.ExpenseHandler.MountRoutes(r)
		}
		if params.JobsHandler != nil {
			params.JobsHandler.MountRoutes(r)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
