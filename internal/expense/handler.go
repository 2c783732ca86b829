package expense

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes expense listings.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers expense routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/expenses", h.list)
	r.Get("/expenses/summary", h.summary)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	records, err := h.repo.List(r.Context(), f)
	if err != nil {
		h.logger.Error("expense list failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	sums, err := h.repo.SumByCategory(r.Context(), f)
	if err != nil {
		h.logger.Error("expense summary failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sums)
}

func filterFromQuery(r *http.Request) ListFilter {
	f := ListFilter{Category: Category(r.URL.Query().Get("category"))}
	if raw := r.URL.Query().Get("from"); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			f.From = &t
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			f.To = &t
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	return f
}
