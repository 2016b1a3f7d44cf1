package monitor

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/pharmacy/internal/platform/httpx"
)

// Handler exposes stock alerts over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the monitor handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers monitor routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/low-stock", h.lowStock)
	r.Get("/expiring", h.expiring)
	r.Get("/summary", h.summary)
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.service.ListLowStock(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alerts)
}

func (h *Handler) expiring(w http.ResponseWriter, r *http.Request) {
	horizon := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > 3650 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "days must be between 0 and 3650")
			return
		}
		horizon = parsed
	}
	alerts, err := h.service.ListExpiringSoon(r.Context(), horizon)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alerts)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("monitor query failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
