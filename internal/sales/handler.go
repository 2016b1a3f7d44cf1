package sales

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/pharmacy/internal/shared"
)

// IdempotencyHeader carries the client's retry key for sale submission.
const IdempotencyHeader = "Idempotency-Key"

// Handler manages sales endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createSale)
	r.Get("/{id}", h.showSale)
	r.Post("/{id}/void", h.voidSale)
	r.Post("/{id}/refund", h.refundSale)
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	sale, err := h.service.CreateSale(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) showSale(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) voidSale(w http.ResponseWriter, r *http.Request) {
	h.reverse(w, r, h.service.VoidSale)
}

func (h *Handler) refundSale(w http.ResponseWriter, r *http.Request) {
	h.reverse(w, r, h.service.RefundSale)
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64, req VoidRequest) (Sale, error)) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req VoidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	sale, err := op(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *inventory.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.WriteProblem(w, inventory.InsufficientStockProblem(insufficient))
	case errors.Is(err, ErrInvalidSaleRequest):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Invalid Sale",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Errors: httpx.FieldErrors(err),
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, inventory.ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Concurrent Modification", err.Error())
	case errors.Is(err, ErrInvalidStatus):
		httpx.Problem(w, http.StatusConflict, "Invalid Status", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Submission", err.Error())
	case errors.Is(err, ErrPersistenceFailure):
		h.logger.Error("sale persistence failure", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Sale Not Recorded", "the sale could not be recorded; stock was restored")
	default:
		h.logger.Error("sales request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
