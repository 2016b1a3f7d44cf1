package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/pharmacy/internal/platform/httpx"
	"github.com/odyssey-erp/pharmacy/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/receipts", h.handleReceipt)
	r.Get("/products/{productID}/transactions", h.handleHistory)
	r.Get("/products/{productID}/reconciliation", h.handleReconcile)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var input AdjustmentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	entry, err := h.service.AdjustStock(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var input ReceiptInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	entry, err := h.service.ReceivePurchase(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := HistoryFilter{ProductID: productID}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		if filter.From, err = time.Parse("2006-01-02", from); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
	}
	if to := q.Get("to"); to != "" {
		parsed, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = parsed.Add(24*time.Hour - time.Nanosecond)
	}
	if limit := q.Get("limit"); limit != "" {
		if filter.Limit, err = strconv.Atoi(limit); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be numeric")
			return
		}
	}
	entries, err := h.service.History(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []Transaction{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Reconcile(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.WriteProblem(w, InsufficientStockProblem(insufficient))
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidType):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrTransactionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrProductInactive), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

// InsufficientStockProblem renders the stock shortfall as a 409 problem.
func InsufficientStockProblem(err *InsufficientStockError) httpx.ProblemDetail {
	return httpx.ProblemDetail{
		Title:  "Insufficient Stock",
		Status: http.StatusConflict,
		Detail: err.Error(),
		Context: map[string]any{
			"product_id": err.ProductID,
			"requested":  err.Requested,
			"available":  err.Available,
		},
	}
}
