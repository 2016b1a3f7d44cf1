package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/pricing"
)

// LedgerPort is the subset of the stock ledger the coordinator uses.
type LedgerPort interface {
	ApplyDelta(ctx context.Context, in inventory.DeltaInput) (inventory.Transaction, error)
	Reverse(ctx context.Context, in inventory.ReverseInput) (inventory.Transaction, error)
}

// Repository persists sales.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, id int64) (Sale, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	NextSaleNumber(ctx context.Context, at time.Time) (string, error)
	InsertSale(ctx context.Context, sale Sale) (int64, error)
	InsertSaleItem(ctx context.Context, item SaleItem) (int64, error)
	GetSaleForUpdate(ctx context.Context, id int64) (Sale, error)
	UpdateSaleStatus(ctx context.Context, id int64, update StatusUpdate) error
	UpdateSaleItemEntry(ctx context.Context, itemID, entryID int64) error
}

// IdempotencyPort deduplicates client retries of CreateSale.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Metrics receives sale outcomes.
type Metrics interface {
	SaleCompleted(total decimal.Decimal)
	SaleFailed(reason string)
	Compensated(entries int, failed bool)
}

// ServiceConfig groups coordinator settings.
type ServiceConfig struct {
	TaxRate  decimal.Decimal
	Rounding pricing.RoundingMode
	// Timeout bounds stock reservation plus persistence of one sale.
	Timeout             time.Duration
	CompensationTimeout time.Duration
	Clock               func() time.Time
	Logger              *slog.Logger
	Metrics             Metrics
}

// Service coordinates sale creation, voids and refunds.
type Service struct {
	repo        Repository
	ledger      LedgerPort
	lookup      catalog.Lookup
	idempotency IdempotencyPort
	validator   *validator.Validate
	cfg         ServiceConfig
}

// NewService constructs the coordinator.
func NewService(repo Repository, ledger LedgerPort, lookup catalog.Lookup, idem IdempotencyPort, cfg ServiceConfig) *Service {
	if cfg.Rounding == "" {
		cfg.Rounding = pricing.RoundHalfUp
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		lookup:      lookup,
		idempotency: idem,
		validator:   validator.New(),
		cfg:         cfg,
	}
}

// ============================================================================
// CREATE
// ============================================================================

// CreateSale validates the request, prices it, reserves stock line by line and
// persists the completed sale. Any failure after a reservation reverses every
// reserved line before the error is returned.
func (s *Service) CreateSale(ctx context.Context, req CreateSaleRequest) (Sale, error) {
	key := req.IdempotencyKey
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, "sale:"+key, "sales"); err != nil {
			return Sale{}, err
		}
	}
	sale, err := s.createSale(ctx, req)
	if err != nil {
		if key != "" && s.idempotency != nil {
			if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), "sale:"+key); delErr != nil {
				s.cfg.Logger.Warn("release sale idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		s.cfg.Metrics.SaleFailed(failureReason(err))
		return Sale{}, err
	}
	s.cfg.Metrics.SaleCompleted(sale.TotalAmount)
	return sale, nil
}

func (s *Service) createSale(ctx context.Context, req CreateSaleRequest) (Sale, error) {
	sale, err := s.validate(ctx, req)
	if err != nil {
		return Sale{}, err
	}
	logger := s.cfg.Logger.With(slog.String("sale_ref", sale.Reference), slog.Int64("cashier_id", sale.CashierID))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	reserved, err := s.reserve(ctx, &sale)
	if err != nil {
		logger.Warn("sale reservation failed", slog.Int("reserved", len(reserved)), slog.Any("error", err))
		return Sale{}, s.compensate(ctx, sale, reserved, reservationError(err))
	}

	if err := s.persist(ctx, &sale); err != nil {
		logger.Error("sale persistence failed", slog.Any("error", err))
		return Sale{}, s.compensate(ctx, sale, reserved, fmt.Errorf("%w: %w", ErrPersistenceFailure, err))
	}
	logger.Info("sale completed",
		slog.Int64("sale_id", sale.ID),
		slog.String("sale_number", sale.SaleNumber),
		slog.String("total", sale.TotalAmount.StringFixed(2)),
	)
	return sale, nil
}

// validate checks the request and references, snapshots prices and computes totals.
// No state is changed.
func (s *Service) validate(ctx context.Context, req CreateSaleRequest) (Sale, error) {
	if err := s.validator.Struct(req); err != nil {
		return Sale{}, fmt.Errorf("%w: %w", ErrInvalidSaleRequest, err)
	}
	cashier, err := s.lookup.GetUser(ctx, req.CashierID)
	if err != nil {
		return Sale{}, lookupError("cashier", err)
	}
	if !cashier.IsActive {
		return Sale{}, fmt.Errorf("%w: cashier %d is inactive", ErrInvalidSaleRequest, req.CashierID)
	}
	if req.PatientID != nil {
		if _, err := s.lookup.GetPatient(ctx, *req.PatientID); err != nil {
			return Sale{}, lookupError("patient", err)
		}
	}

	items := make([]SaleItem, len(req.Lines))
	lines := make([]pricing.Line, len(req.Lines))
	for i, line := range req.Lines {
		product, err := s.lookup.GetProduct(ctx, line.ProductID)
		if err != nil {
			return Sale{}, lookupError(fmt.Sprintf("line %d product", i+1), err)
		}
		if !product.IsActive {
			return Sale{}, fmt.Errorf("%w: line %d: product %d is inactive", ErrInvalidSaleRequest, i+1, product.ID)
		}
		items[i] = SaleItem{
			LineNo:    i + 1,
			ProductID: product.ID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
			Discount:  line.Discount,
		}
		lines[i] = pricing.Line{Quantity: line.Quantity, UnitPrice: product.Price, Discount: line.Discount}
	}

	var discount pricing.Discount
	if req.Discount != nil {
		discount = pricing.Discount{Kind: req.Discount.Kind, Value: req.Discount.Value}
	}
	totals, err := pricing.ComputeTotals(lines, discount, s.cfg.TaxRate, s.cfg.Rounding)
	if err != nil {
		return Sale{}, fmt.Errorf("%w: %w", ErrInvalidSaleRequest, err)
	}
	for i := range items {
		items[i].LineTotal = totals.LineTotals[i]
	}

	now := s.cfg.Clock()
	return Sale{
		Reference:      uuid.NewString(),
		SaleDate:       now,
		SubTotal:       totals.SubTotal,
		DiscountKind:   discount.Kind,
		DiscountValue:  discount.Value,
		DiscountAmount: totals.DiscountAmount,
		TaxRate:        s.cfg.TaxRate,
		TaxAmount:      totals.TaxAmount,
		TotalAmount:    totals.TotalAmount,
		PaymentMethod:  req.PaymentMethod,
		Status:         StatusPending,
		PatientID:      req.PatientID,
		CashierID:      req.CashierID,
		CreatedAt:      now,
		Items:          items,
	}, nil
}

// reserve decrements stock for every item in ascending product order and links
// each item to its ledger entry. It returns the entries applied so far.
func (s *Service) reserve(ctx context.Context, sale *Sale) ([]inventory.Transaction, error) {
	order := make([]int, len(sale.Items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sale.Items[order[a]].ProductID < sale.Items[order[b]].ProductID
	})

	reserved := make([]inventory.Transaction, 0, len(sale.Items))
	for _, idx := range order {
		item := &sale.Items[idx]
		if err := ctx.Err(); err != nil {
			return reserved, err
		}
		entry, err := s.ledger.ApplyDelta(ctx, inventory.DeltaInput{
			ProductID: item.ProductID,
			Delta:     -item.Quantity,
			Type:      inventory.TransactionTypeSale,
			Reason:    fmt.Sprintf("sale %s line %d", sale.Reference, item.LineNo),
			UserID:    sale.CashierID,
			RefModule: "SALE",
			RefID:     sale.Reference,
		})
		if err != nil {
			return reserved, fmt.Errorf("line %d: %w", item.LineNo, err)
		}
		item.InventoryTransactionID = entry.ID
		reserved = append(reserved, entry)
	}
	return reserved, nil
}

func (s *Service) persist(ctx context.Context, sale *Sale) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	persisted := *sale
	persisted.Status = StatusCompleted
	persisted.Items = append([]SaleItem(nil), sale.Items...)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextSaleNumber(ctx, persisted.SaleDate)
		if err != nil {
			return err
		}
		persisted.SaleNumber = number
		id, err := tx.InsertSale(ctx, persisted)
		if err != nil {
			return err
		}
		persisted.ID = id
		for i := range persisted.Items {
			persisted.Items[i].SaleID = id
			itemID, err := tx.InsertSaleItem(ctx, persisted.Items[i])
			if err != nil {
				return fmt.Errorf("item %d: %w", persisted.Items[i].LineNo, err)
			}
			persisted.Items[i].ID = itemID
		}
		return nil
	})
	if err != nil {
		return err
	}
	*sale = persisted
	return nil
}

// compensate reverses reserved entries newest first on a context that survives
// the caller's cancellation, then returns cause joined with any reversal failure.
func (s *Service) compensate(ctx context.Context, sale Sale, reserved []inventory.Transaction, cause error) error {
	if len(reserved) == 0 {
		return cause
	}
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()

	var errs []error
	for i := len(reserved) - 1; i >= 0; i-- {
		entry := reserved[i]
		_, err := s.ledger.Reverse(compCtx, inventory.ReverseInput{
			TransactionID: entry.ID,
			Type:          inventory.TransactionTypeAdjustment,
			Reason:        fmt.Sprintf("compensate failed sale %s", sale.Reference),
			UserID:        sale.CashierID,
		})
		if err != nil && !errors.Is(err, inventory.ErrAlreadyReversed) {
			s.cfg.Logger.Error("compensation failed",
				slog.String("sale_ref", sale.Reference),
				slog.Int64("transaction_id", entry.ID),
				slog.Int64("product_id", entry.ProductID),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("compensate transaction %d: %w", entry.ID, err))
		}
	}
	s.cfg.Metrics.Compensated(len(reserved), len(errs) > 0)
	if len(errs) > 0 {
		return errors.Join(append([]error{cause}, errs...)...)
	}
	return cause
}

// ============================================================================
// READ / VOID / REFUND
// ============================================================================

// GetSale loads a sale with its items.
func (s *Service) GetSale(ctx context.Context, id int64) (Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// VoidSale cancels a completed sale and returns its stock.
func (s *Service) VoidSale(ctx context.Context, id int64, req VoidRequest) (Sale, error) {
	return s.reverseSale(ctx, id, req, StatusVoided)
}

// RefundSale refunds a completed sale and returns its stock.
func (s *Service) RefundSale(ctx context.Context, id int64, req VoidRequest) (Sale, error) {
	return s.reverseSale(ctx, id, req, StatusRefunded)
}

// reverseSale claims a completed sale as REVERSING, appends a RETURN entry per
// item and then settles the target status. Any failure after the claim takes
// the returned stock back out and releases the sale to COMPLETED, so a failed
// void leaves both stock and status as they were.
func (s *Service) reverseSale(ctx context.Context, id int64, req VoidRequest, target Status) (Sale, error) {
	if err := s.validator.Struct(req); err != nil {
		return Sale{}, fmt.Errorf("%w: %w", ErrInvalidSaleRequest, err)
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Sale{}, err
		}
		return Sale{}, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if sale.Status != StatusCompleted {
		return Sale{}, fmt.Errorf("%w: sale %s is %s", ErrInvalidStatus, sale.SaleNumber, sale.Status)
	}

	claim := StatusUpdate{Status: StatusReversing, At: s.cfg.Clock(), UserID: req.UserID}
	if err := s.setStatus(ctx, id, StatusCompleted, claim, nil); err != nil {
		return Sale{}, statusError(err)
	}

	items := append([]SaleItem(nil), sale.Items...)
	sort.SliceStable(items, func(a, b int) bool { return items[a].ProductID < items[b].ProductID })
	var returned []SaleItem
	for _, item := range items {
		_, err := s.ledger.Reverse(ctx, inventory.ReverseInput{
			TransactionID: item.InventoryTransactionID,
			Type:          inventory.TransactionTypeReturn,
			Reason:        fmt.Sprintf("%s sale %s: %s", target, sale.SaleNumber, req.Reason),
			UserID:        req.UserID,
		})
		if errors.Is(err, inventory.ErrAlreadyReversed) {
			continue
		}
		if err != nil {
			cause := fmt.Errorf("return line %d: %w", item.LineNo, reservationError(err))
			return Sale{}, s.restore(ctx, sale, returned, req.UserID, cause)
		}
		returned = append(returned, item)
	}

	update := StatusUpdate{Status: target, At: s.cfg.Clock(), UserID: req.UserID, Reason: req.Reason}
	if err := s.setStatus(ctx, id, StatusReversing, update, nil); err != nil {
		return Sale{}, s.restore(ctx, sale, returned, req.UserID, statusError(err))
	}
	sale.Status = target
	sale.VoidedAt = &update.At
	sale.VoidedBy = &update.UserID
	sale.VoidReason = &update.Reason
	s.cfg.Logger.Info("sale reversed", slog.Int64("sale_id", id), slog.String("status", string(target)))
	return sale, nil
}

// setStatus moves a sale from one status to the next in a single transaction,
// repointing the given items to new ledger entries on the way.
func (s *Service) setStatus(ctx context.Context, id int64, from Status, update StatusUpdate, entries map[int64]int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetSaleForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: sale %s is %s", ErrInvalidStatus, current.SaleNumber, current.Status)
		}
		for itemID, entryID := range entries {
			if err := tx.UpdateSaleItemEntry(ctx, itemID, entryID); err != nil {
				return fmt.Errorf("item %d: %w", itemID, err)
			}
		}
		return tx.UpdateSaleStatus(ctx, id, update)
	})
}

// restore takes stock returned by a failed reversal back out of the shelf and
// releases the sale to COMPLETED with its items pointing at the new entries, so
// a later void returns them again. If that fails too the sale stays REVERSING.
func (s *Service) restore(ctx context.Context, sale Sale, returned []SaleItem, userID int64, cause error) error {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()

	var errs []error
	entries := make(map[int64]int64, len(returned))
	for i := len(returned) - 1; i >= 0; i-- {
		item := returned[i]
		entry, err := s.ledger.ApplyDelta(compCtx, inventory.DeltaInput{
			ProductID: item.ProductID,
			Delta:     -item.Quantity,
			Type:      inventory.TransactionTypeAdjustment,
			Reason:    fmt.Sprintf("restore sale %s line %d after failed return", sale.SaleNumber, item.LineNo),
			UserID:    userID,
			RefModule: "SALE",
			RefID:     sale.Reference,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("restore line %d: %w", item.LineNo, err))
			continue
		}
		entries[item.ID] = entry.ID
	}
	if len(errs) == 0 {
		release := StatusUpdate{Status: StatusCompleted, At: s.cfg.Clock(), UserID: userID}
		if err := s.setStatus(compCtx, sale.ID, StatusReversing, release, entries); err != nil {
			errs = append(errs, fmt.Errorf("release sale %s: %w", sale.SaleNumber, err))
		}
	}
	s.cfg.Metrics.Compensated(len(returned), len(errs) > 0)
	if len(errs) > 0 {
		s.cfg.Logger.Error("sale left reversing",
			slog.String("sale_ref", sale.Reference),
			slog.Int64("sale_id", sale.ID),
			slog.Any("error", errors.Join(errs...)),
		)
		return errors.Join(append([]error{cause}, errs...)...)
	}
	return cause
}

// ============================================================================
// HELPERS
// ============================================================================

func lookupError(what string, err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: unknown %s: %w", ErrInvalidSaleRequest, what, err)
	}
	return fmt.Errorf("%w: lookup %s: %w", ErrPersistenceFailure, what, err)
}

// reservationError keeps business failures as they are and turns the rest into
// persistence failures.
func reservationError(err error) error {
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrConcurrentModification):
		return err
	case errors.Is(err, inventory.ErrProductInactive), errors.Is(err, inventory.ErrProductNotFound):
		return fmt.Errorf("%w: %w", ErrInvalidSaleRequest, err)
	default:
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
}

// statusError passes lifecycle failures through and wraps the rest.
func statusError(err error) error {
	if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSaleRequest):
		return "invalid_request"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, inventory.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	default:
		return "other"
	}
}

type noopMetrics struct{}

func (noopMetrics) SaleCompleted(decimal.Decimal) {}
func (noopMetrics) SaleFailed(string)              {}
func (noopMetrics) Compensated(int, bool)          {}
