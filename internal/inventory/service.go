package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/pharmacy/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ListTransactions(ctx context.Context, filter HistoryFilter) ([]Transaction, error)
}

// TxRepository exposes the operations that run inside one unit of work.
type TxRepository interface {
	GetStock(ctx context.Context, productID int64) (StockLevel, error)
	// UpdateStock writes quantity when the row still carries expectedVersion and
	// returns the new version, or ErrVersionConflict.
	UpdateStock(ctx context.Context, productID int64, quantity int, expectedVersion int64) (int64, error)
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	HasReversal(ctx context.Context, transactionID int64) (bool, error)
	ListTransactions(ctx context.Context, filter HistoryFilter) ([]Transaction, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against replayed purchase receipts.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Locker serialises stock writes per product on top of the version check.
type Locker interface {
	Lock(ctx context.Context, productID int64) (func(), error)
}

// Service is the stock ledger. It is the only writer of product stock.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	handler     MovementHandler
	locker      Locker
	logger      *slog.Logger
	clock       func() time.Time
	maxRetries  int
	backoff     time.Duration
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// MaxRetries bounds how often a version conflict is retried. Values below 1 become 1.
	MaxRetries   int
	RetryBackoff time.Duration
	Locker       Locker
	Logger       *slog.Logger
	Clock        func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig, handler MovementHandler) *Service {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		handler:     handler,
		locker:      cfg.Locker,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.RetryBackoff,
	}
}

// ApplyDelta atomically changes stock by in.Delta and appends the ledger entry.
// The returned transaction carries the resulting stock quantity.
func (s *Service) ApplyDelta(ctx context.Context, in DeltaInput) (Transaction, error) {
	if in.ProductID <= 0 {
		return Transaction{}, fmt.Errorf("%w: product id required", ErrProductNotFound)
	}
	if in.Delta == 0 {
		return Transaction{}, ErrInvalidQuantity
	}
	if !in.Type.Valid() {
		return Transaction{}, fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}
	return s.apply(ctx, movement{
		ProductID: in.ProductID,
		Delta:     in.Delta,
		Type:      in.Type,
		Reason:    in.Reason,
		UserID:    in.UserID,
		RefModule: in.RefModule,
		RefID:     in.RefID,
	})
}

// Reverse appends the inverse of an earlier entry. Each entry can be reversed once.
func (s *Service) Reverse(ctx context.Context, in ReverseInput) (Transaction, error) {
	if in.TransactionID <= 0 {
		return Transaction{}, ErrTransactionNotFound
	}
	txType := in.Type
	if txType == "" {
		txType = TransactionTypeAdjustment
	}
	if txType != TransactionTypeAdjustment && txType != TransactionTypeReturn {
		return Transaction{}, fmt.Errorf("%w: reversal must be %s or %s", ErrInvalidType, TransactionTypeAdjustment, TransactionTypeReturn)
	}
	original, err := s.repo.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	if original.ReversalOf != nil {
		return Transaction{}, ErrReverseReversal
	}
	reason := in.Reason
	if reason == "" {
		reason = fmt.Sprintf("reversal of transaction %d", original.ID)
	}
	return s.apply(ctx, movement{
		ProductID:  original.ProductID,
		Delta:      -original.QuantityDelta,
		Type:       txType,
		Reason:     reason,
		UserID:     in.UserID,
		RefModule:  original.RefModule,
		RefID:      original.RefID,
		ReversalOf: &original.ID,
	})
}

// AdjustStock posts a manual correction which may be positive or negative.
func (s *Service) AdjustStock(ctx context.Context, in AdjustmentInput) (Transaction, error) {
	if in.Delta == 0 {
		return Transaction{}, ErrInvalidQuantity
	}
	return s.ApplyDelta(ctx, DeltaInput{
		ProductID: in.ProductID,
		Delta:     in.Delta,
		Type:      TransactionTypeAdjustment,
		Reason:    in.Reason,
		UserID:    in.UserID,
		RefModule: "ADJUSTMENT",
	})
}

// ReceivePurchase books supplier stock. A non-empty reference makes the receipt idempotent per product.
func (s *Service) ReceivePurchase(ctx context.Context, in ReceiptInput) (Transaction, error) {
	if in.Quantity <= 0 {
		return Transaction{}, ErrInvalidQuantity
	}
	key := ""
	if in.Reference != "" && s.idempotency != nil {
		key = fmt.Sprintf("%s:%s:%d", TransactionTypePurchaseReceipt, in.Reference, in.ProductID)
		if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
			return Transaction{}, err
		}
	}
	reason := in.Reason
	if reason == "" {
		reason = "purchase receipt " + in.Reference
	}
	entry, err := s.ApplyDelta(ctx, DeltaInput{
		ProductID: in.ProductID,
		Delta:     in.Quantity,
		Type:      TransactionTypePurchaseReceipt,
		Reason:    reason,
		UserID:    in.UserID,
		RefModule: "PURCHASE",
		RefID:     in.Reference,
	})
	if err != nil {
		if key != "" {
			if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), key); delErr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		return Transaction{}, err
	}
	return entry, nil
}

// History lists ledger entries of a product in ledger order.
func (s *Service) History(ctx context.Context, filter HistoryFilter) ([]Transaction, error) {
	if filter.ProductID <= 0 {
		return nil, fmt.Errorf("%w: product id required", ErrProductNotFound)
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return s.repo.ListTransactions(ctx, filter)
}

// Reconcile replays the ledger of a product and compares it with stored stock.
func (s *Service) Reconcile(ctx context.Context, productID int64) (Reconciliation, error) {
	if productID <= 0 {
		return Reconciliation{}, fmt.Errorf("%w: product id required", ErrProductNotFound)
	}
	var result Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stock, err := tx.GetStock(ctx, productID)
		if err != nil {
			return err
		}
		entries, err := tx.ListTransactions(ctx, HistoryFilter{ProductID: productID})
		if err != nil {
			return err
		}
		result = replay(stock, entries)
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !result.Balanced {
		s.logger.Error("ledger out of balance",
			slog.Int64("product_id", productID),
			slog.Int("stock_quantity", result.StockQuantity),
			slog.Int("ledger_sum", result.LedgerSum),
			slog.Int("snapshot_mismatches", len(result.SnapshotMismatches)),
		)
	}
	return result, nil
}

func replay(stock StockLevel, entries []Transaction) Reconciliation {
	result := Reconciliation{ProductID: stock.ProductID, StockQuantity: stock.Quantity, Entries: len(entries)}
	running := 0
	for _, entry := range entries {
		running += entry.QuantityDelta
		if entry.ResultingStockQuantity != running {
			result.SnapshotMismatches = append(result.SnapshotMismatches, entry.ID)
		}
	}
	result.LedgerSum = running
	result.Balanced = running == stock.Quantity && len(result.SnapshotMismatches) == 0
	return result
}

type movement struct {
	ProductID  int64
	Delta      int
	Type       TransactionType
	Reason     string
	UserID     int64
	RefModule  string
	RefID      string
	ReversalOf *int64
}

func (s *Service) apply(ctx context.Context, m movement) (Transaction, error) {
	attempts := s.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		entry, err := s.attempt(ctx, m)
		if err == nil {
			s.afterCommit(ctx, m, entry)
			return entry, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Transaction{}, err
		}
		s.logger.Debug("stock version conflict",
			slog.Int64("product_id", m.ProductID),
			slog.Int("attempt", attempt),
		)
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(s.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Transaction{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Transaction{}, fmt.Errorf("%w: product %d after %d attempts", ErrConcurrentModification, m.ProductID, attempts)
}

func (s *Service) attempt(ctx context.Context, m movement) (Transaction, error) {
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, m.ProductID)
		if err != nil {
			return Transaction{}, err
		}
		defer unlock()
	}
	var entry Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if m.ReversalOf != nil {
			reversed, err := tx.HasReversal(ctx, *m.ReversalOf)
			if err != nil {
				return err
			}
			if reversed {
				return ErrAlreadyReversed
			}
		}
		stock, err := tx.GetStock(ctx, m.ProductID)
		if err != nil {
			return err
		}
		if !stock.IsActive && m.Type == TransactionTypeSale {
			return ErrProductInactive
		}
		newQty := stock.Quantity + m.Delta
		if newQty < 0 {
			return &InsufficientStockError{ProductID: m.ProductID, Requested: -m.Delta, Available: stock.Quantity}
		}
		if _, err := tx.UpdateStock(ctx, m.ProductID, newQty, stock.Version); err != nil {
			return err
		}
		entry = Transaction{
			ProductID:              m.ProductID,
			Type:                   m.Type,
			QuantityDelta:          m.Delta,
			Reason:                 m.Reason,
			UserID:                 m.UserID,
			TransactionDate:        s.clock(),
			ResultingStockQuantity: newQty,
			RefModule:              m.RefModule,
			RefID:                  m.RefID,
			ReversalOf:             m.ReversalOf,
		}
		id, err := tx.InsertTransaction(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = id
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return entry, nil
}

func (s *Service) afterCommit(ctx context.Context, m movement, entry Transaction) {
	if s.audit != nil {
		meta := map[string]any{
			"product_id":       entry.ProductID,
			"delta":            entry.QuantityDelta,
			"resulting_stock":  entry.ResultingStockQuantity,
			"reason":           entry.Reason,
			"reference_module": entry.RefModule,
			"reference_id":     entry.RefID,
		}
		if m.ReversalOf != nil {
			meta["reversal_of"] = *m.ReversalOf
		}
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  entry.UserID,
			Action:   fmt.Sprintf("inventory:%s", entry.Type),
			Entity:   "inventory_tx",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta:     meta,
			At:       entry.TransactionDate,
		})
		if err != nil {
			s.logger.Warn("audit inventory movement", slog.Int64("transaction_id", entry.ID), slog.Any("error", err))
		}
	}
	if s.handler != nil {
		s.handler.HandleStockMoved(ctx, StockMovedEvent{
			TransactionID:  entry.ID,
			ProductID:      entry.ProductID,
			Type:           entry.Type,
			Delta:          entry.QuantityDelta,
			ResultingStock: entry.ResultingStockQuantity,
			Reversal:       m.ReversalOf != nil,
			At:             entry.TransactionDate,
		})
	}
}
