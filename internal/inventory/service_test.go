package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/pharmacy/internal/platform/cache"
	"github.com/odyssey-erp/pharmacy/internal/shared"
)

type memoryRepo struct {
	mu        sync.Mutex
	stock     map[int64]StockLevel
	entries   []Transaction
	nextID    int64
	conflicts int
	events    []StockMovedEvent
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{stock: make(map[int64]StockLevel)}
}

func (r *memoryRepo) seed(productID int64, qty int, active bool) {
	r.stock[productID] = StockLevel{ProductID: productID, Quantity: qty, Version: 1, IsActive: active}
	if qty > 0 {
		r.nextID++
		r.entries = append(r.entries, Transaction{
			ID: r.nextID, ProductID: productID, Type: TransactionTypePurchaseReceipt,
			QuantityDelta: qty, ResultingStockQuantity: qty,
		})
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshotStock := make(map[int64]StockLevel, len(r.stock))
	for k, v := range r.stock {
		snapshotStock[k] = v
	}
	snapshotEntries := len(r.entries)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.stock = snapshotStock
		r.entries = r.entries[:snapshotEntries]
		return err
	}
	return nil
}

func (r *memoryRepo) GetTransaction(_ context.Context, id int64) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (r *memoryRepo) ListTransactions(_ context.Context, filter HistoryFilter) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(filter), nil
}

func (r *memoryRepo) list(filter HistoryFilter) []Transaction {
	var out []Transaction
	for _, entry := range r.entries {
		if entry.ProductID == filter.ProductID {
			out = append(out, entry)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (r *memoryRepo) HandleStockMoved(_ context.Context, evt StockMovedEvent) {
	r.events = append(r.events, evt)
}

func (tx *memoryTx) GetStock(_ context.Context, productID int64) (StockLevel, error) {
	level, ok := tx.repo.stock[productID]
	if !ok {
		return StockLevel{}, ErrProductNotFound
	}
	return level, nil
}

func (tx *memoryTx) UpdateStock(_ context.Context, productID int64, quantity int, expectedVersion int64) (int64, error) {
	if tx.repo.conflicts > 0 {
		tx.repo.conflicts--
		return 0, ErrVersionConflict
	}
	level := tx.repo.stock[productID]
	if level.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	level.Quantity = quantity
	level.Version++
	tx.repo.stock[productID] = level
	return level.Version, nil
}

func (tx *memoryTx) InsertTransaction(_ context.Context, entry Transaction) (int64, error) {
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	tx.repo.entries = append(tx.repo.entries, entry)
	return entry.ID, nil
}

func (tx *memoryTx) HasReversal(_ context.Context, transactionID int64) (bool, error) {
	for _, entry := range tx.repo.entries {
		if entry.ReversalOf != nil && *entry.ReversalOf == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) ListTransactions(_ context.Context, filter HistoryFilter) ([]Transaction, error) {
	return tx.repo.list(filter), nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

func newTestService(repo *memoryRepo, cfg ServiceConfig) *Service {
	cfg.RetryBackoff = time.Microsecond
	return NewService(repo, nil, nil, cfg, repo)
}

func TestApplyDeltaUpdatesStockAndLedger(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()

	entry, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: -3, Type: TransactionTypeSale, UserID: 7, RefModule: "SALE", RefID: "ref-1"})
	require.NoError(t, err)
	require.Equal(t, 7, entry.ResultingStockQuantity)
	require.Equal(t, -3, entry.QuantityDelta)
	require.Equal(t, 7, repo.stock[1].Quantity)
	require.Equal(t, int64(2), repo.stock[1].Version)
	require.Len(t, repo.entries, 2)
	require.Len(t, repo.events, 1)
	require.Equal(t, entry.ID, repo.events[0].TransactionID)
}

func TestApplyDeltaRejectsInvalidInput(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: 0, Type: TransactionTypeAdjustment})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: 1, Type: "TRANSFER"})
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = svc.ApplyDelta(ctx, DeltaInput{ProductID: 99, Delta: 1, Type: TransactionTypeAdjustment})
	require.ErrorIs(t, err, ErrProductNotFound)
	require.Len(t, repo.entries, 1)
}

func TestNegativeStockGuard(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 2, true)
	svc := newTestService(repo, ServiceConfig{})

	_, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: 1, Delta: -5, Type: TransactionTypeSale})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var insufficient *InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, 5, insufficient.Requested)
	require.Equal(t, 2, insufficient.Available)
	require.Equal(t, 2, repo.stock[1].Quantity)
	require.Len(t, repo.entries, 1)
}

func TestInactiveProductRejectsSaleOnly(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 5, false)
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: -1, Type: TransactionTypeSale})
	require.ErrorIs(t, err, ErrProductInactive)

	entry, err := svc.AdjustStock(ctx, AdjustmentInput{ProductID: 1, Delta: -5, Reason: "write off", UserID: 1})
	require.NoError(t, err)
	require.Equal(t, 0, entry.ResultingStockQuantity)
}

func TestVersionConflictIsRetried(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	repo.conflicts = 2
	svc := newTestService(repo, ServiceConfig{MaxRetries: 3})

	entry, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: 1, Delta: -1, Type: TransactionTypeSale})
	require.NoError(t, err)
	require.Equal(t, 9, entry.ResultingStockQuantity)
	require.Zero(t, repo.conflicts)
}

func TestVersionConflictExhaustsRetries(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	repo.conflicts = 10
	svc := newTestService(repo, ServiceConfig{MaxRetries: 2})

	_, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: 1, Delta: -1, Type: TransactionTypeSale})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, 7, repo.conflicts)
	require.Equal(t, 10, repo.stock[1].Quantity)
}

func TestReverseOnce(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()

	sale, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: -4, Type: TransactionTypeSale})
	require.NoError(t, err)

	rev, err := svc.Reverse(ctx, ReverseInput{TransactionID: sale.ID, Type: TransactionTypeReturn, UserID: 3})
	require.NoError(t, err)
	require.Equal(t, 4, rev.QuantityDelta)
	require.Equal(t, 10, rev.ResultingStockQuantity)
	require.NotNil(t, rev.ReversalOf)
	require.Equal(t, sale.ID, *rev.ReversalOf)
	require.True(t, repo.events[len(repo.events)-1].Reversal)

	_, err = svc.Reverse(ctx, ReverseInput{TransactionID: sale.ID})
	require.ErrorIs(t, err, ErrAlreadyReversed)

	_, err = svc.Reverse(ctx, ReverseInput{TransactionID: rev.ID})
	require.ErrorIs(t, err, ErrReverseReversal)

	_, err = svc.Reverse(ctx, ReverseInput{TransactionID: sale.ID, Type: TransactionTypeSale})
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = svc.Reverse(ctx, ReverseInput{TransactionID: 999})
	require.ErrorIs(t, err, ErrTransactionNotFound)
	require.Equal(t, 10, repo.stock[1].Quantity)
}

func TestReverseCanFailOnInsufficientStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()

	receipt, err := svc.ReceivePurchase(ctx, ReceiptInput{ProductID: 1, Quantity: 5, UserID: 1})
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: -12, Type: TransactionTypeSale})
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, ReverseInput{TransactionID: receipt.ID})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestReceivePurchaseIsIdempotentPerReference(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 0, true)
	idem := &memoryIdempotency{keys: make(map[string]bool)}
	audit := &memoryAudit{}
	svc := NewService(repo, audit, idem, ServiceConfig{}, nil)
	ctx := context.Background()

	entry, err := svc.ReceivePurchase(ctx, ReceiptInput{ProductID: 1, Quantity: 12, Reference: "GRN-1", UserID: 2})
	require.NoError(t, err)
	require.Equal(t, TransactionTypePurchaseReceipt, entry.Type)
	require.Equal(t, 12, entry.ResultingStockQuantity)
	require.Equal(t, "GRN-1", entry.RefID)

	_, err = svc.ReceivePurchase(ctx, ReceiptInput{ProductID: 1, Quantity: 12, Reference: "GRN-1", UserID: 2})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Equal(t, 12, repo.stock[1].Quantity)

	_, err = svc.ReceivePurchase(ctx, ReceiptInput{ProductID: 2, Quantity: 1, Reference: "GRN-2", UserID: 2})
	require.ErrorIs(t, err, ErrProductNotFound)
	require.False(t, idem.keys["PURCHASE_RECEIPT:GRN-2:2"])

	require.Len(t, audit.logs, 1)
	require.Equal(t, "inventory:PURCHASE_RECEIPT", audit.logs[0].Action)
}

func TestReconcile(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()

	for _, delta := range []int{-3, 5, -2} {
		_, err := svc.AdjustStock(ctx, AdjustmentInput{ProductID: 1, Delta: delta, Reason: "count", UserID: 1})
		require.NoError(t, err)
	}
	result, err := svc.Reconcile(ctx, 1)
	require.NoError(t, err)
	require.True(t, result.Balanced)
	require.Equal(t, 10, result.LedgerSum)
	require.Equal(t, 4, result.Entries)

	level := repo.stock[1]
	level.Quantity = 42
	repo.stock[1] = level
	result, err = svc.Reconcile(ctx, 1)
	require.NoError(t, err)
	require.False(t, result.Balanced)
	require.Equal(t, 42, result.StockQuantity)
	require.Empty(t, result.SnapshotMismatches)
}

func TestHistoryClampsLimit(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	svc := newTestService(repo, ServiceConfig{})

	entries, err := svc.History(context.Background(), HistoryFilter{ProductID: 1, Limit: 5000})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = svc.History(context.Background(), HistoryFilter{})
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestKeyedMutexSerialisesPerProduct(t *testing.T) {
	locker := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, 1)
	require.NoError(t, err)

	other, err := locker.Lock(ctx, 2)
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := locker.Lock(ctx, 1)
	require.NoError(t, err)
	again()
}

func TestRedisLockContentionIsRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo()
	repo.seed(1, 10, true)
	locker := NewRedisLocker(cache.NewMutex(client, cache.MutexConfig{Wait: 5 * time.Millisecond, Retry: time.Millisecond}), nil)
	svc := newTestService(repo, ServiceConfig{MaxRetries: 2, Locker: locker})
	ctx := context.Background()

	require.NoError(t, mr.Set(shared.StockLockKey(1), "other-writer"))
	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: -1, Type: TransactionTypeSale})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, 10, repo.stock[1].Quantity)

	mr.Del(shared.StockLockKey(1))
	entry, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: 1, Delta: -1, Type: TransactionTypeSale})
	require.NoError(t, err)
	require.Equal(t, 9, entry.ResultingStockQuantity)
	require.False(t, mr.Exists(shared.StockLockKey(1)))
}
