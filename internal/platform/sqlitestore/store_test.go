package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/platform/sqlitestore"
	"github.com/odyssey-erp/pharmacy/internal/sales"
	"github.com/odyssey-erp/pharmacy/internal/shared"
)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "pharmacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	expiry := time.Now().UTC().AddDate(0, 0, 10).Truncate(time.Second)
	require.NoError(t, store.Catalog().PutUser(ctx, catalog.User{ID: 7, Username: "till", FullName: "Till One", Role: "CASHIER", IsActive: true}))
	require.NoError(t, store.Catalog().PutProduct(ctx, catalog.Product{
		ID: 1, SKU: "IBU-200", Name: "Ibuprofen 200mg", Price: decimal.RequireFromString("3.25"),
		MinStockLevel: 4, ExpiryDate: &expiry, IsActive: true,
	}))
	return store
}

func TestLedgerAndSalesOnSQLite(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ledger := inventory.NewService(store.Ledger(), store, store, inventory.ServiceConfig{}, nil)
	svc := sales.NewService(store.Sales(), ledger, store.Catalog(), store, sales.ServiceConfig{})

	_, err := ledger.ReceivePurchase(ctx, inventory.ReceiptInput{ProductID: 1, Quantity: 6, Reference: "GRN-7", UserID: 7})
	require.NoError(t, err)
	_, err = ledger.ReceivePurchase(ctx, inventory.ReceiptInput{ProductID: 1, Quantity: 6, Reference: "GRN-7", UserID: 7})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	sale, err := svc.CreateSale(ctx, sales.CreateSaleRequest{
		CashierID:     7,
		PaymentMethod: sales.PaymentCard,
		Lines:         []sales.LineRequest{{ProductID: 1, Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, "9.75", sale.TotalAmount.StringFixed(2))

	stored, err := svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.Reference, stored.Reference)
	assert.True(t, sale.TotalAmount.Equal(stored.TotalAmount))
	require.Len(t, stored.Items, 1)

	product, err := store.Catalog().GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, product.StockQuantity)
	assert.True(t, product.IsLowStock())

	low, err := store.Catalog().ListLowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)

	expiring, err := store.Catalog().ListExpiringBefore(ctx, time.Now().UTC().AddDate(0, 0, 30))
	require.NoError(t, err)
	require.Len(t, expiring, 1)

	_, err = svc.VoidSale(ctx, sale.ID, sales.VoidRequest{UserID: 7, Reason: "customer left"})
	require.NoError(t, err)
	_, err = ledger.Reverse(ctx, inventory.ReverseInput{TransactionID: stored.Items[0].InventoryTransactionID})
	require.ErrorIs(t, err, inventory.ErrAlreadyReversed)

	result, err := ledger.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, result.Balanced)
	assert.Equal(t, 6, result.StockQuantity)
	assert.Equal(t, 3, result.Entries)
}

func TestInsufficientStockOnSQLite(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ledger := inventory.NewService(store.Ledger(), nil, nil, inventory.ServiceConfig{}, nil)

	_, err := ledger.ApplyDelta(ctx, inventory.DeltaInput{ProductID: 1, Delta: -1, Type: inventory.TransactionTypeSale})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	entries, err := ledger.History(ctx, inventory.HistoryFilter{ProductID: 1})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReconcileFollowsCommitOrderWhenClockStepsBack(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	var ticks int
	ledger := inventory.NewService(store.Ledger(), nil, nil, inventory.ServiceConfig{
		Clock: func() time.Time {
			ticks++
			return start.Add(-time.Duration(ticks) * time.Hour)
		},
	}, nil)

	_, err := ledger.ReceivePurchase(ctx, inventory.ReceiptInput{ProductID: 1, Quantity: 5, UserID: 7})
	require.NoError(t, err)
	_, err = ledger.ApplyDelta(ctx, inventory.DeltaInput{ProductID: 1, Delta: -2, Type: inventory.TransactionTypeSale, UserID: 7})
	require.NoError(t, err)
	_, err = ledger.ApplyDelta(ctx, inventory.DeltaInput{ProductID: 1, Delta: -1, Type: inventory.TransactionTypeSale, UserID: 7})
	require.NoError(t, err)

	result, err := ledger.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, result.Balanced)
	assert.Empty(t, result.SnapshotMismatches)

	entries, err := ledger.History(ctx, inventory.HistoryFilter{ProductID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{5, 3, 2}, []int{
		entries[0].ResultingStockQuantity, entries[1].ResultingStockQuantity, entries[2].ResultingStockQuantity,
	})
}
