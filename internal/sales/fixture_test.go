package sales_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/platform/memstore"
	"github.com/odyssey-erp/pharmacy/internal/sales"
)

const (
	cashierID        int64 = 7
	inactiveCashier  int64 = 8
	patientID        int64 = 30
	amoxicillinID    int64 = 1
	paracetamolID    int64 = 2
	discontinuedID   int64 = 3
	amoxicillinStock       = 10
	paracetamolStock       = 2
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store  *memstore.Store
	ledger *inventory.Service
	sales  *sales.Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, sales.ServiceConfig{})
}

func newFixtureWith(t *testing.T, cfg sales.ServiceConfig) *fixture {
	t.Helper()
	store := memstore.New()
	store.PutUser(catalog.User{ID: cashierID, Username: "cashier", FullName: "Front Desk", Role: "CASHIER", IsActive: true})
	store.PutUser(catalog.User{ID: inactiveCashier, Username: "former", FullName: "Former Staff", Role: "CASHIER"})
	store.PutPatient(catalog.Patient{ID: patientID, FullName: "Walk In"})
	store.PutProduct(catalog.Product{ID: amoxicillinID, SKU: "AMOX-500", Name: "Amoxicillin 500mg",
		Price: decimal.RequireFromString("10.00"), MinStockLevel: 5, IsActive: true})
	store.PutProduct(catalog.Product{ID: paracetamolID, SKU: "PARA-500", Name: "Paracetamol 500mg",
		Price: decimal.RequireFromString("5.00"), MinStockLevel: 1, IsActive: true})
	store.PutProduct(catalog.Product{ID: discontinuedID, SKU: "OLD-1", Name: "Discontinued",
		Price: decimal.RequireFromString("1.00"), IsActive: false})

	ledger := inventory.NewService(store.Ledger(), store, store, inventory.ServiceConfig{
		MaxRetries:   25,
		RetryBackoff: 100 * time.Microsecond,
		Locker:       inventory.NewKeyedMutex(),
	}, nil)
	ctx := context.Background()
	for id, qty := range map[int64]int{amoxicillinID: amoxicillinStock, paracetamolID: paracetamolStock} {
		if _, err := ledger.ReceivePurchase(ctx, inventory.ReceiptInput{ProductID: id, Quantity: qty, UserID: cashierID}); err != nil {
			t.Fatalf("opening balance: %v", err)
		}
	}

	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return fixedNow }
	}
	return &fixture{
		store:  store,
		ledger: ledger,
		sales:  sales.NewService(store.Sales(), ledger, store.Catalog(), store, cfg),
	}
}

func saleRequest(lines ...sales.LineRequest) sales.CreateSaleRequest {
	return sales.CreateSaleRequest{
		CashierID:     cashierID,
		PaymentMethod: sales.PaymentCash,
		Lines:         lines,
	}
}

func line(productID int64, qty int) sales.LineRequest {
	return sales.LineRequest{ProductID: productID, Quantity: qty}
}

func (f *fixture) ledgerBalanced(t *testing.T, productID int64) bool {
	t.Helper()
	result, err := f.ledger.Reconcile(context.Background(), productID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return result.Balanced
}
