package e2e

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/platform/memstore"
	"github.com/odyssey-erp/pharmacy/internal/pricing"
	"github.com/odyssey-erp/pharmacy/internal/sales"
)

type saleFeatureContext struct {
	store     *memstore.Store
	ledger    *inventory.Service
	sales     *sales.Service
	cashierID int64

	sale     sales.Sale
	err      error
	outcomes []error
}

func (c *saleFeatureContext) reset() {
	c.store = memstore.New()
	c.ledger = inventory.NewService(c.store.Ledger(), c.store, c.store, inventory.ServiceConfig{
		MaxRetries:   25,
		RetryBackoff: 100 * time.Microsecond,
		Locker:       inventory.NewKeyedMutex(),
	}, nil)
	c.sales = sales.NewService(c.store.Sales(), c.ledger, c.store.Catalog(), c.store, sales.ServiceConfig{})
	c.cashierID = 0
	c.sale = sales.Sale{}
	c.err = nil
	c.outcomes = nil
}

func (c *saleFeatureContext) aCashierWithID(id int64) error {
	c.cashierID = id
	c.store.PutUser(catalog.User{ID: id, Username: fmt.Sprintf("cashier-%d", id), FullName: "Front Desk", Role: "CASHIER", IsActive: true})
	return nil
}

func (c *saleFeatureContext) aProductPricedWithMinimumStock(id int64, sku, price string, minStock int) error {
	amount, err := decimal.NewFromString(price)
	if err != nil {
		return err
	}
	c.store.PutProduct(catalog.Product{ID: id, SKU: sku, Name: sku, Price: amount, MinStockLevel: minStock, IsActive: true})
	return nil
}

func (c *saleFeatureContext) productHasUnitsInStock(id int64, qty int) error {
	_, err := c.ledger.ReceivePurchase(context.Background(), inventory.ReceiptInput{
		ProductID: id,
		Quantity:  qty,
		Reason:    "opening balance",
		UserID:    c.cashierID,
	})
	return err
}

func (c *saleFeatureContext) request(lines ...sales.LineRequest) sales.CreateSaleRequest {
	return sales.CreateSaleRequest{CashierID: c.cashierID, PaymentMethod: sales.PaymentCash, Lines: lines}
}

func (c *saleFeatureContext) theCashierSellsUnitsOfProduct(qty int, id int64) error {
	c.sale, c.err = c.sales.CreateSale(context.Background(), c.request(sales.LineRequest{ProductID: id, Quantity: qty}))
	return nil
}

func (c *saleFeatureContext) theCashierSellsWithAPercentDiscount(percent int, table *godog.Table) error {
	var lines []sales.LineRequest
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		var id int64
		var qty int
		if _, err := fmt.Sscan(row.Cells[0].Value, &id); err != nil {
			return err
		}
		if _, err := fmt.Sscan(row.Cells[1].Value, &qty); err != nil {
			return err
		}
		lines = append(lines, sales.LineRequest{ProductID: id, Quantity: qty})
	}
	req := c.request(lines...)
	if percent > 0 {
		req.Discount = &sales.DiscountRequest{Kind: pricing.DiscountPercent, Value: decimal.NewFromInt(int64(percent))}
	}
	c.sale, c.err = c.sales.CreateSale(context.Background(), req)
	return nil
}

func (c *saleFeatureContext) cashiersEachSellUnitsAtTheSameTime(n, qty int, id int64) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.sales.CreateSale(context.Background(), c.request(sales.LineRequest{ProductID: id, Quantity: qty}))
			mu.Lock()
			c.outcomes = append(c.outcomes, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	return nil
}

func (c *saleFeatureContext) theSaleIsVoidedWithReason(reason string) error {
	if c.err != nil {
		return fmt.Errorf("no sale to void: %w", c.err)
	}
	c.sale, c.err = c.sales.VoidSale(context.Background(), c.sale.ID, sales.VoidRequest{UserID: c.cashierID, Reason: reason})
	return nil
}

func (c *saleFeatureContext) theSaleIsCompleted() error {
	if c.err != nil {
		return fmt.Errorf("expected completed sale, got error: %w", c.err)
	}
	return c.theSaleStatusIs(string(sales.StatusCompleted))
}

func (c *saleFeatureContext) theSaleStatusIs(status string) error {
	if c.err != nil {
		return fmt.Errorf("expected sale, got error: %w", c.err)
	}
	if string(c.sale.Status) != status {
		return fmt.Errorf("expected status %s, got %s", status, c.sale.Status)
	}
	return nil
}

func (c *saleFeatureContext) theSaleFailsWithInsufficientStock(requested, available int) error {
	var insufficient *inventory.InsufficientStockError
	if !errors.As(c.err, &insufficient) {
		return fmt.Errorf("expected insufficient stock, got %v", c.err)
	}
	if insufficient.Requested != requested || insufficient.Available != available {
		return fmt.Errorf("expected requested %d available %d, got %d/%d",
			requested, available, insufficient.Requested, insufficient.Available)
	}
	return nil
}

func (c *saleFeatureContext) exactlySalesAreCompleted(want int) error {
	completed := 0
	for _, err := range c.outcomes {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, inventory.ErrInsufficientStock):
		default:
			return fmt.Errorf("unexpected sale error: %w", err)
		}
	}
	if completed != want {
		return fmt.Errorf("expected %d completed sales, got %d", want, completed)
	}
	return nil
}

func (c *saleFeatureContext) productHasUnits(id int64, want int) error {
	if got := c.store.Stock(id); got != want {
		return fmt.Errorf("expected product %d stock %d, got %d", id, want, got)
	}
	return nil
}

func (c *saleFeatureContext) productIsNotLowOnStock(id int64) error {
	product, err := c.store.Catalog().GetProduct(context.Background(), id)
	if err != nil {
		return err
	}
	if product.IsLowStock() {
		return fmt.Errorf("product %d is low on stock at %d", id, product.StockQuantity)
	}
	return nil
}

func (c *saleFeatureContext) theLedgerIsBalanced(id int64) error {
	result, err := c.ledger.Reconcile(context.Background(), id)
	if err != nil {
		return err
	}
	if !result.Balanced {
		return fmt.Errorf("ledger for product %d: stock %d, ledger sum %d", id, result.StockQuantity, result.LedgerSum)
	}
	return nil
}

func (c *saleFeatureContext) amountEquals(field string, got decimal.Decimal, want string) error {
	expected, err := decimal.NewFromString(want)
	if err != nil {
		return err
	}
	if !got.Equal(expected) {
		return fmt.Errorf("expected %s %s, got %s", field, expected, got)
	}
	return nil
}

func (c *saleFeatureContext) theSaleSubtotalIs(want string) error {
	return c.amountEquals("subtotal", c.sale.SubTotal, want)
}

func (c *saleFeatureContext) theSaleDiscountIs(want string) error {
	return c.amountEquals("discount", c.sale.DiscountAmount, want)
}

func (c *saleFeatureContext) theSaleTotalIs(want string) error {
	if err := c.amountEquals("total", c.sale.TotalAmount, want); err != nil {
		return err
	}
	net := c.sale.SubTotal.Sub(c.sale.DiscountAmount).Add(c.sale.TaxAmount)
	return c.amountEquals("subtotal - discount + tax", net, want)
}

func (c *saleFeatureContext) returnEntriesReferenceTheSale(want int) error {
	saleEntries := make(map[int64]bool, len(c.sale.Items))
	for _, item := range c.sale.Items {
		saleEntries[item.InventoryTransactionID] = true
	}
	got := 0
	for _, entry := range c.store.Transactions() {
		if entry.Type == inventory.TransactionTypeReturn && entry.ReversalOf != nil && saleEntries[*entry.ReversalOf] {
			got++
		}
	}
	if got != want {
		return fmt.Errorf("expected %d return entries, got %d", want, got)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &saleFeatureContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})

	// Given steps
	ctx.Step(`^a cashier with id (\d+)$`, tc.aCashierWithID)
	ctx.Step(`^a product (\d+) "([^"]*)" priced ([\d.]+) with minimum stock (\d+)$`, tc.aProductPricedWithMinimumStock)
	ctx.Step(`^product (\d+) starts with (\d+) units in stock$`, tc.productHasUnitsInStock)

	// When steps
	ctx.Step(`^the cashier sells (\d+) units of product (\d+)$`, tc.theCashierSellsUnitsOfProduct)
	ctx.Step(`^the cashier sells with a (\d+) percent discount:$`, tc.theCashierSellsWithAPercentDiscount)
	ctx.Step(`^(\d+) cashiers each sell (\d+) units of product (\d+) at the same time$`, tc.cashiersEachSellUnitsAtTheSameTime)
	ctx.Step(`^the sale is voided with reason "([^"]*)"$`, tc.theSaleIsVoidedWithReason)

	// Then steps
	ctx.Step(`^the sale is completed$`, tc.theSaleIsCompleted)
	ctx.Step(`^the sale status is "([^"]*)"$`, tc.theSaleStatusIs)
	ctx.Step(`^the sale fails with insufficient stock requesting (\d+) with (\d+) available$`, tc.theSaleFailsWithInsufficientStock)
	ctx.Step(`^exactly (\d+) sales? (?:is|are) completed$`, tc.exactlySalesAreCompleted)
	ctx.Step(`^product (\d+) has (\d+) units in stock$`, tc.productHasUnits)
	ctx.Step(`^product (\d+) is not low on stock$`, tc.productIsNotLowOnStock)
	ctx.Step(`^the ledger for product (\d+) is balanced$`, tc.theLedgerIsBalanced)
	ctx.Step(`^the sale subtotal is ([\d.]+)$`, tc.theSaleSubtotalIs)
	ctx.Step(`^the sale discount is ([\d.]+)$`, tc.theSaleDiscountIs)
	ctx.Step(`^the sale total is ([\d.]+)$`, tc.theSaleTotalIs)
	ctx.Step(`^(\d+) return entries reference the sale$`, tc.returnEntriesReferenceTheSale)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/sales.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
