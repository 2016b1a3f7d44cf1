package perf

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/platform/memstore"
	"github.com/odyssey-erp/pharmacy/internal/sales"
)

const (
	perfCashier int64 = 1
	perfProduct int64 = 1
)

func newSalesRouter(t testing.TB, stock int) (http.Handler, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	store.PutUser(catalog.User{ID: perfCashier, Username: "cashier", FullName: "Front Desk", Role: "CASHIER", IsActive: true})
	store.PutProduct(catalog.Product{ID: perfProduct, SKU: "PCM-500", Name: "Paracetamol 500mg",
		Price: decimal.RequireFromString("5.00"), MinStockLevel: 1, IsActive: true})
	ledger := inventory.NewService(store.Ledger(), store, store, inventory.ServiceConfig{Locker: inventory.NewKeyedMutex()}, nil)
	_, err := ledger.ReceivePurchase(context.Background(), inventory.ReceiptInput{ProductID: perfProduct, Quantity: stock, UserID: perfCashier})
	require.NoError(t, err)

	service := sales.NewService(store.Sales(), ledger, store.Catalog(), store, sales.ServiceConfig{})
	r := chi.NewRouter()
	r.Route("/api/sales", sales.NewHandler(nil, service).MountRoutes)
	return r, store
}

func postSale(h http.Handler, qty int) int {
	body := fmt.Sprintf(`{"cashier_id":%d,"payment_method":"CASH","lines":[{"product_id":%d,"quantity":%d}]}`, perfCashier, perfProduct, qty)
	req := httptest.NewRequest(http.MethodPost, "/api/sales", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestSaleLatencyTarget(t *testing.T) {
	const runs = 200
	h, store := newSalesRouter(t, runs)

	samples := make([]time.Duration, 0, runs)
	for i := 0; i < runs; i++ {
		start := time.Now()
		code := postSale(h, 1)
		samples = append(samples, time.Since(start))
		require.Equal(t, http.StatusCreated, code)
	}
	require.Equal(t, 0, store.Stock(perfProduct))
	require.Equal(t, http.StatusConflict, postSale(h, 1))

	threshold := 250 * time.Millisecond
	if p95 := percentile95(samples); p95 > threshold {
		t.Fatalf("sale latency regression: p95=%s threshold=%s", p95, threshold)
	}
}

func TestPercentile95(t *testing.T) {
	samples := []time.Duration{
		120 * time.Millisecond, 140 * time.Millisecond, 160 * time.Millisecond, 180 * time.Millisecond, 200 * time.Millisecond,
		220 * time.Millisecond, 230 * time.Millisecond, 250 * time.Millisecond, 260 * time.Millisecond, 270 * time.Millisecond,
	}
	require.Equal(t, 260*time.Millisecond, percentile95(samples))
	require.Zero(t, percentile95(nil))
}

func BenchmarkCreateSale(b *testing.B) {
	h, _ := newSalesRouter(b, b.N+1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if code := postSale(h, 1); code != http.StatusCreated {
			b.Fatalf("unexpected status %d", code)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
