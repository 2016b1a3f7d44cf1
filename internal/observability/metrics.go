package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/pharmacy/internal/inventory"
	jobmetrics "github.com/odyssey-erp/pharmacy/internal/jobs"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sales         *prometheus.CounterVec
	saleRevenue   prometheus.Counter
	compensations *prometheus.CounterVec
	movements     *prometheus.CounterVec
	stockLevel    *prometheus.GaugeVec

	jobs *jobmetrics.Metrics
}

// NewMetrics initialises the registry with HTTP, domain and job metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pharmacy_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_sales_total",
		Help: "Sale attempts by outcome.",
	}, []string{"outcome"})
	revenue := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pharmacy_sales_amount_total",
		Help: "Sum of completed sale totals.",
	})
	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_sale_compensations_total",
		Help: "Reserved ledger entries reversed after a failed sale, by result.",
	}, []string{"result"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_stock_movements_total",
		Help: "Committed ledger entries by transaction type.",
	}, []string{"type"})
	stockLevel := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pharmacy_stock_quantity",
		Help: "Stock quantity after the latest movement per product.",
	}, []string{"product_id"})
	registry.MustRegister(requests, duration, sales, revenue, compensations, movements, stockLevel)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		sales:           sales,
		saleRevenue:     revenue,
		compensations:   compensations,
		movements:       movements,
		stockLevel:      stockLevel,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Jobs returns the job metrics sharing this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// SaleCompleted counts a completed sale and its total.
func (m *Metrics) SaleCompleted(total decimal.Decimal) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues("completed").Inc()
	m.saleRevenue.Add(total.InexactFloat64())
}

// SaleFailed counts a rejected or failed sale.
func (m *Metrics) SaleFailed(reason string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(reason).Inc()
}

// Compensated counts reversed reservations.
func (m *Metrics) Compensated(entries int, failed bool) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Add(float64(entries))
}

// HandleStockMoved records a committed ledger movement.
func (m *Metrics) HandleStockMoved(_ context.Context, evt inventory.StockMovedEvent) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(string(evt.Type)).Inc()
	m.stockLevel.WithLabelValues(strconv.FormatInt(evt.ProductID, 10)).Set(float64(evt.ResultingStock))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
