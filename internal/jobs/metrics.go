package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Alert kinds reported by the stock alert scan.
const (
	AlertLowStock = "low_stock"
	AlertExpiring = "expiring"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	stockAlerts *prometheus.GaugeVec
	imbalances  prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetStockAlerts publishes how many products the last scan flagged for kind.
func (m *Metrics) SetStockAlerts(kind string, count int) {
	if m == nil {
		return
	}
	m.stockAlerts.WithLabelValues(kind).Set(float64(count))
}

// SetLedgerImbalances publishes how many products failed the last reconciliation.
func (m *Metrics) SetLedgerImbalances(count int) {
	if m == nil {
		return
	}
	m.imbalances.Set(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pharmacy_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	stockAlerts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pharmacy_stock_alert_products",
		Help: "Products flagged by the last stock alert scan, by alert kind.",
	}, []string{"kind"})
	imbalances := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pharmacy_ledger_unbalanced_products",
		Help: "Products whose ledger did not match stored stock in the last reconciliation.",
	})
	registerer.MustRegister(runs, failures, duration, stockAlerts, imbalances)
	return &Metrics{runs: runs, failures: failures, duration: duration, stockAlerts: stockAlerts, imbalances: imbalances}
}
