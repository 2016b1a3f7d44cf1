package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/pharmacy/internal/jobs"
	"github.com/odyssey-erp/pharmacy/jobs"
)

func TestJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	// Alert scans are frequent and fast.
	for i := 0; i < 60; i++ {
		tracker := metrics.Track(jobs.TaskStockAlertScan)
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending scan tracker: %v", err)
		}
	}

	// Nightly reconciliation walks every ledger and is slower.
	for i := 0; i < 5; i++ {
		tracker := metrics.Track(jobs.TaskLedgerReconcile)
		time.Sleep(20 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending reconcile tracker: %v", err)
		}
	}

	// A couple of failed scans must be counted without hiding the error.
	for i := 0; i < 3; i++ {
		tracker := metrics.Track(jobs.TaskStockAlertScan)
		if err := tracker.End(errors.New("redis timeout")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}
	metrics.SetStockAlerts(jobmetrics.AlertLowStock, 4)
	metrics.SetLedgerImbalances(0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "pharmacy_jobs_total", map[string]string{"job": jobs.TaskStockAlertScan, "status": "success"})
	failure := metricValue(t, families, "pharmacy_jobs_total", map[string]string{"job": jobs.TaskStockAlertScan, "status": "failure"})
	if success != 60 || failure != 3 {
		t.Fatalf("unexpected scan counts: success=%v failure=%v", success, failure)
	}
	if ratio := success / (success + failure); ratio < 0.9 {
		t.Fatalf("scan success ratio too low: %f", ratio)
	}
	if failures := metricValue(t, families, "pharmacy_jobs_failures_total", map[string]string{"job": jobs.TaskStockAlertScan}); failures != 3 {
		t.Fatalf("expected 3 recorded failures, got %v", failures)
	}

	if d := histogramMean(t, families, "pharmacy_job_duration_seconds", map[string]string{"job": jobs.TaskLedgerReconcile}); d > 2.0 {
		t.Fatalf("reconcile duration above budget: %f", d)
	}
	if d := histogramMean(t, families, "pharmacy_job_duration_seconds", map[string]string{"job": jobs.TaskStockAlertScan}); d > 0.5 {
		t.Fatalf("scan duration above budget: %f", d)
	}

	if low := metricValue(t, families, "pharmacy_stock_alert_products", map[string]string{"kind": jobmetrics.AlertLowStock}); low != 4 {
		t.Fatalf("expected 4 low stock products, got %v", low)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
