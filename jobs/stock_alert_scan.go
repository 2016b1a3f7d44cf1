package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/pharmacy/internal/jobs"
	"github.com/odyssey-erp/pharmacy/internal/monitor"
)

// AlertSource is the part of the stock monitor the scan needs.
type AlertSource interface {
	ListLowStock(ctx context.Context) ([]monitor.StockAlert, error)
	ListExpiringSoon(ctx context.Context, horizonDays int) ([]monitor.StockAlert, error)
}

// StockAlertScanJob publishes how many products need reordering or are about to expire.
type StockAlertScanJob struct {
	Source  AlertSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockAlertScanJob initialises the scan handler.
func NewStockAlertScanJob(source AlertSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockAlertScanJob {
	return &StockAlertScanJob{Source: source, Logger: logger, Metrics: metrics}
}

// Handle processes TaskStockAlertScan tasks.
func (j *StockAlertScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("stock alert scan: handler not configured")
	}
	var payload StockAlertScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run performs one scan and returns the counts it published.
func (j *StockAlertScanJob) Run(ctx context.Context, payload StockAlertScanPayload) (monitor.Summary, error) {
	tracker := j.Metrics.Track(TaskStockAlertScan)
	summary, err := j.scan(ctx, payload)
	return summary, tracker.End(err)
}

func (j *StockAlertScanJob) scan(ctx context.Context, payload StockAlertScanPayload) (monitor.Summary, error) {
	logger := j.logger()
	low, err := j.Source.ListLowStock(ctx)
	if err != nil {
		logger.Error("stock alert scan failed", slog.String("kind", jobmetrics.AlertLowStock), slog.Any("error", err))
		return monitor.Summary{}, err
	}
	expiring, err := j.Source.ListExpiringSoon(ctx, payload.HorizonDays)
	if err != nil {
		logger.Error("stock alert scan failed", slog.String("kind", jobmetrics.AlertExpiring), slog.Any("error", err))
		return monitor.Summary{}, err
	}

	j.Metrics.SetStockAlerts(jobmetrics.AlertLowStock, len(low))
	j.Metrics.SetStockAlerts(jobmetrics.AlertExpiring, len(expiring))
	for _, alert := range low {
		logger.Warn("product below minimum stock",
			slog.Int64("product_id", alert.ID),
			slog.String("sku", alert.SKU),
			slog.Int("stock_quantity", alert.StockQuantity),
			slog.Int("min_stock_level", alert.MinStockLevel),
		)
	}
	logger.Info("stock alert scan completed",
		slog.Int("low_stock", len(low)),
		slog.Int("expiring", len(expiring)),
	)
	return monitor.Summary{LowStock: len(low), Expiring: len(expiring), HorizonDays: payload.HorizonDays}, nil
}

func (j *StockAlertScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockAlertScan))
	}
	return slog.Default().With(slog.String("job", TaskStockAlertScan))
}
