package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/pharmacy/internal/inventory"
	jobmetrics "github.com/odyssey-erp/pharmacy/internal/jobs"
)

const defaultReconcileConcurrency = 4

// ProductLister enumerates the products to reconcile.
type ProductLister interface {
	ListActiveProductIDs(ctx context.Context) ([]int64, error)
}

// Reconciler replays one product ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, productID int64) (inventory.Reconciliation, error)
}

// JobLock prevents overlapping runs across workers.
type JobLock interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// LedgerReconcileJob checks that every product's ledger sums to its stored stock.
type LedgerReconcileJob struct {
	Products ProductLister
	Ledger   Reconciler
	Lock     JobLock
	LockKey  string
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// ReconcileReport summarises a reconciliation run.
type ReconcileReport struct {
	Checked    int
	Unbalanced []inventory.Reconciliation
}

// NewLedgerReconcileJob initialises the reconciliation handler.
func NewLedgerReconcileJob(products ProductLister, ledger Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerReconcileJob {
	return &LedgerReconcileJob{Products: products, Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLedgerReconcile tasks.
func (j *LedgerReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Products == nil || j.Ledger == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload LedgerReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.Concurrency)
	return err
}

// Run reconciles all active products with at most concurrency products in flight.
func (j *LedgerReconcileJob) Run(ctx context.Context, concurrency int) (ReconcileReport, error) {
	tracker := j.Metrics.Track(TaskLedgerReconcile)
	if j.Lock != nil && j.LockKey != "" {
		release, err := j.Lock.Acquire(ctx, j.LockKey)
		if err != nil {
			return ReconcileReport{}, tracker.End(fmt.Errorf("ledger reconcile: acquire lock: %w", err))
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.logger().Warn("release job lock", slog.Any("error", err))
			}
		}()
	}
	report, err := j.reconcile(ctx, concurrency)
	return report, tracker.End(err)
}

func (j *LedgerReconcileJob) reconcile(ctx context.Context, concurrency int) (ReconcileReport, error) {
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}
	logger := j.logger()
	ids, err := j.Products.ListActiveProductIDs(ctx)
	if err != nil {
		logger.Error("list products", slog.Any("error", err))
		return ReconcileReport{}, err
	}

	var (
		mu     sync.Mutex
		report = ReconcileReport{Checked: len(ids)}
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, id := range ids {
		group.Go(func() error {
			result, err := j.Ledger.Reconcile(gctx, id)
			if err != nil {
				return fmt.Errorf("reconcile product %d: %w", id, err)
			}
			if !result.Balanced {
				mu.Lock()
				report.Unbalanced = append(report.Unbalanced, result)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		logger.Error("ledger reconcile failed", slog.Any("error", err))
		return report, err
	}

	j.Metrics.SetLedgerImbalances(len(report.Unbalanced))
	logger.Info("ledger reconcile completed",
		slog.Int("checked", report.Checked),
		slog.Int("unbalanced", len(report.Unbalanced)),
	)
	return report, nil
}

func (j *LedgerReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}
