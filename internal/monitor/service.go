// Package monitor classifies products as low on stock or expiring soon.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
)

// DefaultHorizonDays applies when no expiry horizon is configured.
const DefaultHorizonDays = 30

// Source is the read side of the catalog used by the monitor.
type Source interface {
	ListLowStock(ctx context.Context) ([]catalog.Product, error)
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]catalog.Product, error)
}

// StockAlert is a product with its derived flags evaluated at AsOf.
type StockAlert struct {
	catalog.Product
	IsLowStock     bool      `json:"is_low_stock"`
	IsExpiringSoon bool      `json:"is_expiring_soon"`
	DaysToExpiry   *int      `json:"days_to_expiry,omitempty"`
	AsOf           time.Time `json:"as_of"`
}

// Summary counts flagged products.
type Summary struct {
	LowStock    int       `json:"low_stock"`
	Expiring    int       `json:"expiring"`
	HorizonDays int       `json:"horizon_days"`
	AsOf        time.Time `json:"as_of"`
}

// Config groups monitor settings.
type Config struct {
	HorizonDays int
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Service answers stock alert queries. It never writes.
type Service struct {
	source  Source
	horizon int
	clock   func() time.Time
	logger  *slog.Logger
	group   singleflight.Group
}

// NewService constructs the monitor.
func NewService(source Source, cfg Config) *Service {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{source: source, horizon: cfg.HorizonDays, clock: cfg.Clock, logger: cfg.Logger}
}

// HorizonDays returns the configured default horizon.
func (s *Service) HorizonDays() int { return s.horizon }

// ListLowStock returns active products at or below their minimum stock level.
func (s *Service) ListLowStock(ctx context.Context) ([]StockAlert, error) {
	return s.collapse(ctx, "low-stock", func(ctx context.Context) ([]StockAlert, error) {
		products, err := s.source.ListLowStock(ctx)
		if err != nil {
			return nil, fmt.Errorf("list low stock: %w", err)
		}
		return s.classify(products, s.horizon), nil
	})
}

// ListExpiringSoon returns active products expiring within horizonDays.
// Non-positive values use the configured horizon.
func (s *Service) ListExpiringSoon(ctx context.Context, horizonDays int) ([]StockAlert, error) {
	if horizonDays <= 0 {
		horizonDays = s.horizon
	}
	key := fmt.Sprintf("expiring:%d", horizonDays)
	return s.collapse(ctx, key, func(ctx context.Context) ([]StockAlert, error) {
		cutoff := s.clock().Add(days(horizonDays))
		products, err := s.source.ListExpiringBefore(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("list expiring: %w", err)
		}
		return s.classify(products, horizonDays), nil
	})
}

// Summary counts low-stock and expiring products for the default horizon.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	low, err := s.ListLowStock(ctx)
	if err != nil {
		return Summary{}, err
	}
	expiring, err := s.ListExpiringSoon(ctx, 0)
	if err != nil {
		return Summary{}, err
	}
	return Summary{LowStock: len(low), Expiring: len(expiring), HorizonDays: s.horizon, AsOf: s.clock()}, nil
}

func (s *Service) classify(products []catalog.Product, horizonDays int) []StockAlert {
	now := s.clock()
	alerts := make([]StockAlert, 0, len(products))
	for _, p := range products {
		alert := StockAlert{
			Product:        p,
			IsLowStock:     p.IsLowStock(),
			IsExpiringSoon: p.IsExpiringSoon(now, days(horizonDays)),
			AsOf:           now,
		}
		if p.ExpiryDate != nil {
			left := int(p.ExpiryDate.Sub(now).Hours() / 24)
			alert.DaysToExpiry = &left
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

// collapse shares one in-flight query between identical concurrent callers.
// A caller whose context ends stops waiting without cancelling the others.
func (s *Service) collapse(ctx context.Context, key string, fn func(context.Context) ([]StockAlert, error)) ([]StockAlert, error) {
	resultChan := s.group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("monitor query shared", slog.String("key", key))
		}
		alerts := res.Val.([]StockAlert)
		return append([]StockAlert(nil), alerts...), nil
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
