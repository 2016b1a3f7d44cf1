package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/pharmacy/internal/catalog"
	"github.com/odyssey-erp/pharmacy/internal/inventory"
	"github.com/odyssey-erp/pharmacy/internal/monitor"
	"github.com/odyssey-erp/pharmacy/internal/observability"
	"github.com/odyssey-erp/pharmacy/internal/platform/cache"
	"github.com/odyssey-erp/pharmacy/internal/platform/db"
	"github.com/odyssey-erp/pharmacy/internal/platform/memstore"
	"github.com/odyssey-erp/pharmacy/internal/platform/sqlitestore"
	"github.com/odyssey-erp/pharmacy/internal/pricing"
	"github.com/odyssey-erp/pharmacy/internal/sales"
	"github.com/odyssey-erp/pharmacy/internal/shared"
)

// idempotencyAuditStore is implemented by every store driver.
type idempotencyAuditStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
	Record(ctx context.Context, log shared.AuditLog) error
}

// stores bundles the repositories of one driver.
type stores struct {
	catalog     catalog.Repository
	ledger      inventory.RepositoryPort
	sales       sales.Repository
	idempotency interface {
		CheckAndInsert(ctx context.Context, key, module string) error
		Delete(ctx context.Context, key string) error
	}
	audit  inventory.AuditPort
	memory *memstore.Store
}

// Services holds the wired domain services.
type Services struct {
	Catalog catalog.Repository
	Ledger  *inventory.Service
	Sales   *sales.Service
	Monitor *monitor.Service
	Redis   *redis.Client
	// Memory is set for the in-memory driver so callers can seed it.
	Memory *memstore.Store

	closers []func()
}

// Close releases store and cache connections in reverse order.
func (s *Services) Close() {
	if s == nil {
		return
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// BuildServices opens the configured store and wires ledger, coordinator and monitor.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	taxRate, err := cfg.TaxRate()
	if err != nil {
		return nil, err
	}
	rounding, err := pricing.ParseRoundingMode(cfg.RoundingMode)
	if err != nil {
		return nil, err
	}

	services := &Services{}
	st, err := openStores(ctx, cfg, logger, services)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Catalog = st.catalog
	services.Memory = st.memory

	if cfg.LockDriver == LockDriverRedis || cfg.StoreDriver == StoreDriverPostgres {
		client, err := cache.New(ctx, cfg.RedisAddr)
		switch {
		case err == nil:
			services.Redis = client
			services.closers = append(services.closers, func() {
				if err := client.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			})
		case cfg.LockDriver == LockDriverRedis:
			services.Close()
			return nil, fmt.Errorf("app: redis lock driver: %w", err)
		default:
			logger.Warn("redis unavailable, lookup cache disabled", slog.Any("error", err))
		}
	}

	var locker inventory.Locker
	switch cfg.LockDriver {
	case LockDriverLocal:
		locker = inventory.NewKeyedMutex()
	case LockDriverRedis:
		locker = inventory.NewRedisLocker(cache.NewMutex(services.Redis, cache.MutexConfig{TTL: cfg.LockTTL}), logger)
	}

	var movements inventory.MovementHandler
	var saleMetrics sales.Metrics
	if metrics != nil {
		movements = metrics
		saleMetrics = metrics
	}
	services.Ledger = inventory.NewService(st.ledger, st.audit, st.idempotency, inventory.ServiceConfig{
		MaxRetries: cfg.LedgerMaxRetries,
		Locker:     locker,
		Logger:     logger.With(slog.String("component", "ledger")),
	}, movements)

	lookup := catalog.NewCachedLookup(st.catalog, cache.NewJSONCache(services.Redis, "pharmacy:lookup", cfg.LookupCacheTTL))
	services.Sales = sales.NewService(st.sales, services.Ledger, lookup, st.idempotency, sales.ServiceConfig{
		TaxRate:  taxRate,
		Rounding: rounding,
		Timeout:  cfg.SaleTimeout,
		Logger:   logger.With(slog.String("component", "sales")),
		Metrics:  saleMetrics,
	})
	services.Monitor = monitor.NewService(st.catalog, monitor.Config{
		HorizonDays: cfg.ExpiryHorizonDays,
		Logger:      logger.With(slog.String("component", "monitor")),
	})
	return services, nil
}

func openStores(ctx context.Context, cfg *Config, logger *slog.Logger, services *Services) (stores, error) {
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return stores{}, err
		}
		services.closers = append(services.closers, pool.Close)
		return stores{
			catalog:     catalog.NewRepository(pool),
			ledger:      inventory.NewRepository(pool),
			sales:       sales.NewRepository(pool),
			idempotency: shared.NewIdempotencyStore(pool),
			audit:       shared.NewAuditLogger(pool),
		}, nil
	case StoreDriverSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		services.closers = append(services.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("sqlite close", slog.Any("error", err))
			}
		})
		return driverStores(store.Catalog(), store.Ledger(), store.Sales(), store), nil
	case StoreDriverMemory:
		store := memstore.New()
		st := driverStores(store.Catalog(), store.Ledger(), store.Sales(), store)
		st.memory = store
		return st, nil
	default:
		return stores{}, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}
}

func driverStores(c catalog.Repository, l inventory.RepositoryPort, s sales.Repository, support idempotencyAuditStore) stores {
	return stores{catalog: c, ledger: l, sales: s, idempotency: support, audit: support}
}
