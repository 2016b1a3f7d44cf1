package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/pharmacy/internal/platform/cache"
	"github.com/odyssey-erp/pharmacy/internal/shared"
)

// KeyedMutex is an in-process Locker holding one mutex per product.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedEntry)}
}

// Lock waits for the product lock or ctx cancellation.
func (k *KeyedMutex) Lock(ctx context.Context, productID int64) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[productID]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[productID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(productID, entry)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			k.release(productID, entry)
		})
	}, nil
}

func (k *KeyedMutex) release(productID int64, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, productID)
	}
}

// RedisLocker is a Locker shared by every process talking to the same Redis.
type RedisLocker struct {
	mutex  *cache.Mutex
	logger *slog.Logger
}

// NewRedisLocker adapts a redis mutex to the Locker interface.
func NewRedisLocker(mutex *cache.Mutex, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{mutex: mutex, logger: logger}
}

// Lock acquires the product key.
func (l *RedisLocker) Lock(ctx context.Context, productID int64) (func(), error) {
	key := shared.StockLockKey(productID)
	release, err := l.mutex.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrLockTimeout) {
			// Another writer holds the product; retry like a version conflict.
			return nil, fmt.Errorf("%w: %w", ErrVersionConflict, err)
		}
		return nil, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			l.logger.Warn("release stock lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
