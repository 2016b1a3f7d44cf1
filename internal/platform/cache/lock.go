package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be acquired before the wait budget ran out.
var ErrLockTimeout = errors.New("platform/cache: lock wait timeout")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Mutex is a best-effort distributed lock built on SET NX PX. Each acquisition
// holds a random token so only the owner can release it.
type Mutex struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// MutexConfig tunes lock expiry and acquisition polling.
type MutexConfig struct {
	TTL   time.Duration
	Wait  time.Duration
	Retry time.Duration
}

// NewMutex constructs a Mutex with defaults for zero values.
func NewMutex(client *redis.Client, cfg MutexConfig) *Mutex {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 25 * time.Millisecond
	}
	return &Mutex{client: client, ttl: cfg.TTL, wait: cfg.Wait, retry: cfg.Retry}
}

// Acquire blocks until key is held, the wait budget expires or ctx is done.
// The returned release func is safe to call once the lock has expired.
func (m *Mutex) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if m == nil || m.client == nil {
		return nil, errors.New("platform/cache: mutex not configured")
	}
	token := uuid.NewString()
	deadline := time.Now().Add(m.wait)
	for {
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
		}
		if ok {
			return func(releaseCtx context.Context) error {
				return releaseScript.Run(releaseCtx, m.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		timer := time.NewTimer(m.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
