package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestMutexExcludesSecondOwner(t *testing.T) {
	client, _ := newTestClient(t)
	mutex := NewMutex(client, MutexConfig{TTL: time.Second, Wait: 50 * time.Millisecond, Retry: 5 * time.Millisecond})
	ctx := context.Background()

	release, err := mutex.Acquire(ctx, "inventory:product:1:lock")
	require.NoError(t, err)

	_, err = mutex.Acquire(ctx, "inventory:product:1:lock")
	require.ErrorIs(t, err, ErrLockTimeout)

	other, err := mutex.Acquire(ctx, "inventory:product:2:lock")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	again, err := mutex.Acquire(ctx, "inventory:product:1:lock")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMutexReleaseKeepsForeignLock(t *testing.T) {
	client, mr := newTestClient(t)
	mutex := NewMutex(client, MutexConfig{TTL: time.Second})
	ctx := context.Background()

	release, err := mutex.Acquire(ctx, "k")
	require.NoError(t, err)

	// Simulate expiry followed by another owner taking the key.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("k", "someone-else"))

	require.NoError(t, release(ctx))
	value, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

func TestMutexHonoursContext(t *testing.T) {
	client, _ := newTestClient(t)
	mutex := NewMutex(client, MutexConfig{TTL: time.Second, Wait: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := mutex.Acquire(ctx, "busy")
	require.NoError(t, err)

	cancel()
	_, err = mutex.Acquire(ctx, "busy")
	require.True(t, errors.Is(err, context.Canceled))
}

type cachedUser struct {
	Name string `json:"name"`
}

func TestJSONCacheFetchAndBump(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewJSONCache(client, "catalog", time.Minute)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return cachedUser{Name: "ana"}, nil
	}

	key, err := c.BuildKey(ctx, "user", "7")
	require.NoError(t, err)
	require.Equal(t, "catalog:user:7:v1", key)

	var got cachedUser
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, "ana", got.Name)
	require.Equal(t, 1, calls)

	require.NoError(t, c.Bump(ctx))
	key, err = c.BuildKey(ctx, "user", "7")
	require.NoError(t, err)
	require.Equal(t, "catalog:user:7:v2", key)
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, 2, calls)
}

func TestJSONCacheWithoutClientCallsLoader(t *testing.T) {
	c := NewJSONCache(nil, "catalog", time.Minute)
	var got cachedUser
	err := c.FetchJSON(context.Background(), "k", &got, func(context.Context) (any, error) {
		return cachedUser{Name: "direct"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "direct", got.Name)
}

func TestJSONCacheDoesNotStoreLoaderErrors(t *testing.T) {
	client, mr := newTestClient(t)
	c := NewJSONCache(client, "catalog", time.Minute)
	boom := errors.New("boom")
	var got cachedUser
	err := c.FetchJSON(context.Background(), "catalog:x", &got, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("catalog:x"))
}
