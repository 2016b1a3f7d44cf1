package catalog

import (
	"context"
	"strconv"

	"github.com/odyssey-erp/pharmacy/internal/platform/cache"
)

// CachedLookup serves users and patients from Redis. Products always go to the
// underlying lookup so sales snapshot the current price and active flag.
type CachedLookup struct {
	next  Lookup
	cache *cache.JSONCache
}

// NewCachedLookup wraps next with the JSON cache.
func NewCachedLookup(next Lookup, c *cache.JSONCache) *CachedLookup {
	return &CachedLookup{next: next, cache: c}
}

// GetProduct bypasses the cache.
func (l *CachedLookup) GetProduct(ctx context.Context, id int64) (Product, error) {
	return l.next.GetProduct(ctx, id)
}

// GetUser returns a cached user record.
func (l *CachedLookup) GetUser(ctx context.Context, id int64) (User, error) {
	key, err := l.cache.BuildKey(ctx, "user", strconv.FormatInt(id, 10))
	if err != nil {
		return l.next.GetUser(ctx, id)
	}
	var user User
	err = l.cache.FetchJSON(ctx, key, &user, func(ctx context.Context) (any, error) {
		return l.next.GetUser(ctx, id)
	})
	return user, err
}

// GetPatient returns a cached patient record.
func (l *CachedLookup) GetPatient(ctx context.Context, id int64) (Patient, error) {
	key, err := l.cache.BuildKey(ctx, "patient", strconv.FormatInt(id, 10))
	if err != nil {
		return l.next.GetPatient(ctx, id)
	}
	var patient Patient
	err = l.cache.FetchJSON(ctx, key, &patient, func(ctx context.Context) (any, error) {
		return l.next.GetPatient(ctx, id)
	})
	return patient, err
}
