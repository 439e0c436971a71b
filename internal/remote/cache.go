package remote

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const defaultCacheTTL = 30 * time.Second

// CachedStore fronts a Store with a short-lived read cache. Writes through
// this store and snapshots it observes invalidate the cached entry.
type CachedStore struct {
	next  Store
	cache *cache.Cache
}

// NewCachedStore wraps next. A non-positive ttl uses 30s.
func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedStore{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

type cachedDoc struct {
	doc    SignalDoc
	exists bool
}

// Get implements Store.
func (c *CachedStore) Get(ctx context.Context, id string) (SignalDoc, bool, error) {
	if v, ok := c.cache.Get(id); ok {
		entry := v.(cachedDoc)
		return entry.doc, entry.exists, nil
	}
	doc, ok, err := c.next.Get(ctx, id)
	if err != nil {
		return SignalDoc{}, false, err
	}
	c.cache.SetDefault(id, cachedDoc{doc: doc, exists: ok})
	return doc, ok, nil
}

// Set implements Store.
func (c *CachedStore) Set(ctx context.Context, id string, doc SignalDoc) error {
	c.cache.Delete(id)
	return c.next.Set(ctx, id, doc)
}

// Merge implements Store.
func (c *CachedStore) Merge(ctx context.Context, id string, doc SignalDoc) error {
	c.cache.Delete(id)
	return c.next.Merge(ctx, id, doc)
}

// Delete implements Store.
func (c *CachedStore) Delete(ctx context.Context, id string) error {
	c.cache.Delete(id)
	return c.next.Delete(ctx, id)
}

// Subscribe implements Store; every snapshot refreshes the cached copy.
func (c *CachedStore) Subscribe(ctx context.Context, id string, fn func(Snapshot)) (Subscription, error) {
	return c.next.Subscribe(ctx, id, func(snap Snapshot) {
		c.cache.SetDefault(id, cachedDoc{doc: snap.Doc, exists: snap.Exists})
		fn(snap)
	})
}
