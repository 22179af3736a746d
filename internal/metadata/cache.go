package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL  = 5 * time.Minute
	snapshotKey = "snapshot"
)

// Cache holds one Snapshot until its TTL passes. A miss loads through the
// Loader; concurrent misses share one load. There is no explicit eviction.
type Cache struct {
	loader Loader
	ttl    time.Duration
	store  *gocache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

func NewCache(loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		loader: loader,
		ttl:    ttl,
		store:  gocache.New(ttl, 2*ttl),
		logger: slog.Default(),
	}
}

// Get returns the cached snapshot, loading it on a miss.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	if v, ok := c.store.Get(snapshotKey); ok {
		return v.(*Snapshot), nil
	}

	v, err, _ := c.group.Do(snapshotKey, func() (any, error) {
		if v, ok := c.store.Get(snapshotKey); ok {
			return v, nil
		}
		cols, err := c.loader.LoadColumns(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading metadata: %w", err)
		}
		snap := NewSnapshot(cols)
		c.store.Set(snapshotKey, snap, c.ttl)
		c.logger.Debug("metadata loaded", "columns", len(cols))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// ExpiresAt reports when the cached snapshot lapses. ok is false when
// nothing is cached.
func (c *Cache) ExpiresAt() (at time.Time, ok bool) {
	_, at, ok = c.store.GetWithExpiration(snapshotKey)
	return at, ok
}
