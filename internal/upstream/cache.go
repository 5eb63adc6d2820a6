package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"
)

// Cache classes, used as metric labels.
const (
	ClassLines = "lines"
	ClassTrips = "trips"
)

// Source is anything that can answer the two RealTimeManager lookups.
// Both *Client and *Cache implement it.
type Source interface {
	LineDirIDs(ctx context.Context, endpoint string) ([]ID, error)
	ActiveTrips(ctx context.Context, endpoint string, ids []ID) ([]ActiveTrip, error)
}

// CacheObserver receives one call per cache lookup.
type CacheObserver interface {
	CacheLookup(class string, hit bool)
}

// CacheOptions configures a Cache. Zero values take the defaults.
type CacheOptions struct {
	LinesTTL time.Duration // default 24h
	TripsTTL time.Duration // default 30s
	Size     int           // entries per class, default 128
	Clock    gcache.Clock
	Observer CacheObserver
}

// Cache is an in-memory TTL cache in front of a Source. Line directions and
// active trips expire independently. Concurrent misses for the same key
// share one upstream call. Errors are not cached.
type Cache struct {
	src      Source
	lines    gcache.Cache
	trips    gcache.Cache
	group    singleflight.Group
	observer CacheObserver
}

// NewCache wraps src with a Cache.
func NewCache(src Source, opts CacheOptions) *Cache {
	if opts.LinesTTL <= 0 {
		opts.LinesTTL = 24 * time.Hour
	}
	if opts.TripsTTL <= 0 {
		opts.TripsTTL = 30 * time.Second
	}
	if opts.Size <= 0 {
		opts.Size = 128
	}

	return &Cache{
		src:      src,
		lines:    newStore(opts.Size, opts.LinesTTL, opts.Clock),
		trips:    newStore(opts.Size, opts.TripsTTL, opts.Clock),
		observer: opts.Observer,
	}
}

func newStore(size int, ttl time.Duration, clock gcache.Clock) gcache.Cache {
	b := gcache.New(size).LRU().Expiration(ttl)
	if clock != nil {
		b = b.Clock(clock)
	}
	return b.Build()
}

// LineDirIDs returns the cached line directions for endpoint, fetching them on a miss.
func (c *Cache) LineDirIDs(ctx context.Context, endpoint string) ([]ID, error) {
	v, err := c.lookup(ctx, c.lines, ClassLines, linesKey(endpoint), func(ctx context.Context) (any, error) {
		return c.src.LineDirIDs(ctx, endpoint)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ID), nil
}

// ActiveTrips returns the cached active trips for endpoint and this exact
// set of line directions, fetching them on a miss.
func (c *Cache) ActiveTrips(ctx context.Context, endpoint string, ids []ID) ([]ActiveTrip, error) {
	key, err := tripsKey(endpoint, ids)
	if err != nil {
		return nil, err
	}
	v, err := c.lookup(ctx, c.trips, ClassTrips, key, func(ctx context.Context) (any, error) {
		return c.src.ActiveTrips(ctx, endpoint, ids)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ActiveTrip), nil
}

// Purge drops every entry of both classes.
func (c *Cache) Purge() {
	c.lines.Purge()
	c.trips.Purge()
}

// lookup serves key from store or loads it once for all concurrent callers.
// The shared load is detached from the caller's cancellation so one caller
// going away does not fail the others; the client timeout still bounds it.
func (c *Cache) lookup(ctx context.Context, store gcache.Cache, class, key string, load func(context.Context) (any, error)) (any, error) {
	if v, err := store.GetIFPresent(key); err == nil {
		c.observe(class, true)
		return v, nil
	}
	c.observe(class, false)

	v, err, _ := c.group.Do(class+"\x00"+key, func() (any, error) {
		// filled while we waited on the group
		if v, err := store.GetIFPresent(key); err == nil {
			return v, nil
		}
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if err := store.Set(key, v); err != nil {
			return nil, fmt.Errorf("cache %s: %w", class, err)
		}
		return v, nil
	})
	return v, err
}

func (c *Cache) observe(class string, hit bool) {
	if c.observer != nil {
		c.observer.CacheLookup(class, hit)
	}
}

func linesKey(endpoint string) string {
	return endpoint
}

// tripsKey snapshots ids in their wire form so "101" and 101 stay distinct.
func tripsKey(endpoint string, ids []ID) (string, error) {
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	return endpoint + "\x00" + string(b), nil
}
