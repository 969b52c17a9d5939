package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is the oracle's answer for one origin/destination pair.
type Route struct {
	DistanceKm float64
	DurationS  float64
	// Estimated marks a straight-line estimate rather than a routed answer.
	Estimated bool
}

// Oracle is the distance/ETA provider. Implementations may be slow or unavailable;
// callers bound them with a context deadline.
type Oracle interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

const (
	defaultSpeedMps   = 8.0 // ~28.8 km/h default city speed
	defaultRoadFactor = 1.3
)

// Estimate is the naive fallback: haversine distance stretched by a road factor, divided by speed.
func Estimate(from, to models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	km := geo.HaversineKm(from, to) * defaultRoadFactor
	return Route{DistanceKm: km, DurationS: km * 1000 / speedMps, Estimated: true}
}

// Straight is an Oracle that only ever estimates. Used when no routing backend is configured.
type Straight struct {
	SpeedMps float64
}

func (s Straight) Route(_ context.Context, from, to models.Coord) (Route, error) {
	return Estimate(from, to, s.SpeedMps), nil
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// four decimals is roughly 11m, close enough to share answers between pings
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.store {
		if time.Since(e.ts) > c.ttl {
			delete(c.store, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Run sweeps the cache every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Cached consults the cache before the wrapped oracle and remembers successful answers.
type Cached struct {
	Oracle Oracle
	Cache  *Cache
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if v, ok := c.Cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.Oracle.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.Cache.Set(from, to, v)
	return v, nil
}
