package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// chainBook remembers where drivers recently dropped a rider off; the selector gives
// a small bonus when that spot is near a new pickup.
type chainBook struct {
	mu     sync.Mutex
	window time.Duration
	ends   map[string]chainEnd
}

type chainEnd struct {
	at   models.Coord
	when time.Time
}

func newChainBook(window time.Duration) *chainBook {
	return &chainBook{window: window, ends: make(map[string]chainEnd)}
}

func (b *chainBook) record(driverID string, at models.Coord) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.ends {
		if now.Sub(e.when) > b.window {
			delete(b.ends, id)
		}
	}
	b.ends[driverID] = chainEnd{at: at, when: now}
}

func (b *chainBook) RecentDropoff(driverID string) (models.Coord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.ends[driverID]
	if !ok || time.Since(e.when) > b.window {
		return models.Coord{}, false
	}
	return e.at, true
}

// profileCache fronts the driver directory. Unknown drivers get the default rating.
type profileCache struct {
	store         storage.Profiles
	defaultRating float64
	ttl           time.Duration

	mu      sync.Mutex
	entries map[string]profileEntry
}

type profileEntry struct {
	p       models.DriverProfile
	fetched time.Time
}

func newProfileCache(store storage.Profiles, defaultRating float64, ttl time.Duration) *profileCache {
	return &profileCache{store: store, defaultRating: defaultRating, ttl: ttl, entries: make(map[string]profileEntry)}
}

func (c *profileCache) Get(driverID string) models.DriverProfile {
	c.mu.Lock()
	e, ok := c.entries[driverID]
	c.mu.Unlock()
	if ok && time.Since(e.fetched) < c.ttl {
		return e.p
	}

	p := models.DriverProfile{ID: driverID}
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		got, err := c.store.GetProfile(ctx, driverID)
		cancel()
		if err == nil {
			p = got
		}
	}
	if p.Rating <= 0 {
		p.Rating = c.defaultRating
	}
	c.mu.Lock()
	c.entries[driverID] = profileEntry{p: p, fetched: time.Now()}
	c.mu.Unlock()
	return p
}

func (c *profileCache) Rating(driverID string) float64 { return c.Get(driverID).Rating }
