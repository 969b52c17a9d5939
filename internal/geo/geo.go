package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Listener is invoked after every accepted position update, on the updating driver's goroutine.
type Listener func(p models.DriverPresence)

// Store is the in-memory table of live driver presences.
// Entries are only written through Update/SetOnline, which callers must drive from the
// owning driver's inbound path; reads may come from anywhere.
type Store struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence

	staleAfter time.Duration
	evictAfter time.Duration
	now        func() time.Time

	lmu       sync.RWMutex
	listeners []Listener
}

func NewStore(staleAfter, evictAfter time.Duration) *Store {
	return &Store{
		drivers:    make(map[string]models.DriverPresence),
		staleAfter: staleAfter,
		evictAfter: evictAfter,
		now:        time.Now,
	}
}

// OnUpdate registers a listener for accepted position updates.
func (s *Store) OnUpdate(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Update overwrites the driver's record and refreshes last_seen. Unknown drivers are inserted
// as online. Client timestamps are capped at server time. An update whose timestamp is older
// than the stored one is dropped and reported with ok=false.
func (s *Store) Update(u models.PositionUpdate) (p models.DriverPresence, ok bool) {
	now := s.now()
	at := u.At
	// clients run ahead of the server clock; a future stamp would shadow every later update
	if at.IsZero() || at.After(now) {
		at = now
	}

	s.mu.Lock()
	prev, exists := s.drivers[u.DriverID]
	if exists && at.Before(prev.ReportedAt) {
		s.mu.Unlock()
		return prev, false
	}
	p = models.DriverPresence{
		DriverID:   u.DriverID,
		Loc:        models.Coord{Lat: u.Lat, Lng: u.Lng},
		Heading:    u.Heading,
		Speed:      u.Speed,
		Online:     !exists || prev.Online,
		LastSeen:   now,
		ReportedAt: at,
	}
	s.drivers[u.DriverID] = p
	s.mu.Unlock()

	s.lmu.RLock()
	listeners := s.listeners
	s.lmu.RUnlock()
	for _, l := range listeners {
		l(p)
	}
	return p, true
}

// SetOnline flips the online flag of a known driver. Going online also counts as a liveness signal.
func (s *Store) SetOnline(driverID string, online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.drivers[driverID]
	if !ok {
		return false
	}
	p.Online = online
	if online {
		p.LastSeen = s.now()
	}
	s.drivers[driverID] = p
	return true
}

// MarkOffline excludes the driver from selection immediately, without waiting for staleness.
func (s *Store) MarkOffline(driverID string) bool { return s.SetOnline(driverID, false) }

func (s *Store) Get(driverID string) (models.DriverPresence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.drivers[driverID]
	return p, ok
}

// Available reports whether the driver is online and not stale.
func (s *Store) Available(driverID string) bool {
	p, ok := s.Get(driverID)
	return ok && p.Online && s.fresh(p, s.now())
}

func (s *Store) fresh(p models.DriverPresence, now time.Time) bool {
	return now.Sub(p.LastSeen) <= s.staleAfter
}

// Snapshot returns all online, non-stale presences within radiusKm of center, nearest first.
func (s *Store) Snapshot(center models.Coord, radiusKm float64) []models.DriverPresence {
	now := s.now()
	type pair struct {
		p    models.DriverPresence
		dist float64
	}
	s.mu.RLock()
	arr := make([]pair, 0, len(s.drivers))
	for _, p := range s.drivers {
		if !p.Online || !s.fresh(p, now) {
			continue
		}
		d := HaversineKm(center, p.Loc)
		if d > radiusKm {
			continue
		}
		arr = append(arr, pair{p, d})
	}
	s.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].p.DriverID < arr[j].p.DriverID
	})
	out := make([]models.DriverPresence, len(arr))
	for i := range arr {
		out[i] = arr[i].p
	}
	return out
}

// Evict drops records not seen for longer than the eviction threshold.
func (s *Store) Evict() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.drivers {
		if now.Sub(p.LastSeen) > s.evictAfter {
			delete(s.drivers, id)
			n++
		}
	}
	observability.DriversTracked.Set(float64(len(s.drivers)))
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drivers)
}

// Run evicts expired presences every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict()
		}
	}
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}
