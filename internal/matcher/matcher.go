package matcher

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Positions interface {
	Snapshot(center models.Coord, radiusKm float64) []models.DriverPresence
	Available(driverID string) bool
}

// Ratings returns a driver's 0..5 rating, or a default for unknown drivers.
type Ratings interface {
	Rating(driverID string) float64
}

// ChainHints reports where a driver's most recent trip ended, if it ended recently enough to matter.
type ChainHints interface {
	RecentDropoff(driverID string) (models.Coord, bool)
}

type Weights struct {
	Distance float64
	Rating   float64
	Chain    float64
}

var DefaultWeights = Weights{Distance: 0.6, Rating: 0.3, Chain: 0.1}

type Selector struct {
	Positions     Positions
	Ratings       Ratings
	Chains        ChainHints // optional
	RadiusKm      float64
	MaxRadiusKm   float64
	ChainRadiusKm float64
	TopN          int
	Weights       Weights
}

type Candidate struct {
	Presence   models.DriverPresence
	DistanceKm float64
	Rating     float64
	Score      float64
}

// Supply counts available drivers within the base search radius that exclude does not reject.
func (s *Selector) Supply(pickup models.Coord, exclude func(string) bool) int {
	n := 0
	for _, p := range s.Positions.Snapshot(pickup, s.RadiusKm) {
		if exclude == nil || !exclude(p.DriverID) {
			n++
		}
	}
	return n
}

// Rank scores the eligible pool around pickup. When the base radius yields nobody it expands
// once, to twice the radius capped at MaxRadiusKm. exclude is consulted again on every Next,
// so drivers that become busy or declined after ranking are skipped.
func (s *Selector) Rank(pickup models.Coord, exclude func(string) bool) *Sequence {
	radius := s.RadiusKm
	pool := s.pool(pickup, radius, exclude)
	if len(pool) == 0 {
		if wider := math.Min(2*s.RadiusKm, s.MaxRadiusKm); wider > radius {
			radius = wider
			pool = s.pool(pickup, radius, exclude)
		}
	}

	w := s.Weights
	if w == (Weights{}) {
		w = DefaultWeights
	}
	items := make([]Candidate, 0, len(pool))
	for _, p := range pool {
		d := geo.HaversineKm(pickup, p.Loc)
		r := clamp(s.Ratings.Rating(p.DriverID)/5, 0, 1)
		score := w.Distance*(1-clamp(d/radius, 0, 1)) + w.Rating*r
		if s.Chains != nil {
			if end, ok := s.Chains.RecentDropoff(p.DriverID); ok && geo.HaversineKm(end, pickup) <= s.ChainRadiusKm {
				score += w.Chain
			}
		}
		items = append(items, Candidate{Presence: p, DistanceKm: d, Rating: r * 5, Score: score})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Presence.LastSeen.Equal(b.Presence.LastSeen) {
			return a.Presence.LastSeen.After(b.Presence.LastSeen)
		}
		return a.Presence.DriverID < b.Presence.DriverID
	})
	return &Sequence{items: items, positions: s.Positions, exclude: exclude, RadiusKm: radius}
}

func (s *Selector) pool(pickup models.Coord, radius float64, exclude func(string) bool) []models.DriverPresence {
	snap := s.Positions.Snapshot(pickup, radius)
	out := make([]models.DriverPresence, 0, len(snap))
	for _, p := range snap {
		if exclude != nil && exclude(p.DriverID) {
			continue
		}
		out = append(out, p)
		if s.TopN > 0 && len(out) == s.TopN {
			break
		}
	}
	return out
}

// Sequence yields ranked candidates one at a time.
type Sequence struct {
	items     []Candidate
	next      int
	positions Positions
	exclude   func(string) bool
	RadiusKm  float64
}

// Next returns the best remaining candidate that is still available and not excluded.
func (q *Sequence) Next() (Candidate, bool) {
	for q.next < len(q.items) {
		c := q.items[q.next]
		q.next++
		if q.exclude != nil && q.exclude(c.Presence.DriverID) {
			continue
		}
		if !q.positions.Available(c.Presence.DriverID) {
			continue
		}
		return c, true
	}
	return Candidate{}, false
}

// Remaining is the number of ranked candidates not yet yielded or skipped.
func (q *Sequence) Remaining() int { return len(q.items) - q.next }

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }
