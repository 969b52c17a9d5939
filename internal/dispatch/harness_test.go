package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup  = models.Coord{Lat: 6.90, Lng: -1.52}
	dropoff = models.Coord{Lat: 6.95, Lng: -1.52}
)

type fakeOracle struct {
	km, seconds float64
	err         error
}

func (f fakeOracle) Route(ctx context.Context, _, _ models.Coord) (eta.Route, error) {
	if f.err != nil {
		return eta.Route{}, f.err
	}
	return eta.Route{DistanceKm: f.km, DurationS: f.seconds}, nil
}

// slowOracle answers the first call at once and holds later ones until their context ends.
type slowOracle struct {
	calls atomic.Int32
}

func (o *slowOracle) Route(ctx context.Context, _, _ models.Coord) (eta.Route, error) {
	if o.calls.Add(1) == 1 {
		return eta.Route{DistanceKm: 6, DurationS: 600}, nil
	}
	<-ctx.Done()
	return eta.Route{}, ctx.Err()
}

type fakePayments struct {
	mu       sync.Mutex
	reject   bool
	captured []string
	released []string
}

func (f *fakePayments) Verify(_ context.Context, ref string) error {
	if ref == "" {
		return payments.ErrMissingReference
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return payments.ErrRejected
	}
	return nil
}

func (f *fakePayments) Capture(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakePayments) Release(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ref)
	return nil
}

func (f *fakePayments) settled() (captured, released []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.captured...), append([]string(nil), f.released...)
}

// recorder is an in-memory Notifier. Every event is kept per identity and also fed to a
// channel so tests can block until something arrives.
type recorder struct {
	mu      sync.Mutex
	offline map[string]bool
	events  map[string][]models.Event
	feeds   map[string]chan models.Event
	onSend  func(id models.Identity, ev models.Event)
}

func newRecorder() *recorder {
	return &recorder{
		offline: make(map[string]bool),
		events:  make(map[string][]models.Event),
		feeds:   make(map[string]chan models.Event),
	}
}

func (r *recorder) feedLocked(key string) chan models.Event {
	ch, ok := r.feeds[key]
	if !ok {
		ch = make(chan models.Event, 256)
		r.feeds[key] = ch
	}
	return ch
}

func (r *recorder) Send(id models.Identity, ev models.Event) bool {
	r.mu.Lock()
	if r.offline[id.Key()] {
		r.mu.Unlock()
		return false
	}
	r.events[id.Key()] = append(r.events[id.Key()], ev)
	ch := r.feedLocked(id.Key())
	hook := r.onSend
	r.mu.Unlock()

	select {
	case ch <- ev:
	default:
	}
	if hook != nil {
		hook(id, ev)
	}
	return true
}

func (r *recorder) setOffline(id models.Identity, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline[id.Key()] = offline
}

func (r *recorder) count(id models.Identity, typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events[id.Key()] {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// wait blocks until id receives an event of type typ. Events of other types read from
// the feed meanwhile are skipped; count still sees them.
func (r *recorder) wait(t *testing.T, id models.Identity, typ string) models.Event {
	t.Helper()
	r.mu.Lock()
	ch := r.feedLocked(id.Key())
	r.mu.Unlock()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s never received %s", id.Key(), typ)
			return models.Event{}
		}
	}
}

type harness struct {
	c     *Coordinator
	pos   *geo.Store
	rec   *recorder
	pay   *fakePayments
	store *storage.MemoryStore
}

func testConfig() config.DispatchConfig {
	cfg := config.DefaultDispatchConfig()
	cfg.OfferTimeout = 150 * time.Millisecond
	cfg.StallWindow = 10 * time.Second
	cfg.OracleTimeout = 200 * time.Millisecond
	cfg.HealthInterval = time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg config.DispatchConfig) *harness {
	t.Helper()
	h := &harness{
		pos:   geo.NewStore(time.Minute, 5*time.Minute),
		rec:   newRecorder(),
		pay:   &fakePayments{},
		store: storage.NewMemoryStore(),
	}
	h.c = New(cfg, Deps{
		Positions: h.pos,
		Oracle:    fakeOracle{km: 6, seconds: 600},
		Fares:     pricing.NewCalculator(config.DefaultFareConfig()),
		Payments:  h.pay,
		Archive:   h.store,
		Profiles:  h.store,
		Notifier:  h.rec,
		Logger:    logging.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.c.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return h
}

// driver puts a driver online; offsetKm is measured due north of the pickup.
func (h *harness) driver(t *testing.T, id string, offsetKm float64) {
	t.Helper()
	if err := h.c.UpdatePosition(id, models.PositionUpdate{Lat: pickup.Lat + offsetKm/111.19, Lng: pickup.Lng}); err != nil {
		t.Fatalf("position %s: %v", id, err)
	}
}

func (h *harness) request(t *testing.T, riderID string) models.Ride {
	t.Helper()
	ride, err := h.c.RequestRide(context.Background(), riderID, RideInput{Pickup: pickup, Dropoff: dropoff, PaymentRef: "pi_" + riderID})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	return ride
}

func (h *harness) offerTo(t *testing.T, driverID string) models.OfferPayload {
	t.Helper()
	ev := h.rec.wait(t, models.Driver(driverID), models.EventRideRequested)
	return ev.Data.(models.OfferPayload)
}

func (h *harness) view(t *testing.T, riderID, rideID string) models.Ride {
	t.Helper()
	r, err := h.c.Ride(context.Background(), models.Rider(riderID), rideID)
	if err != nil {
		t.Fatalf("ride view: %v", err)
	}
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errOracleDown = errors.New("oracle down")
