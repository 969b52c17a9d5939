// Package dispatch turns ride requests into driver assignments and carries each ride
// through its lifecycle. Every ride is owned by one session goroutine; the Coordinator
// routes calls, timers and position updates to it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// chainRadiusKm is how close a recent dropoff must be to a pickup to earn the chaining bonus.
const chainRadiusKm = 1.0

// Notifier delivers events to live channels. Send reports false when nothing is bound.
type Notifier interface {
	Send(id models.Identity, ev models.Event) bool
}

type Publisher interface {
	PublishLifecycle(ev models.LifecycleEvent) error
}

type Deps struct {
	Positions *geo.Store
	Oracle    eta.Oracle
	Fares     *pricing.Calculator
	Payments  payments.Verifier
	Archive   storage.RideArchive
	Profiles  storage.Profiles // optional
	Notifier  Notifier
	Push      Pusher    // optional
	Events    Publisher // optional
	Logger    *slog.Logger
}

type Coordinator struct {
	Deps
	cfg      config.DispatchConfig
	selector *matcher.Selector
	stall    *StallMonitor
	claims   *claims
	chains   *chainBook
	profiles *profileCache

	mu       sync.RWMutex
	sessions map[string]*session
	byRider  map[string]string
	// pending holds terminal rides until the archive has them.
	pending map[string]models.Ride

	accepting atomic.Bool
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg config.DispatchConfig, deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		Deps:     deps,
		cfg:      cfg,
		stall:    &StallMonitor{Window: cfg.StallWindow, ProximityM: cfg.PickupProximityM},
		claims:   newClaims(),
		chains:   newChainBook(10 * time.Minute),
		profiles: newProfileCache(deps.Profiles, cfg.DefaultDriverRating, 5*time.Minute),
		sessions: make(map[string]*session),
		byRider:  make(map[string]string),
		pending:  make(map[string]models.Ride),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.selector = &matcher.Selector{
		Positions:     deps.Positions,
		Ratings:       c.profiles,
		Chains:        c.chains,
		RadiusKm:      cfg.SearchRadiusKm,
		MaxRadiusKm:   cfg.MaxSearchRadiusKm,
		ChainRadiusKm: chainRadiusKm,
		TopN:          cfg.MatcherTopN,
	}
	c.accepting.Store(true)
	deps.Positions.OnUpdate(c.onPosition)
	return c
}

// RideInput is what a rider submits.
type RideInput struct {
	Pickup     models.Coord `json:"pickup"`
	Dropoff    models.Coord `json:"dropoff"`
	PaymentRef string       `json:"payment_reference"`
}

// RequestRide validates the request, freezes the fare and starts dispatch. The returned ride
// is in CREATED; offers proceed asynchronously.
func (c *Coordinator) RequestRide(ctx context.Context, riderID string, in RideInput) (models.Ride, error) {
	if c.closed.Load() {
		return models.Ride{}, ErrClosed
	}
	if !c.accepting.Load() {
		observability.RidesRejected.WithLabelValues("unavailable").Inc()
		return models.Ride{}, ErrUnavailable
	}
	if err := validate(riderID, in); err != nil {
		observability.RidesRejected.WithLabelValues("invalid").Inc()
		return models.Ride{}, err
	}
	if !c.reserveRider(riderID) {
		observability.RidesRejected.WithLabelValues("rider_busy").Inc()
		return models.Ride{}, ErrRiderBusy
	}
	started := false
	defer func() {
		if !started {
			c.unreserveRider(riderID, "")
		}
	}()

	if err := c.Payments.Verify(ctx, in.PaymentRef); err != nil {
		observability.RidesRejected.WithLabelValues("payment").Inc()
		switch {
		case errors.Is(err, payments.ErrMissingReference):
			return models.Ride{}, ErrPaymentRequired
		case errors.Is(err, payments.ErrRejected):
			return models.Ride{}, fmt.Errorf("%w: %v", ErrPaymentRejected, err)
		default:
			c.Logger.Warn("payment verification failed", "rider_id", riderID, "error", err)
			return models.Ride{}, fmt.Errorf("%w: payment gateway: %v", ErrUnavailable, err)
		}
	}

	now := time.Now()
	ride := models.Ride{
		ID:         uuid.NewString(),
		RiderID:    riderID,
		Pickup:     in.Pickup,
		Dropoff:    in.Dropoff,
		State:      models.StateCreated,
		Fare:       c.quote(ctx, in.Pickup, in.Dropoff),
		PaymentRef: in.PaymentRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s := newSession(c, ride)

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return models.Ride{}, ErrClosed
	}
	c.sessions[ride.ID] = s
	c.byRider[riderID] = ride.ID
	c.wg.Add(1)
	c.mu.Unlock()
	started = true

	observability.RidesRequested.Inc()
	observability.SessionsActive.Inc()
	c.Logger.Info("ride requested", "ride_id", ride.ID, "rider_id", riderID,
		"distance_km", ride.Fare.DistanceKm, "fare", ride.Fare.Final.Amount, "surge", ride.Fare.Surge, "supply", ride.Fare.Supply)
	c.publish(ride)

	go s.run()
	s.post(s.offerNext)
	return ride, nil
}

func validate(riderID string, in RideInput) error {
	switch {
	case riderID == "":
		return fmt.Errorf("%w: rider identity missing", ErrInvalidRequest)
	case !in.Pickup.Valid() || !in.Dropoff.Valid():
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	case in.Pickup == in.Dropoff:
		return fmt.Errorf("%w: pickup and dropoff are the same", ErrInvalidRequest)
	case strings.TrimSpace(in.PaymentRef) == "":
		return ErrPaymentRequired
	}
	return nil
}

// quote prices the trip once. An unreachable oracle degrades to the straight-line estimate.
func (c *Coordinator) quote(ctx context.Context, pickup, dropoff models.Coord) models.FareQuote {
	octx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout)
	defer cancel()
	r, err := c.Oracle.Route(octx, pickup, dropoff)
	if err != nil {
		c.Logger.Warn("distance oracle unavailable, pricing from estimate", "error", err)
		r = eta.Estimate(pickup, dropoff, c.cfg.DefaultSpeedMps)
	}
	supply := c.selector.Supply(pickup, c.claims.busy)
	return c.Fares.Quote(r.DistanceKm, r.DurationS, r.Estimated, supply)
}

func (c *Coordinator) reserveRider(riderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.byRider[riderID]; busy {
		return false
	}
	c.byRider[riderID] = ""
	return true
}

func (c *Coordinator) unreserveRider(riderID, rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byRider[riderID] == rideID {
		delete(c.byRider, riderID)
	}
}

func (c *Coordinator) session(rideID string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[rideID]
}

func (c *Coordinator) riderSession(riderID string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[c.byRider[riderID]]
}

// RespondToOffer applies a driver's accept or decline. A repeated accept by the assigned
// driver and a repeated decline are no-ops.
func (c *Coordinator) RespondToOffer(driverID, rideID, offerID string, accept bool) error {
	return c.withSession(rideID,
		func(s *session) error {
			if accept {
				return s.accept(driverID, offerID)
			}
			return s.decline(driverID, offerID)
		},
		func(r models.Ride) error {
			if !accept {
				return nil
			}
			if r.DriverID == driverID && r.State == models.StateCompleted {
				return nil
			}
			return ErrOfferClosed
		})
}

type Action string

const (
	ActionArrive Action = "arrive"
	ActionStart  Action = "start"
	ActionEnd    Action = "end"
	ActionCancel Action = "cancel"
)

// DriverAction applies arrive/start/end/cancel from the assigned driver.
func (c *Coordinator) DriverAction(driverID, rideID string, a Action) error {
	return c.withSession(rideID,
		func(s *session) error { return s.driverAction(driverID, a) },
		func(r models.Ride) error {
			if r.DriverID != driverID {
				return ErrNotParticipant
			}
			if r.State == models.StateCompleted && a != ActionCancel {
				return nil
			}
			if r.State == models.StateCancelled && a == ActionCancel {
				return nil
			}
			return ErrInvalidTransition
		})
}

// CancelRide is the rider's cancel, allowed in any non-terminal state.
func (c *Coordinator) CancelRide(riderID, rideID string) error {
	return c.withSession(rideID,
		func(s *session) error { return s.riderCancel(riderID) },
		func(r models.Ride) error {
			if r.RiderID != riderID {
				return ErrNotParticipant
			}
			if r.State == models.StateCancelled {
				return nil
			}
			return ErrInvalidTransition
		})
}

// withSession runs fn on the ride's worker, or gone against the finished record when the
// session no longer exists.
func (c *Coordinator) withSession(rideID string, fn func(*session) error, gone func(models.Ride) error) error {
	if s := c.session(rideID); s != nil {
		err := s.do(func() error { return fn(s) })
		if !errors.Is(err, errSessionGone) {
			return err
		}
	}
	r, err := c.finished(c.ctx, rideID)
	if err != nil {
		return err
	}
	return gone(r)
}

func (c *Coordinator) finished(ctx context.Context, rideID string) (models.Ride, error) {
	c.mu.RLock()
	r, ok := c.pending[rideID]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}
	actx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	got, err := c.Archive.GetRide(actx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Ride{}, ErrRideNotFound
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return *got, nil
}

// Ride returns the current view of a ride to one of its participants.
func (c *Coordinator) Ride(ctx context.Context, caller models.Identity, rideID string) (models.Ride, error) {
	var r models.Ride
	if s := c.session(rideID); s != nil {
		r = s.snapshot()
	} else {
		var err error
		if r, err = c.finished(ctx, rideID); err != nil {
			return models.Ride{}, err
		}
	}
	if (caller.Role == models.RoleRider && r.RiderID != caller.ID) || (caller.Role == models.RoleDriver && r.DriverID != caller.ID) {
		return models.Ride{}, ErrNotParticipant
	}
	return r, nil
}

// DriverHistory lists archived rides of one driver, newest first.
func (c *Coordinator) DriverHistory(ctx context.Context, driverID string, limit int) ([]models.Ride, error) {
	rides, err := c.Archive.ListRidesByDriver(ctx, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rides, nil
}

// UpdatePosition records one position report from the driver's own channel.
func (c *Coordinator) UpdatePosition(driverID string, u models.PositionUpdate) error {
	if !(models.Coord{Lat: u.Lat, Lng: u.Lng}).Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	}
	u.DriverID = driverID
	if _, ok := c.Positions.Update(u); !ok {
		c.Logger.Debug("out-of-order position dropped", "driver_id", driverID)
	}
	return nil
}

// SetOnline toggles availability. Going offline also releases any open offer.
func (c *Coordinator) SetOnline(driverID string, online bool) {
	if online {
		c.Positions.SetOnline(driverID, true)
		return
	}
	c.Positions.MarkOffline(driverID)
	if s := c.claimedSession(driverID); s != nil {
		s.post(func() { s.driverGone(driverID) })
	}
}

func (c *Coordinator) claimedSession(driverID string) *session {
	rideID, ok := c.claims.holder(driverID)
	if !ok {
		return nil
	}
	return c.session(rideID)
}

// onPosition relays an assigned driver's position to the rider and feeds the stall watch.
// It runs on the reporting driver's goroutine, which keeps per-driver order.
func (c *Coordinator) onPosition(p models.DriverPresence) {
	s := c.claimedSession(p.DriverID)
	if s == nil {
		return
	}
	r := s.snapshot()
	if !r.State.Assigned() || r.DriverID != p.DriverID {
		return
	}
	c.Notifier.Send(models.Rider(r.RiderID), models.Event{
		Type:   models.EventDriverLocation,
		RideID: r.ID,
		Data:   models.LocationPayload{DriverID: p.DriverID, Lat: p.Loc.Lat, Lng: p.Loc.Lng, Heading: p.Heading, Speed: p.Speed},
	})
	if r.State == models.StateAccepted {
		s.tryPost(func() { s.observe(p) })
	}
}

// pushable rider events go out through the push collaborator when no channel is bound.
var pushable = map[string]bool{
	models.EventRideAccepted:    true,
	models.EventDriverStalled:   true,
	models.EventArrivedAtPickup: true,
	models.EventNoDrivers:       true,
	models.EventRideCancelled:   true,
	models.EventRideCompleted:   true,
}

func (c *Coordinator) notifyRider(riderID string, ev models.Event) {
	to := models.Rider(riderID)
	if c.Notifier.Send(to, ev) || c.Push == nil || !pushable[ev.Type] {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		if err := c.Push.Push(ctx, to, ev); err != nil {
			c.Logger.Warn("push fallback failed", "rider_id", riderID, "type", ev.Type, "error", err)
		}
	}()
}

func (c *Coordinator) publish(r models.Ride) {
	if c.Events == nil {
		return
	}
	ev := models.LifecycleEvent{RideID: r.ID, RiderID: r.RiderID, DriverID: r.DriverID, State: r.State, Reason: r.Reason, Fare: r.Fare.Final, At: r.UpdatedAt}
	if err := c.Events.PublishLifecycle(ev); err != nil {
		c.Logger.Warn("lifecycle publish failed", "ride_id", r.ID, "error", err)
	}
}

func (c *Coordinator) unregister(r models.Ride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, r.ID)
	if c.byRider[r.RiderID] == r.ID {
		delete(c.byRider, r.RiderID)
	}
	c.pending[r.ID] = r
}

// retire archives a finished ride and settles its payment.
func (c *Coordinator) retire(r models.Ride) {
	observability.SessionsActive.Dec()
	observability.RidesFinished.WithLabelValues(string(r.State), r.Reason).Inc()
	c.archive(c.ctx, r)
	c.settle(r)
}

func (c *Coordinator) archive(ctx context.Context, r models.Ride) {
	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Archive.SaveRide(actx, &r); err != nil {
		c.Logger.Error("archive write failed, will retry", "ride_id", r.ID, "error", err)
		return
	}
	c.mu.Lock()
	delete(c.pending, r.ID)
	c.mu.Unlock()
}

func (c *Coordinator) settle(r models.Ride) {
	if r.PaymentRef == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	switch r.State {
	case models.StateCompleted:
		err = c.Payments.Capture(ctx, r.PaymentRef)
	case models.StateCancelled:
		err = c.Payments.Release(ctx, r.PaymentRef)
	}
	if err != nil {
		c.Logger.Error("payment settlement failed", "ride_id", r.ID, "state", r.State, "error", err)
	}
}

// Run pings the archive every HealthInterval. While it is down new requests are refused;
// once it is back, archive writes that failed are retried.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Coordinator) checkHealth(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := c.Archive.Ping(pctx)
	cancel()
	if err != nil {
		if c.accepting.Swap(false) {
			c.Logger.Error("archive unreachable, refusing new rides", "error", err)
		}
		return
	}
	if !c.closed.Load() && !c.accepting.Swap(true) {
		c.Logger.Info("archive reachable again, accepting rides")
	}

	c.mu.RLock()
	retry := make([]models.Ride, 0, len(c.pending))
	for _, r := range c.pending {
		retry = append(retry, r)
	}
	c.mu.RUnlock()
	for _, r := range retry {
		c.archive(ctx, r)
	}
}

// Ready reports whether new ride requests are being accepted.
func (c *Coordinator) Ready() bool { return c.accepting.Load() && !c.closed.Load() }

// Close stops accepting rides, cancels every live session and waits for the workers.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.accepting.Store(false)

	c.mu.RLock()
	live := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.RUnlock()
	for _, s := range live {
		s := s
		s.post(func() { s.cancel(models.ReasonShutdown) })
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	defer c.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
