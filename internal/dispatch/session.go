package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// session is the single writer of one ride. All fields below snap are touched only by
// the run goroutine; everything else reaches it through the inbox.
type session struct {
	c     *Coordinator
	log   *slog.Logger
	inbox chan func()
	done  chan struct{}
	snap  atomic.Pointer[models.Ride]

	ride       models.Ride
	excluded   map[string]bool
	seq        *matcher.Sequence
	rankOffers int

	// offer is the single outstanding offer. It is claimed before the ETA lookup and
	// pushed once the lookup answers or times out.
	offer     *models.Offer
	pushed    bool
	gen       uint64
	timer     *time.Timer
	etaCancel context.CancelFunc

	watch    *StallWatch
	watchGen uint64
}

func newSession(c *Coordinator, r models.Ride) *session {
	s := &session{
		c:        c,
		log:      c.Logger.With("ride_id", r.ID),
		inbox:    make(chan func(), 64),
		done:     make(chan struct{}),
		ride:     r,
		excluded: make(map[string]bool),
	}
	s.publishSnap()
	return s
}

func (s *session) run() {
	defer s.c.wg.Done()
	for {
		fn := <-s.inbox
		fn()
		s.publishSnap()
		if s.ride.State.Terminal() {
			s.finish()
			return
		}
	}
}

func (s *session) publishSnap() {
	r := s.ride
	s.snap.Store(&r)
}

func (s *session) snapshot() models.Ride { return *s.snap.Load() }

// post queues fn for the worker. It reports false once the session has finished.
func (s *session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// tryPost drops fn when the inbox is full.
func (s *session) tryPost(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	default:
	}
}

// do runs fn on the worker and waits for its result.
func (s *session) do(fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() {
		err := fn()
		s.publishSnap()
		reply <- err
	}) {
		return errSessionGone
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return errSessionGone
		}
	}
}

func (s *session) setState(to models.RideState, reason string) {
	from := s.ride.State
	if !from.CanTransition(to) {
		s.log.Error("illegal transition ignored", "from", from, "to", to)
		return
	}
	s.ride.State = to
	s.ride.Reason = reason
	s.ride.UpdatedAt = time.Now()
	s.log.Info("ride state changed", "from", from, "to", to, "reason", reason, "driver_id", s.ride.DriverID)
	s.c.publish(s.ride)
}

func (s *session) ineligible(driverID string) bool {
	if s.excluded[driverID] {
		return true
	}
	holder, ok := s.c.claims.holder(driverID)
	return ok && holder != s.ride.ID
}

// offerNext claims the best remaining candidate and opens an offer to it. A sequence that
// produced offers is re-ranked once exhausted so drivers who came online meanwhile are
// considered; an empty fresh ranking ends the ride.
func (s *session) offerNext() {
	if s.ride.State.Terminal() || s.ride.State.Assigned() || s.offer != nil {
		return
	}
	for {
		if s.seq == nil {
			s.seq = s.c.selector.Rank(s.ride.Pickup, s.ineligible)
			s.rankOffers = 0
		}
		cand, ok := s.seq.Next()
		if !ok {
			if s.rankOffers > 0 {
				s.seq = nil
				continue
			}
			s.noDrivers()
			return
		}
		if !s.c.claims.claim(cand.Presence.DriverID, s.ride.ID) {
			continue
		}
		s.rankOffers++
		s.openOffer(cand)
		return
	}
}

func (s *session) openOffer(cand matcher.Candidate) {
	s.gen++
	gen := s.gen
	s.offer = &models.Offer{ID: uuid.NewString(), RideID: s.ride.ID, DriverID: cand.Presence.DriverID, CreatedAt: time.Now()}
	s.pushed = false
	s.ride.Offers++
	if s.ride.State != models.StateOffering {
		s.setState(models.StateOffering, "")
	}
	s.log.Debug("offer opened", "driver_id", cand.Presence.DriverID, "score", cand.Score, "distance_km", cand.DistanceKm)

	ctx, cancel := context.WithTimeout(s.c.ctx, s.c.cfg.OracleTimeout)
	s.etaCancel = cancel
	from, to := cand.Presence.Loc, s.ride.Pickup
	go func() {
		r, err := s.c.Oracle.Route(ctx, from, to)
		cancel()
		s.post(func() { s.onETA(gen, r.DurationS, err) })
	}()
}

// onETA pushes the pending offer. Results for a superseded offer are discarded.
func (s *session) onETA(gen uint64, seconds float64, err error) {
	if gen != s.gen || s.offer == nil || s.pushed {
		return
	}
	s.etaCancel = nil
	if err == nil {
		s.offer.ETASeconds = &seconds
	} else {
		s.log.Debug("offer eta unavailable", "driver_id", s.offer.DriverID, "error", err)
	}

	o := s.offer
	o.Deadline = time.Now().Add(s.c.cfg.OfferTimeout)
	s.pushed = true
	s.timer = time.AfterFunc(s.c.cfg.OfferTimeout, func() {
		s.post(func() { s.onOfferTimeout(gen) })
	})
	if !s.c.Notifier.Send(models.Driver(o.DriverID), s.offerEvent()) {
		s.log.Info("offer undeliverable, moving on", "driver_id", o.DriverID)
		s.dropOffer("undelivered", false)
		s.offerNext()
		return
	}
	observability.OffersTotal.WithLabelValues("sent").Inc()
}

func (s *session) offerEvent() models.Event {
	o := s.offer
	return models.Event{
		Type:   models.EventRideRequested,
		RideID: s.ride.ID,
		Data: models.OfferPayload{
			OfferID:    o.ID,
			Pickup:     s.ride.Pickup,
			Dropoff:    s.ride.Dropoff,
			Fare:       s.ride.Fare.Final,
			DistanceKm: s.ride.Fare.DistanceKm,
			ETASeconds: o.ETASeconds,
			Deadline:   o.Deadline.UTC().Format(time.RFC3339Nano),
		},
	}
}

// stopOfferTimers cancels the deadline timer and ETA lookup and invalidates their callbacks.
func (s *session) stopOfferTimers() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.etaCancel != nil {
		s.etaCancel()
		s.etaCancel = nil
	}
	s.gen++
}

// dropOffer closes the outstanding offer and excludes its driver from this ride.
func (s *session) dropOffer(outcome string, revoke bool) {
	o := s.offer
	if o == nil {
		return
	}
	wasPushed := s.pushed
	s.stopOfferTimers()
	s.offer = nil
	s.pushed = false
	s.excluded[o.DriverID] = true
	if revoke && wasPushed {
		s.c.Notifier.Send(models.Driver(o.DriverID), models.Event{
			Type: models.EventOfferRevoked, RideID: s.ride.ID, Data: models.StatusPayload{State: s.ride.State, Reason: outcome},
		})
	}
	// released last so the driver hears the revoke before another ride can offer
	s.c.claims.release(o.DriverID, s.ride.ID)
	observability.OffersTotal.WithLabelValues(outcome).Inc()
}

func (s *session) onOfferTimeout(gen uint64) {
	if gen != s.gen || s.offer == nil {
		return
	}
	s.log.Info("offer expired", "driver_id", s.offer.DriverID)
	s.dropOffer("expired", true)
	s.offerNext()
}

func (s *session) decline(driverID, offerID string) error {
	if s.offer != nil && s.offer.DriverID == driverID && (offerID == "" || offerID == s.offer.ID) {
		s.log.Info("offer declined", "driver_id", driverID)
		s.dropOffer("declined", false)
		s.offerNext()
		return nil
	}
	if s.excluded[driverID] {
		return nil
	}
	return ErrOfferClosed
}

// driverGone treats a vanished or offline offeree as a decline.
func (s *session) driverGone(driverID string) {
	if s.offer == nil || s.offer.DriverID != driverID {
		return
	}
	s.log.Info("offeree went away", "driver_id", driverID)
	s.dropOffer("disconnected", false)
	s.offerNext()
}

func (s *session) accept(driverID, offerID string) error {
	if s.ride.State.Assigned() && s.ride.DriverID == driverID {
		return nil
	}
	// an offer still waiting on its ETA has not reached the driver yet
	if s.offer == nil || !s.pushed || s.offer.DriverID != driverID || (offerID != "" && offerID != s.offer.ID) {
		return ErrOfferClosed
	}
	eta := s.offer.ETASeconds
	s.stopOfferTimers()
	s.offer = nil
	s.pushed = false

	now := time.Now()
	s.ride.DriverID = driverID
	s.ride.AcceptedAt = &now
	s.setState(models.StateAccepted, "")
	observability.OffersTotal.WithLabelValues("accepted").Inc()
	observability.MatchLatency.Observe(now.Sub(s.ride.CreatedAt).Seconds())

	fare := s.ride.Fare.Final
	s.c.Notifier.Send(models.Driver(driverID), models.Event{
		Type: models.EventOfferConfirmed, RideID: s.ride.ID,
		Data: models.StatusPayload{State: s.ride.State, DriverID: driverID, Fare: &fare},
	})
	s.c.notifyRider(s.ride.RiderID, models.Event{
		Type: models.EventRideAccepted, RideID: s.ride.ID,
		Data: models.RideAcceptedPayload{
			Driver: models.DriverSummary{DriverProfile: s.c.profiles.Get(driverID), ETASeconds: eta},
			Fare:   fare,
		},
	})
	s.startWatch()
	return nil
}

func (s *session) startWatch() {
	var from *models.Coord
	if p, ok := s.c.Positions.Get(s.ride.DriverID); ok {
		loc := p.Loc
		from = &loc
	}
	s.watchGen++
	gen := s.watchGen
	s.watch = s.c.stall.Watch(s.ride.Pickup, from, func() {
		s.post(func() { s.onStall(gen) })
	})
	if from != nil {
		s.observeLoc(*from)
	}
}

func (s *session) stopWatch() {
	if s.watch != nil {
		s.watch.Stop()
		s.watch = nil
	}
	s.watchGen++
}

func (s *session) observe(p models.DriverPresence) {
	if s.ride.State != models.StateAccepted || p.DriverID != s.ride.DriverID || s.watch == nil {
		return
	}
	s.observeLoc(p.Loc)
}

func (s *session) observeLoc(loc models.Coord) {
	if _, arrived := s.watch.Observe(loc); arrived {
		s.c.notifyRider(s.ride.RiderID, models.Event{
			Type: models.EventArrivedAtPickup, RideID: s.ride.ID,
			Data: models.StatusPayload{State: s.ride.State, DriverID: s.ride.DriverID},
		})
	}
}

// onStall hands the ride back to OFFERING without the stalled driver.
func (s *session) onStall(gen uint64) {
	if gen != s.watchGen || s.ride.State != models.StateAccepted {
		return
	}
	driverID := s.ride.DriverID
	s.log.Info("driver stalled, reassigning", "driver_id", driverID)
	s.stopWatch()
	s.excluded[driverID] = true
	s.ride.DriverID = ""
	s.ride.AcceptedAt = nil
	observability.Reassignments.Inc()

	s.c.Notifier.Send(models.Driver(driverID), models.Event{
		Type: models.EventOfferRevoked, RideID: s.ride.ID, Data: models.StatusPayload{State: models.StateOffering, Reason: "stalled"},
	})
	s.c.claims.release(driverID, s.ride.ID)
	s.c.notifyRider(s.ride.RiderID, models.Event{
		Type: models.EventDriverStalled, RideID: s.ride.ID,
		Data: models.StatusPayload{State: models.StateOffering, DriverID: driverID, Reason: "reassigning"},
	})
	s.setState(models.StateOffering, "")
	s.seq = nil
	s.offerNext()
}

func (s *session) driverAction(driverID string, a Action) error {
	if s.ride.DriverID != driverID || !s.ride.State.Assigned() {
		if s.offer != nil && s.offer.DriverID == driverID {
			return ErrInvalidTransition
		}
		return ErrNotParticipant
	}
	switch a {
	case ActionArrive:
		if s.ride.State == models.StateAccepted {
			s.arrive()
		}
		return nil
	case ActionStart:
		switch s.ride.State {
		case models.StateAccepted:
			s.arrive()
			fallthrough
		case models.StateArrived:
			s.start()
		}
		return nil
	case ActionEnd:
		if s.ride.State != models.StateInProgress {
			return ErrInvalidTransition
		}
		s.complete()
		return nil
	case ActionCancel:
		if s.ride.State == models.StateInProgress {
			return ErrInvalidTransition
		}
		s.cancel(models.ReasonDriverCancelled)
		return nil
	}
	return ErrInvalidTransition
}

func (s *session) statusEvent(typ string) models.Event {
	fare := s.ride.Fare.Final
	return models.Event{Type: typ, RideID: s.ride.ID, Data: models.StatusPayload{
		State: s.ride.State, Reason: s.ride.Reason, DriverID: s.ride.DriverID, Fare: &fare,
	}}
}

func (s *session) arrive() {
	s.stopWatch()
	s.setState(models.StateArrived, "")
	s.c.notifyRider(s.ride.RiderID, s.statusEvent(models.EventRideStatus))
}

func (s *session) start() {
	now := time.Now()
	s.ride.StartedAt = &now
	s.setState(models.StateInProgress, "")
	s.c.notifyRider(s.ride.RiderID, s.statusEvent(models.EventRideStatus))
}

func (s *session) complete() {
	now := time.Now()
	s.ride.CompletedAt = &now
	s.setState(models.StateCompleted, "")
	s.c.chains.record(s.ride.DriverID, s.ride.Dropoff)
	s.c.Notifier.Send(models.Driver(s.ride.DriverID), s.statusEvent(models.EventRideCompleted))
	s.c.notifyRider(s.ride.RiderID, s.statusEvent(models.EventRideCompleted))
}

func (s *session) riderCancel(riderID string) error {
	if s.ride.RiderID != riderID {
		return ErrNotParticipant
	}
	s.cancel(models.ReasonRiderCancelled)
	return nil
}

// cancel ends the ride from any non-terminal state, revoking whatever the driver side holds.
func (s *session) cancel(reason string) {
	if s.ride.State.Terminal() {
		return
	}
	if s.offer != nil {
		s.dropOffer("revoked", true)
	}
	if s.ride.State.Assigned() {
		s.stopWatch()
		if reason != models.ReasonDriverCancelled {
			s.c.Notifier.Send(models.Driver(s.ride.DriverID), models.Event{
				Type: models.EventRideCancelled, RideID: s.ride.ID, Data: models.StatusPayload{State: models.StateCancelled, Reason: reason},
			})
		}
	}
	s.setState(models.StateCancelled, reason)
	s.c.notifyRider(s.ride.RiderID, s.statusEvent(models.EventRideCancelled))
}

func (s *session) noDrivers() {
	s.setState(models.StateCancelled, models.ReasonNoDrivers)
	s.c.notifyRider(s.ride.RiderID, models.Event{
		Type: models.EventNoDrivers, RideID: s.ride.ID,
		Data: models.StatusPayload{State: models.StateCancelled, Reason: models.ReasonNoDrivers},
	})
}

// replayDriver re-sends what a reconnecting driver holds: the same offer with the same
// deadline, or the status of their assignment.
func (s *session) replayDriver(driverID string) {
	if s.offer != nil && s.offer.DriverID == driverID && s.pushed {
		s.c.Notifier.Send(models.Driver(driverID), s.offerEvent())
		return
	}
	if s.ride.State.Assigned() && s.ride.DriverID == driverID {
		s.c.Notifier.Send(models.Driver(driverID), s.statusEvent(models.EventRideStatus))
	}
}

func (s *session) replayRider() {
	s.c.Notifier.Send(models.Rider(s.ride.RiderID), s.statusEvent(models.EventRideStatus))
}

// finish parks the ride in pending before closing done, so a caller that loses the race
// with the worker still finds the terminal record.
func (s *session) finish() {
	s.stopOfferTimers()
	s.stopWatch()
	if s.offer != nil {
		s.c.claims.release(s.offer.DriverID, s.ride.ID)
	}
	if s.ride.DriverID != "" {
		s.c.claims.release(s.ride.DriverID, s.ride.ID)
	}
	s.c.unregister(s.ride)
	close(s.done)
	s.c.retire(s.ride)
}
