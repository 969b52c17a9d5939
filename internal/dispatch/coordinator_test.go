package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestRequestRideFreezesSurgedFare(t *testing.T) {
	h := newHarness(t, testConfig())
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	ride := h.request(t, "r1")
	if ride.State != models.StateCreated {
		t.Fatalf("state = %s, want CREATED", ride.State)
	}
	if ride.Fare.Base.Amount != 2900 || ride.Fare.Surge != 1.5 || ride.Fare.Final.Amount != 4350 {
		t.Fatalf("fare = %+v, want 2900 x1.5 = 4350", ride.Fare)
	}
	if ride.Fare.Supply != 2 {
		t.Fatalf("supply = %d, want 2", ride.Fare.Supply)
	}

	offer := h.offerTo(t, "A")
	if offer.Fare.Amount != 4350 {
		t.Fatalf("offer fare = %d", offer.Fare.Amount)
	}
	if offer.ETASeconds == nil || *offer.ETASeconds != 600 {
		t.Fatalf("offer eta = %v, want 600", offer.ETASeconds)
	}

	// supply swings after the quote must not move the fare
	for i := 0; i < 8; i++ {
		h.driver(t, fmt.Sprintf("X%d", i), 2+float64(i)*0.1)
	}
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got := h.view(t, "r1", ride.ID)
	if got.Fare.Final.Amount != 4350 || got.State != models.StateAccepted || got.DriverID != "A" {
		t.Fatalf("after accept: state=%s driver=%s fare=%d", got.State, got.DriverID, got.Fare.Final.Amount)
	}
	ev := h.rec.wait(t, models.Rider("r1"), models.EventRideAccepted)
	payload := ev.Data.(models.RideAcceptedPayload)
	if payload.Driver.ID != "A" || payload.Driver.Rating != 4.8 || payload.Fare.Amount != 4350 {
		t.Fatalf("accepted payload = %+v", payload)
	}
}

func TestOracleOutageFallsBackToEstimate(t *testing.T) {
	h := newHarness(t, testConfig())
	h.c.Oracle = fakeOracle{err: errOracleDown}
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	// 5.56km as the crow flies, times the road factor
	if !ride.Fare.Estimated || ride.Fare.DistanceKm < 7 || ride.Fare.DistanceKm > 7.5 {
		t.Fatalf("fare = %+v, want straight-line estimate of ~7.2km", ride.Fare)
	}
	offer := h.offerTo(t, "A")
	if offer.ETASeconds != nil {
		t.Fatalf("eta should be omitted when the oracle is down, got %v", *offer.ETASeconds)
	}
}

func TestOfferTimeoutMovesToNextDriver(t *testing.T) {
	h := newHarness(t, testConfig())
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	ride := h.request(t, "r1")
	h.offerTo(t, "A")
	h.offerTo(t, "B")
	if h.rec.count(models.Driver("A"), models.EventOfferRevoked) != 1 {
		t.Fatalf("A should see its offer revoked on expiry")
	}

	h.rec.wait(t, models.Rider("r1"), models.EventNoDrivers)
	if n := h.rec.count(models.Driver("A"), models.EventRideRequested); n != 1 {
		t.Fatalf("A offered %d times, want 1", n)
	}
	eventually(t, "cancelled ride", func() bool {
		r := h.view(t, "r1", ride.ID)
		return r.State == models.StateCancelled && r.Reason == models.ReasonNoDrivers
	})
	if r := h.view(t, "r1", ride.ID); r.Offers != 2 {
		t.Fatalf("offers = %d, want 2", r.Offers)
	}
}

func TestDeclineMovesToNextDriver(t *testing.T) {
	h := newHarness(t, testConfig())
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	// a repeated decline is harmless
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, false); err != nil {
		t.Fatalf("second decline: %v", err)
	}
	h.offerTo(t, "B")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("accept after decline = %v, want ErrOfferClosed", err)
	}
}

func TestNoCandidatesCancelsRide(t *testing.T) {
	h := newHarness(t, testConfig())

	ride := h.request(t, "r1")
	if ride.Fare.Surge != 2.0 || ride.Fare.Final.Amount != 5800 {
		t.Fatalf("fare = %+v, want empty-supply surge 2.0", ride.Fare)
	}
	ev := h.rec.wait(t, models.Rider("r1"), models.EventNoDrivers)
	if p := ev.Data.(models.StatusPayload); p.Reason != models.ReasonNoDrivers {
		t.Fatalf("reason = %q", p.Reason)
	}
	eventually(t, "archived ride", func() bool {
		r, err := h.store.GetRide(context.Background(), ride.ID)
		return err == nil && r.State == models.StateCancelled
	})
	eventually(t, "payment release", func() bool {
		_, released := h.pay.settled()
		return len(released) == 1 && released[0] == "pi_r1"
	})

	// the rider is free to ask again
	h.request(t, "r1")
}

func TestStalledDriverIsReplaced(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	cfg.StallWindow = 300 * time.Millisecond
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.rec.wait(t, models.Rider("r1"), models.EventRideAccepted)

	// A never moves
	h.rec.wait(t, models.Rider("r1"), models.EventDriverStalled)
	second := h.offerTo(t, "B")

	if n := h.rec.count(models.Rider("r1"), models.EventRideCancelled); n != 0 {
		t.Fatalf("rider got %d ride.cancelled events during reassignment", n)
	}
	if n := h.rec.count(models.Rider("r1"), models.EventNoDrivers); n != 0 {
		t.Fatalf("rider got ride.no_drivers during reassignment")
	}
	if n := h.rec.count(models.Driver("A"), models.EventOfferRevoked); n != 1 {
		t.Fatalf("A revocations = %d, want 1", n)
	}
	r := h.view(t, "r1", ride.ID)
	if r.State != models.StateOffering || r.DriverID != "" {
		t.Fatalf("after stall: state=%s driver=%q", r.State, r.DriverID)
	}

	if err := h.c.RespondToOffer("B", ride.ID, second.OfferID, true); err != nil {
		t.Fatalf("B accept: %v", err)
	}
	r = h.view(t, "r1", ride.ID)
	if r.State != models.StateAccepted || r.DriverID != "B" {
		t.Fatalf("after reassignment: state=%s driver=%q", r.State, r.DriverID)
	}
	if err := h.c.DriverAction("A", ride.ID, ActionArrive); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stalled driver action = %v, want ErrNotParticipant", err)
	}
}

func TestMovingDriverDoesNotStall(t *testing.T) {
	cfg := testConfig()
	cfg.StallWindow = 250 * time.Millisecond
	h := newHarness(t, cfg)
	h.driver(t, "A", 3.0)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for i := 1; i <= 6; i++ {
		time.Sleep(100 * time.Millisecond)
		h.driver(t, "A", 3.0-0.2*float64(i))
	}
	if n := h.rec.count(models.Rider("r1"), models.EventDriverStalled); n != 0 {
		t.Fatalf("moving driver was reported stalled")
	}
	if r := h.view(t, "r1", ride.ID); r.DriverID != "A" {
		t.Fatalf("driver = %q, want A", r.DriverID)
	}
}

func TestDuplicateAcceptNotifiesOnce(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.c.RespondToOffer("A", ride.ID, offer.OfferID, true)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := h.c.RespondToOffer("B", ride.ID, "", true); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("accept by unoffered driver = %v, want ErrOfferClosed", err)
	}

	h.rec.wait(t, models.Rider("r1"), models.EventRideAccepted)
	time.Sleep(50 * time.Millisecond)
	if n := h.rec.count(models.Rider("r1"), models.EventRideAccepted); n != 1 {
		t.Fatalf("ride.accepted sent %d times", n)
	}
	if n := h.rec.count(models.Driver("A"), models.EventOfferConfirmed); n != 1 {
		t.Fatalf("offer.confirmed sent %d times", n)
	}
}

func TestLateAcceptAfterRiderCancel(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.CancelRide("r1", ride.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.rec.wait(t, models.Driver("A"), models.EventOfferRevoked)

	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("late accept = %v, want ErrOfferClosed", err)
	}
	r := h.view(t, "r1", ride.ID)
	if r.State != models.StateCancelled || r.Reason != models.ReasonRiderCancelled {
		t.Fatalf("state=%s reason=%s", r.State, r.Reason)
	}
	// cancelling twice is idempotent, cancelling someone else's ride is not allowed
	if err := h.c.CancelRide("r1", ride.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if err := h.c.CancelRide("r2", ride.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("foreign cancel = %v, want ErrNotParticipant", err)
	}
	eventually(t, "payment release", func() bool {
		_, released := h.pay.settled()
		return len(released) == 1
	})
}

func TestRiderCancelAfterAssignmentNotifiesDriver(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.c.CancelRide("r1", ride.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ev := h.rec.wait(t, models.Driver("A"), models.EventRideCancelled)
	if p := ev.Data.(models.StatusPayload); p.Reason != models.ReasonRiderCancelled {
		t.Fatalf("reason = %q", p.Reason)
	}
	eventually(t, "driver freed", func() bool { return !h.c.claims.busy("A") })
}

func TestDriverCancelEndsRide(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.c.DriverAction("A", ride.ID, ActionEnd); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("end before start = %v, want ErrInvalidTransition", err)
	}
	if err := h.c.DriverAction("A", ride.ID, ActionCancel); err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	ev := h.rec.wait(t, models.Rider("r1"), models.EventRideCancelled)
	if p := ev.Data.(models.StatusPayload); p.Reason != models.ReasonDriverCancelled {
		t.Fatalf("reason = %q", p.Reason)
	}
	if n := h.rec.count(models.Driver("A"), models.EventRideCancelled); n != 0 {
		t.Fatalf("cancelling driver was told about their own cancel")
	}
}

func TestFullLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.c.Ride(context.Background(), models.Rider("r9"), ride.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("foreign view = %v, want ErrNotParticipant", err)
	}
	if _, err := h.c.Ride(context.Background(), models.Driver("A"), ride.ID); err != nil {
		t.Fatalf("driver view: %v", err)
	}

	// start straight from ACCEPTED passes through ARRIVED
	if err := h.c.DriverAction("A", ride.ID, ActionStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	r := h.view(t, "r1", ride.ID)
	if r.State != models.StateInProgress || r.StartedAt == nil {
		t.Fatalf("after start: state=%s started=%v", r.State, r.StartedAt)
	}
	if err := h.c.DriverAction("A", ride.ID, ActionCancel); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("driver cancel in progress = %v, want ErrInvalidTransition", err)
	}

	if err := h.c.DriverAction("A", ride.ID, ActionEnd); err != nil {
		t.Fatalf("end: %v", err)
	}
	h.rec.wait(t, models.Rider("r1"), models.EventRideCompleted)
	h.rec.wait(t, models.Driver("A"), models.EventRideCompleted)

	r = h.view(t, "r1", ride.ID)
	if r.State != models.StateCompleted || r.CompletedAt == nil || r.Fare.Final.Amount != 4350 {
		t.Fatalf("after end: %+v", r)
	}
	eventually(t, "capture", func() bool {
		captured, _ := h.pay.settled()
		return len(captured) == 1 && captured[0] == "pi_r1"
	})
	eventually(t, "history", func() bool {
		hist, err := h.c.DriverHistory(context.Background(), "A", 10)
		return err == nil && len(hist) == 1 && hist[0].ID == ride.ID
	})

	// repeats after the fact stay harmless
	if err := h.c.DriverAction("A", ride.ID, ActionEnd); err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if err := h.c.DriverAction("B", ride.ID, ActionEnd); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("foreign end = %v, want ErrNotParticipant", err)
	}
	if h.c.claims.busy("A") {
		t.Fatalf("driver still claimed after completion")
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	cases := []struct {
		name  string
		rider string
		in    RideInput
		want  error
	}{
		{"no payment", "r1", RideInput{Pickup: pickup, Dropoff: dropoff}, ErrPaymentRequired},
		{"same points", "r1", RideInput{Pickup: pickup, Dropoff: pickup, PaymentRef: "pi"}, ErrInvalidRequest},
		{"bad latitude", "r1", RideInput{Pickup: models.Coord{Lat: 100}, Dropoff: dropoff, PaymentRef: "pi"}, ErrInvalidRequest},
		{"no rider", "", RideInput{Pickup: pickup, Dropoff: dropoff, PaymentRef: "pi"}, ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.c.RequestRide(context.Background(), tc.rider, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	h.pay.mu.Lock()
	h.pay.reject = true
	h.pay.mu.Unlock()
	if _, err := h.c.RequestRide(context.Background(), "r1", RideInput{Pickup: pickup, Dropoff: dropoff, PaymentRef: "pi"}); !errors.Is(err, ErrPaymentRejected) {
		t.Fatalf("rejected payment = %v", err)
	}
	h.pay.mu.Lock()
	h.pay.reject = false
	h.pay.mu.Unlock()

	// failed attempts leave no reservation behind
	h.request(t, "r1")
}

func TestRiderHasOneActiveRide(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	h.request(t, "r1")
	_, err := h.c.RequestRide(context.Background(), "r1", RideInput{Pickup: pickup, Dropoff: dropoff, PaymentRef: "pi"})
	if !errors.Is(err, ErrRiderBusy) {
		t.Fatalf("second request = %v, want ErrRiderBusy", err)
	}
}

func TestArchiveOutageRefusesNewRides(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)
	ctx := context.Background()

	ride := h.request(t, "r1")
	h.offerTo(t, "A")

	h.store.SetDown(true)
	h.c.checkHealth(ctx)
	if h.c.Ready() {
		t.Fatalf("ready while archive is down")
	}
	if _, err := h.c.RequestRide(ctx, "r2", RideInput{Pickup: pickup, Dropoff: dropoff, PaymentRef: "pi"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("request during outage = %v, want ErrUnavailable", err)
	}

	// live sessions keep going; the terminal record waits in memory
	if err := h.c.CancelRide("r1", ride.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	eventually(t, "pending record", func() bool {
		h.c.mu.RLock()
		defer h.c.mu.RUnlock()
		_, ok := h.c.pending[ride.ID]
		return ok
	})
	if r := h.view(t, "r1", ride.ID); r.State != models.StateCancelled {
		t.Fatalf("state = %s", r.State)
	}

	h.store.SetDown(false)
	h.c.checkHealth(ctx)
	if !h.c.Ready() {
		t.Fatalf("not ready after recovery")
	}
	if _, err := h.store.GetRide(ctx, ride.ID); err != nil {
		t.Fatalf("pending write not retried: %v", err)
	}
}

func TestUndeliverableOfferSkipsDriver(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)
	h.rec.setOffline(models.Driver("A"), true)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "B")
	if h.c.claims.busy("A") {
		t.Fatalf("unreachable driver still claimed")
	}
	if err := h.c.RespondToOffer("B", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestHeartbeatLossDuringOfferDeclines(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	h.request(t, "r1")
	h.offerTo(t, "A")
	h.c.Disconnected(models.Driver("A"), true)

	h.offerTo(t, "B")
	if h.pos.Available("A") {
		t.Fatalf("disconnected driver still available")
	}
	if h.c.claims.busy("A") {
		t.Fatalf("disconnected driver still claimed")
	}
}

func TestClosedChannelKeepsOfferForReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	ride := h.request(t, "r1")
	first := h.offerTo(t, "A")
	h.rec.setOffline(models.Driver("A"), true)
	h.c.Disconnected(models.Driver("A"), false)

	time.Sleep(100 * time.Millisecond)
	if !h.c.claims.busy("A") {
		t.Fatalf("offer released on a plain close")
	}
	if n := h.rec.count(models.Driver("B"), models.EventRideRequested); n != 0 {
		t.Fatalf("dispatch moved on to B (%d offers)", n)
	}
	if h.pos.Available("A") {
		t.Fatalf("closed driver still selectable")
	}

	h.rec.setOffline(models.Driver("A"), false)
	h.c.Connected(models.Driver("A"))
	again := h.offerTo(t, "A")
	if again.OfferID != first.OfferID || again.Deadline != first.Deadline {
		t.Fatalf("replayed offer %+v differs from %+v", again, first)
	}
	if err := h.c.RespondToOffer("A", ride.ID, first.OfferID, true); err != nil {
		t.Fatalf("accept after reconnect: %v", err)
	}
	if r := h.view(t, "r1", ride.ID); r.State != models.StateAccepted || r.DriverID != "A" {
		t.Fatalf("ride = %s driver %q", r.State, r.DriverID)
	}
}

func TestClosedChannelOfferExpiresAtDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 300 * time.Millisecond
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)
	h.driver(t, "B", 1.0)

	ride := h.request(t, "r1")
	first := h.offerTo(t, "A")
	h.rec.setOffline(models.Driver("A"), true)
	h.c.Disconnected(models.Driver("A"), false)

	h.offerTo(t, "B")
	if h.c.claims.busy("A") {
		t.Fatalf("expired offer still claims A")
	}
	if err := h.c.RespondToOffer("A", ride.ID, first.OfferID, true); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("accept after deadline: %v", err)
	}
}

func TestAcceptBeforeOfferDeliveredIsRefused(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.c.Oracle = &slowOracle{}
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	eventually(t, "offer opened for A", func() bool { return h.c.claims.busy("A") })
	if h.rec.count(models.Driver("A"), models.EventRideRequested) != 0 {
		t.Fatalf("offer pushed before the eta lookup ended")
	}
	if err := h.c.RespondToOffer("A", ride.ID, "", true); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("accept of undelivered offer: %v", err)
	}

	offer := h.offerTo(t, "A")
	if offer.ETASeconds != nil {
		t.Fatalf("eta should be omitted after the lookup timed out")
	}
	if err := h.c.RespondToOffer("A", ride.ID, "", true); err != nil {
		t.Fatalf("accept after delivery: %v", err)
	}
}

func TestReconnectReplaysSameOffer(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	first := h.offerTo(t, "A")
	h.c.Connected(models.Driver("A"))
	again := h.offerTo(t, "A")
	if again.OfferID != first.OfferID || again.Deadline != first.Deadline {
		t.Fatalf("replayed offer %+v differs from %+v", again, first)
	}

	data, _ := json.Marshal(offerResponse{OfferID: first.OfferID})
	err := h.c.Message(models.Driver("A"), models.Message{Type: models.MsgOfferAccept, RideID: ride.ID, Data: data})
	if err != nil {
		t.Fatalf("accept over channel: %v", err)
	}
	if r := h.view(t, "r1", ride.ID); r.DriverID != "A" {
		t.Fatalf("driver = %q", r.DriverID)
	}

	h.c.Connected(models.Rider("r1"))
	ev := h.rec.wait(t, models.Rider("r1"), models.EventRideStatus)
	if p := ev.Data.(models.StatusPayload); p.State != models.StateAccepted || p.DriverID != "A" {
		t.Fatalf("rider replay = %+v", p)
	}
}

func TestPositionRelayAndArrival(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	ride := h.request(t, "r1")
	offer := h.offerTo(t, "A")
	if err := h.c.RespondToOffer("A", ride.ID, offer.OfferID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	h.driver(t, "A", 0.05)
	loc := h.rec.wait(t, models.Rider("r1"), models.EventDriverLocation)
	if p := loc.Data.(models.LocationPayload); p.DriverID != "A" {
		t.Fatalf("location payload = %+v", p)
	}
	h.rec.wait(t, models.Rider("r1"), models.EventArrivedAtPickup)

	h.driver(t, "A", 0.02)
	time.Sleep(50 * time.Millisecond)
	if n := h.rec.count(models.Rider("r1"), models.EventArrivedAtPickup); n != 1 {
		t.Fatalf("arrival announced %d times", n)
	}
}

func TestInboundMessages(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.driver(t, "A", 0.5)

	if err := h.c.Message(models.Driver("A"), models.Message{Type: models.MsgPosition, Data: json.RawMessage(`{"lat":`)}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("malformed position = %v, want ErrInvalidRequest", err)
	}
	if err := h.c.Message(models.Rider("r1"), models.Message{Type: models.MsgPosition}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("rider position = %v, want ErrInvalidRequest", err)
	}
	if err := h.c.Message(models.Driver("A"), models.Message{Type: models.MsgStatus, Data: json.RawMessage(`{"online":false}`)}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if h.pos.Available("A") {
		t.Fatalf("driver still available after going offline")
	}
	if err := h.c.Message(models.Driver("A"), models.Message{Type: models.MsgStatus, Data: json.RawMessage(`{"online":true}`)}); err != nil {
		t.Fatalf("status: %v", err)
	}

	ride := h.request(t, "r1")
	h.offerTo(t, "A")
	// a rider cancel without ride_id targets the active ride
	if err := h.c.Message(models.Rider("r1"), models.Message{Type: models.MsgRideCancel}); err != nil {
		t.Fatalf("rider cancel: %v", err)
	}
	if r := h.view(t, "r1", ride.ID); r.State != models.StateCancelled {
		t.Fatalf("state = %s", r.State)
	}
}

// Random accept, decline and silence from a small fleet serving many riders at once must
// never leave a driver holding two offers, or an offer while assigned.
func TestConcurrentDispatchKeepsDriversExclusive(t *testing.T) {
	cfg := testConfig()
	cfg.OfferTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg)
	drivers := []string{"d0", "d1", "d2", "d3", "d4", "d5"}
	for i, d := range drivers {
		h.driver(t, d, 0.3+0.2*float64(i))
	}

	var (
		mu           sync.Mutex
		rng          = rand.New(rand.NewSource(7))
		openByDriver = make(map[string]string)
		openByRide   = make(map[string]string)
		assigned     = make(map[string]string)
		violations   []string
	)
	hook := func(id models.Identity, ev models.Event) {
		if id.Role != models.RoleDriver {
			return
		}
		d := id.ID
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case models.EventRideRequested:
			if cur := openByDriver[d]; cur != "" && cur != ev.RideID {
				violations = append(violations, fmt.Sprintf("%s offered %s while holding %s", d, ev.RideID, cur))
			}
			if a := assigned[d]; a != "" {
				violations = append(violations, fmt.Sprintf("%s offered %s while assigned to %s", d, ev.RideID, a))
			}
			if cur := openByRide[ev.RideID]; cur != "" && cur != d {
				violations = append(violations, fmt.Sprintf("ride %s offered to %s while %s holds an offer", ev.RideID, d, cur))
			}
			openByDriver[d] = ev.RideID
			openByRide[ev.RideID] = d

			rideID, offerID := ev.RideID, ev.Data.(models.OfferPayload).OfferID
			choice := rng.Intn(3)
			delay := time.Duration(rng.Intn(40)) * time.Millisecond
			if choice == 2 {
				return
			}
			go func() {
				time.Sleep(delay)
				mu.Lock()
				if openByDriver[d] == rideID {
					delete(openByDriver, d)
					delete(openByRide, rideID)
				}
				mu.Unlock()
				_ = h.c.RespondToOffer(d, rideID, offerID, choice == 0)
			}()
		case models.EventOfferRevoked:
			if openByDriver[d] == ev.RideID {
				delete(openByDriver, d)
				delete(openByRide, ev.RideID)
			}
		case models.EventOfferConfirmed:
			assigned[d] = ev.RideID
		}
	}
	h.rec.mu.Lock()
	h.rec.onSend = hook
	h.rec.mu.Unlock()

	const riders = 12
	rides := make([]string, riders)
	var wg sync.WaitGroup
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.c.RequestRide(context.Background(), fmt.Sprintf("r%d", i), RideInput{Pickup: pickup, Dropoff: dropoff, PaymentRef: "pi"})
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			rides[i] = r.ID
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		return
	}

	settled := func() (accepted map[string]string, ok bool) {
		accepted = make(map[string]string)
		for i, id := range rides {
			r, err := h.c.Ride(context.Background(), models.Rider(fmt.Sprintf("r%d", i)), id)
			if err != nil {
				return nil, false
			}
			switch r.State {
			case models.StateAccepted:
				accepted[id] = r.DriverID
			case models.StateCancelled:
			default:
				return nil, false
			}
		}
		return accepted, true
	}
	var accepted map[string]string
	eventually(t, "all rides settled", func() bool {
		var ok bool
		accepted, ok = settled()
		return ok
	})

	mu.Lock()
	defer mu.Unlock()
	for _, v := range violations {
		t.Error(v)
	}
	seen := make(map[string]bool)
	for rideID, d := range accepted {
		if seen[d] {
			t.Errorf("driver %s assigned to more than one ride", d)
		}
		seen[d] = true
		if holder, _ := h.c.claims.holder(d); holder != rideID {
			t.Errorf("driver %s claim = %q, want %q", d, holder, rideID)
		}
	}
	if n := h.c.claims.len(); n != len(accepted) {
		t.Errorf("claims = %d, want %d", n, len(accepted))
	}
}
