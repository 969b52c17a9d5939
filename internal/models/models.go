package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// DriverPresence is the latest known state of one driver as reported by that driver's own channel.
type DriverPresence struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Heading  *float64  `json:"heading,omitempty"`
	Speed    *float64  `json:"speed,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`

	// ReportedAt is the client-side timestamp of the update that produced this record.
	ReportedAt time.Time `json:"reported_at"`
}

// PositionUpdate is one inbound position ping from a driver.
type PositionUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Heading  *float64  `json:"heading,omitempty"`
	Speed    *float64  `json:"speed,omitempty"`
	At       time.Time `json:"ts,omitempty"`
}

type RideRequest struct {
	RiderID     string    `json:"rider_id"`
	Pickup      Coord     `json:"pickup"`
	Dropoff     Coord     `json:"dropoff"`
	RequestedAt time.Time `json:"requested_at"`
	PaymentRef  string    `json:"payment_reference"`
}

// Money is an amount in the currency's minor unit (pesewas for GHS).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) Major() float64 { return float64(m.Amount) / 100 }

// FareQuote is computed once when a ride is requested and never changes afterwards.
type FareQuote struct {
	DistanceKm float64 `json:"distance_km"`
	DurationS  float64 `json:"duration_s"`
	// Estimated is set when the distance came from the straight-line fallback instead of the routing oracle.
	Estimated  bool    `json:"estimated"`
	Base       Money   `json:"base_fare"`
	Surge      float64 `json:"surge_multiplier"`
	Final      Money   `json:"final_fare"`
	Supply     int     `json:"supply"`
}

type Offer struct {
	ID        string    `json:"offer_id"`
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
	// ETASeconds is nil when the distance oracle could not answer in time.
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
}

type RideState string

const (
	StateCreated    RideState = "CREATED"
	StateOffering   RideState = "OFFERING"
	StateAccepted   RideState = "ACCEPTED"
	StateArrived    RideState = "ARRIVED"
	StateInProgress RideState = "IN_PROGRESS"
	StateCompleted  RideState = "COMPLETED"
	StateCancelled  RideState = "CANCELLED"
)

var transitions = map[RideState][]RideState{
	StateCreated:    {StateOffering, StateCancelled},
	StateOffering:   {StateOffering, StateAccepted, StateCancelled},
	StateAccepted:   {StateArrived, StateOffering, StateCancelled},
	StateArrived:    {StateInProgress, StateCancelled},
	StateInProgress: {StateCompleted, StateCancelled},
}

func (s RideState) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// CanTransition reports whether to is a legal successor of s.
func (s RideState) CanTransition(to RideState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Assigned reports whether a driver is committed to the ride in this state.
func (s RideState) Assigned() bool {
	return s == StateAccepted || s == StateArrived || s == StateInProgress
}

const (
	ReasonNoDrivers       = "no drivers available"
	ReasonRiderCancelled  = "rider_cancelled"
	ReasonDriverCancelled = "driver_cancelled"
	ReasonShutdown        = "shutdown"
)

// Ride is the archived (and viewable) record of one ride session.
type Ride struct {
	ID          string     `json:"ride_id"`
	RiderID     string     `json:"rider_id"`
	DriverID    string     `json:"driver_id,omitempty"`
	Pickup      Coord      `json:"pickup"`
	Dropoff     Coord      `json:"dropoff"`
	State       RideState  `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	Fare        FareQuote  `json:"fare"`
	PaymentRef  string     `json:"-"`
	Offers      int        `json:"offers"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type DriverProfile struct {
	ID      string  `json:"driver_id"`
	Name    string  `json:"name"`
	Rating  float64 `json:"rating"` // 0..5
	Vehicle string  `json:"vehicle"`
	Plate   string  `json:"plate"`
}

// DriverSummary is what the rider learns about the assigned driver.
type DriverSummary struct {
	DriverProfile
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
}

// LifecycleEvent is published on every session state change for downstream consumers.
type LifecycleEvent struct {
	RideID   string    `json:"ride_id"`
	RiderID  string    `json:"rider_id"`
	DriverID string    `json:"driver_id,omitempty"`
	State    RideState `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Fare     Money     `json:"fare"`
	At       time.Time `json:"at"`
}
