package models

import "encoding/json"

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Identity is the authenticated party behind a request or a channel.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (i Identity) Key() string { return string(i.Role) + ":" + i.ID }

func Rider(id string) Identity  { return Identity{ID: id, Role: RoleRider} }
func Driver(id string) Identity { return Identity{ID: id, Role: RoleDriver} }

// Outbound event types.
const (
	EventRideRequested   = "ride.requested"
	EventOfferRevoked    = "offer.revoked"
	EventOfferConfirmed  = "offer.confirmed"
	EventRideAccepted    = "ride.accepted"
	EventDriverLocation  = "driver_location"
	EventDriverStalled   = "driver.stalled"
	EventArrivedAtPickup = "driver.arrived_at_pickup"
	EventNoDrivers       = "ride.no_drivers"
	EventRideStatus      = "ride.status"
	EventRideCancelled   = "ride.cancelled"
	EventRideCompleted   = "ride.completed"
	EventPong            = "pong"
	EventError           = "error"
)

// Inbound message types.
const (
	MsgPing         = "ping"
	MsgPosition     = "position"
	MsgStatus       = "status"
	MsgOfferAccept  = "offer.accept"
	MsgOfferDecline = "offer.decline"
	MsgRideArrive   = "ride.arrive"
	MsgRideStart    = "ride.start"
	MsgRideEnd      = "ride.end"
	MsgRideCancel   = "ride.cancel"
)

// Event is the envelope for everything sent to a channel.
type Event struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Message is the envelope for everything received from a channel.
type Message struct {
	Type   string          `json:"type"`
	RideID string          `json:"ride_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// OfferPayload is pushed to the offered driver.
type OfferPayload struct {
	OfferID    string   `json:"offer_id"`
	Pickup     Coord    `json:"pickup"`
	Dropoff    Coord    `json:"dropoff"`
	Fare       Money    `json:"fare"`
	DistanceKm float64  `json:"distance_km"`
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
	Deadline   string   `json:"deadline"`
}

// LocationPayload is relayed to the rider while a driver is assigned.
type LocationPayload struct {
	DriverID string   `json:"driver_id"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

// StatusPayload carries a state snapshot or a terminal reason.
type StatusPayload struct {
	State    RideState `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	Fare     *Money    `json:"fare,omitempty"`
}

// RideAcceptedPayload tells the rider who is coming.
type RideAcceptedPayload struct {
	Driver DriverSummary `json:"driver"`
	Fare   Money         `json:"fare"`
}
