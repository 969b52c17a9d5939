package dispatch

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid ride request")
	ErrPaymentRequired   = errors.New("payment confirmation required")
	ErrPaymentRejected   = errors.New("payment confirmation rejected")
	ErrUnavailable       = errors.New("dispatch temporarily unavailable")
	ErrRideNotFound      = errors.New("ride not found")
	ErrNotParticipant    = errors.New("caller is not a participant of this ride")
	ErrOfferClosed       = errors.New("offer is no longer open")
	ErrInvalidTransition = errors.New("action not allowed in current ride state")
	ErrRiderBusy         = errors.New("rider already has an active ride")
	ErrClosed            = errors.New("dispatch coordinator is shut down")

	// errSessionGone means the session finished before the call reached its worker.
	errSessionGone = errors.New("session finished")
)
