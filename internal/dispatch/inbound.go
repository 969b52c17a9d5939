package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Connected replays what a reconnecting party missed. A driver reconnecting also counts as
// coming back online.
func (c *Coordinator) Connected(id models.Identity) {
	switch id.Role {
	case models.RoleDriver:
		c.Positions.SetOnline(id.ID, true)
		if s := c.claimedSession(id.ID); s != nil {
			s.post(func() { s.replayDriver(id.ID) })
		}
	case models.RoleRider:
		if s := c.riderSession(id.ID); s != nil {
			s.post(s.replayRider)
		}
	}
}

// Disconnected takes a driver out of selection. An open offer outlives a closed channel until
// its deadline so a reconnecting driver can still answer it; heartbeat loss releases it at once.
func (c *Coordinator) Disconnected(id models.Identity, heartbeatLost bool) {
	if id.Role != models.RoleDriver {
		return
	}
	if heartbeatLost {
		c.SetOnline(id.ID, false)
		return
	}
	c.Positions.MarkOffline(id.ID)
}

type offerResponse struct {
	OfferID string `json:"offer_id"`
}

type statusRequest struct {
	Online bool `json:"online"`
}

var driverActions = map[string]Action{
	models.MsgRideArrive: ActionArrive,
	models.MsgRideStart:  ActionStart,
	models.MsgRideEnd:    ActionEnd,
	models.MsgRideCancel: ActionCancel,
}

// Message handles one inbound channel message.
func (c *Coordinator) Message(id models.Identity, msg models.Message) error {
	if id.Role == models.RoleRider {
		if msg.Type == models.MsgRideCancel {
			rideID := msg.RideID
			if s := c.riderSession(id.ID); rideID == "" && s != nil {
				rideID = s.snapshot().ID
			}
			return c.CancelRide(id.ID, rideID)
		}
		return fmt.Errorf("%w: unsupported message %q", ErrInvalidRequest, msg.Type)
	}

	switch msg.Type {
	case models.MsgPosition:
		var u models.PositionUpdate
		if err := decode(msg.Data, &u); err != nil {
			return err
		}
		return c.UpdatePosition(id.ID, u)
	case models.MsgStatus:
		var st statusRequest
		if err := decode(msg.Data, &st); err != nil {
			return err
		}
		c.SetOnline(id.ID, st.Online)
		return nil
	case models.MsgOfferAccept, models.MsgOfferDecline:
		var r offerResponse
		if len(msg.Data) > 0 {
			if err := decode(msg.Data, &r); err != nil {
				return err
			}
		}
		return c.RespondToOffer(id.ID, msg.RideID, r.OfferID, msg.Type == models.MsgOfferAccept)
	}
	if a, ok := driverActions[msg.Type]; ok {
		return c.DriverAction(id.ID, msg.RideID, a)
	}
	return fmt.Errorf("%w: unsupported message %q", ErrInvalidRequest, msg.Type)
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
