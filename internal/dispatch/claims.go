package dispatch

import "sync"

// claims maps each driver to the single ride holding them, either through an open offer or
// an assignment. A driver appears at most once, which is what keeps two sessions from
// offering or assigning the same driver at the same time.
type claims struct {
	mu       sync.Mutex
	byDriver map[string]string
}

func newClaims() *claims {
	return &claims{byDriver: make(map[string]string)}
}

// claim succeeds when the driver is free or already held by rideID.
func (c *claims) claim(driverID, rideID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byDriver[driverID]; ok && cur != rideID {
		return false
	}
	c.byDriver[driverID] = rideID
	return true
}

// release is a no-op unless rideID is the current holder.
func (c *claims) release(driverID, rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byDriver[driverID] == rideID {
		delete(c.byDriver, driverID)
	}
}

func (c *claims) holder(driverID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byDriver[driverID]
	return id, ok
}

func (c *claims) busy(driverID string) bool {
	_, ok := c.holder(driverID)
	return ok
}

func (c *claims) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byDriver)
}
