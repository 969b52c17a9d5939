package dispatch

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// minMoveM is the smallest displacement counted as movement; GPS jitter below it is ignored.
const minMoveM = 5.0

// StallMonitor watches assigned drivers on their way to pickup.
type StallMonitor struct {
	Window     time.Duration
	ProximityM float64
}

// Watch starts a stall timer for one assignment. onStall runs on a timer goroutine
// once the driver has not moved for Window.
func (m *StallMonitor) Watch(pickup models.Coord, from *models.Coord, onStall func()) *StallWatch {
	w := &StallWatch{pickup: pickup, proximityM: m.ProximityM, window: m.Window}
	if from != nil {
		w.last, w.hasLast = *from, true
	}
	w.timer = time.AfterFunc(m.Window, onStall)
	return w
}

type StallWatch struct {
	mu         sync.Mutex
	pickup     models.Coord
	proximityM float64
	window     time.Duration

	timer   *time.Timer
	last    models.Coord
	hasLast bool
	near    bool
	stopped bool
}

// Observe feeds one position. It reports moved when the position differs from the last
// distinct one (re-arming the stall timer), and arrived the first time the driver comes
// within the pickup proximity.
func (w *StallWatch) Observe(loc models.Coord) (moved, arrived bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false, false
	}
	if !w.hasLast || geo.Haversine(w.last.Lat, w.last.Lng, loc.Lat, loc.Lng) > minMoveM {
		w.last, w.hasLast = loc, true
		w.timer.Reset(w.window)
		moved = true
	}
	if !w.near && geo.Haversine(loc.Lat, loc.Lng, w.pickup.Lat, w.pickup.Lng) <= w.proximityM {
		w.near = true
		arrived = true
	}
	return moved, arrived
}

func (w *StallWatch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
