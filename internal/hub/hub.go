// Package hub keeps one live WebSocket channel per rider and per driver and routes
// events to and from them.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Handler receives channel lifecycle and inbound messages. Message is called on the
// connection's read goroutine, so messages from one identity arrive in order.
type Handler interface {
	Connected(id models.Identity)
	// Disconnected is not called when a binding is replaced by a reconnect. heartbeatLost is
	// true when the channel was evicted for missing liveness rather than closed.
	Disconnected(id models.Identity, heartbeatLost bool)
	Message(id models.Identity, msg models.Message) error
}

type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn

	handler      Handler
	heartbeat    time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// New creates a hub that evicts channels silent for longer than heartbeat.
func New(heartbeat time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		conns:        make(map[string]*conn),
		heartbeat:    heartbeat,
		pingInterval: heartbeat / 2,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetHandler must be called before ServeWS.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// Send delivers ev if a channel is bound to id. Nothing is queued for absent identities.
func (h *Hub) Send(id models.Identity, ev models.Event) bool {
	h.mu.RLock()
	c, ok := h.conns[id.Key()]
	h.mu.RUnlock()
	if !ok {
		observability.HubSendMisses.WithLabelValues(string(id.Role), ev.Type).Inc()
		h.logger.Debug("send miss", "identity", id.Key(), "type", ev.Type, "ride_id", ev.RideID)
		return false
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "error", err)
		return false
	}
	if !c.enqueue(b) {
		observability.HubSendMisses.WithLabelValues(string(id.Role), ev.Type).Inc()
		h.logger.Warn("send buffer full, dropping channel", "identity", id.Key(), "type", ev.Type)
		c.close()
		return false
	}
	return true
}

// Connected reports whether a channel is currently bound to id.
func (h *Hub) Connected(id models.Identity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[id.Key()]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeWS upgrades the request and binds the channel to id, replacing any previous binding.
// It blocks until the channel is gone.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, id models.Identity) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "identity", id.Key(), "error", err)
		return
	}
	c := newConn(id, ws)

	h.mu.Lock()
	old := h.conns[id.Key()]
	h.conns[id.Key()] = c
	h.mu.Unlock()
	if old != nil {
		h.logger.Info("channel replaced", "identity", id.Key())
		old.close()
	} else {
		observability.HubConnections.WithLabelValues(string(id.Role)).Inc()
	}
	h.logger.Info("channel bound", "identity", id.Key())

	go c.writePump(h.pingInterval)
	if h.handler != nil {
		h.handler.Connected(id)
	}
	h.readPump(c)
}

// Close drops every channel. Handlers see the usual Disconnected calls.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) unbind(c *conn, heartbeatLost bool) {
	h.mu.Lock()
	cur, ok := h.conns[c.id.Key()]
	removed := ok && cur == c
	if removed {
		delete(h.conns, c.id.Key())
	}
	h.mu.Unlock()
	c.close()
	if !removed {
		return
	}
	observability.HubConnections.WithLabelValues(string(c.id.Role)).Dec()
	h.logger.Info("channel unbound", "identity", c.id.Key(), "heartbeat_lost", heartbeatLost)
	if h.handler != nil {
		h.handler.Disconnected(c.id, heartbeatLost)
	}
}

func (h *Hub) reply(c *conn, ev models.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.enqueue(b)
}
