package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var textPing = []byte("ping")

// conn is one physical channel. send is never closed; done signals shutdown to the writer.
type conn struct {
	id   models.Identity
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id models.Identity, ws *websocket.Conn) *conn {
	return &conn{id: id, ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (c *conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump treats every inbound frame, including pongs, as a liveness signal.
func (h *Hub) readPump(c *conn) {
	lost := false
	defer func() { h.unbind(c, lost) }()

	c.ws.SetReadLimit(maxMessageSize)
	alive := func() { _ = c.ws.SetReadDeadline(time.Now().Add(h.heartbeat)) }
	alive()
	c.ws.SetPongHandler(func(string) error {
		alive()
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				lost = true
				observability.HubHeartbeatLoss.WithLabelValues(string(c.id.Role)).Inc()
				h.logger.Info("heartbeat lost", "identity", c.id.Key())
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("ws read error", "identity", c.id.Key(), "error", err)
			}
			return
		}
		alive()

		if bytes.Equal(bytes.TrimSpace(raw), textPing) {
			h.reply(c, models.Event{Type: models.EventPong})
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.reply(c, errorEvent("", "malformed message"))
			continue
		}
		if msg.Type == models.MsgPing {
			h.reply(c, models.Event{Type: models.EventPong})
			continue
		}
		if h.handler == nil {
			continue
		}
		if err := h.handler.Message(c.id, msg); err != nil {
			h.logger.Debug("message rejected", "identity", c.id.Key(), "type", msg.Type, "ride_id", msg.RideID, "error", err)
			h.reply(c, errorEvent(msg.RideID, err.Error()))
		}
	}
}

func errorEvent(rideID, message string) models.Event {
	return models.Event{Type: models.EventError, RideID: rideID, Data: map[string]string{"message": message}}
}
