package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tripcast/internal/trip"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 32
)

type MessageType string

const (
	TypeStatus  MessageType = "status"
	TypePublish MessageType = "publish"
	TypeError   MessageType = "error"
)

// Frame is the websocket envelope in both directions. Outbound status frames
// carry the full merged trip; inbound publish frames carry a delta.
type Frame struct {
	Type  MessageType `json:"type"`
	Trip  *trip.Trip  `json:"trip,omitempty"`
	Delta *trip.Patch `json:"delta,omitempty"`
	Error string      `json:"error,omitempty"`
}

// client is one websocket connection joined to one trip.
type client struct {
	id     string
	tripID string
	token  string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	srv    *Server
}

func (c *client) ID() string { return c.id }

// Deliver queues a status frame. A full buffer drops the frame.
func (c *client) Deliver(t trip.Trip) {
	c.enqueue(Frame{Type: TypeStatus, Trip: &t})
}

func (c *client) enqueue(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		slog.Error("encode frame", "trip", c.tripID, "err", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		slog.Debug("subscriber too slow, dropping frame", "trip", c.tripID, "client", c.id)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// serveWS handles GET /ws/trips/{tripId}. The retained status is the first
// frame; an optional ?token= lets the connection publish deltas.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "trip", tripID, "err", err)
		return
	}
	c := &client{
		id:     uuid.NewString(),
		tripID: tripID,
		token:  r.URL.Query().Get("token"),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		srv:    s,
	}
	go c.writePump()
	if err := s.reg.Join(tripID, c); err != nil {
		slog.Warn("websocket join refused", "trip", tripID, "err", err)
		c.close()
		return
	}
	slog.Debug("subscriber joined", "trip", tripID, "client", c.id)
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.srv.reg.Leave(c.tripID, c.id)
		c.close()
		slog.Debug("subscriber left", "trip", c.tripID, "client", c.id)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "trip", c.tripID, "err", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.enqueue(Frame{Type: TypeError, Error: "invalid frame: " + err.Error()})
		return
	}
	switch f.Type {
	case TypePublish:
		if f.Delta == nil {
			c.enqueue(Frame{Type: TypeError, Error: "publish frame without delta"})
			return
		}
		// the merged result reaches this client through the broadcast
		if _, err := c.srv.reg.Publish(c.tripID, c.token, *f.Delta); err != nil {
			c.enqueue(Frame{Type: TypeError, Error: err.Error()})
		}
	default:
		c.enqueue(Frame{Type: TypeError, Error: "unsupported frame type " + string(f.Type)})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
