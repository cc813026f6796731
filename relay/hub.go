// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	kvm "github.com/tenthirtyam/go-kvm"
)

const (
	hubWriteWait  = 5 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = hubPongWait * 9 / 10
	hubSendQueue  = 64
)

// hubClient owns one websocket. Only its writer goroutine writes to conn.
type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub broadcasts session events as JSON text messages to websocket
// subscribers. Video and audio events are not forwarded. A subscriber that
// cannot keep up is disconnected.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   kvm.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

var (
	_ kvm.EventHandler = (*EventHub)(nil)
	_ http.Handler     = (*EventHub)(nil)
)

// NewEventHub creates an empty hub.
func NewEventHub(logger kvm.Logger) *EventHub {
	if logger == nil {
		logger = &kvm.NoOpLogger{}
	}
	return &EventHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		clients:  make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", kvm.Field{Key: "error", Value: err})
		return
	}

	c := &hubClient{conn: ws, send: make(chan []byte, hubSendQueue)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Event subscriber connected", kvm.Field{Key: "remote", Value: r.RemoteAddr})
	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards inbound messages and detects disconnects.
func (h *EventHub) readLoop(c *hubClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("Event subscriber write failed", kvm.Field{Key: "error", Value: err})
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleEvent broadcasts ev to every subscriber.
func (h *EventHub) HandleEvent(_ *kvm.Session, ev kvm.Event) {
	if ev.Kind.IsMedia() {
		return
	}
	if err := h.Broadcast(ev); err != nil {
		h.logger.Warn("Failed to encode event", kvm.Field{Key: "kind", Value: ev.Kind}, kvm.Field{Key: "error", Value: err})
	}
}

// Broadcast encodes ev and queues it for every subscriber.
func (h *EventHub) Broadcast(ev kvm.Event) error {
	if ev.Err != nil && ev.Message == "" {
		ev.Message = ev.Err.Error()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping slow event subscriber")
			delete(h.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Clients returns the number of subscribers.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *EventHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
