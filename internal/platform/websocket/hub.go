// Package websocket carries the real-time transport: the connection registry,
// room membership, per-connection read/write pumps and best-effort fan-out.
package websocket

import (
	"context"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Observer receives transport-level measurements.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameDropped()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened() {}
func (nopObserver) ConnectionClosed() {}
func (nopObserver) FrameDropped()     {}

// Filter reports whether a client should be skipped by a broadcast.
type Filter func(c *Client) bool

// ExceptConn skips a single connection.
func ExceptConn(connID string) Filter {
	return func(c *Client) bool { return c.ID == connID }
}

// ExceptUser skips every connection owned by userID.
func ExceptUser(userID string) Filter {
	return func(c *Client) bool { return c.UserID == userID }
}

// Hub owns the registry and rooms and delivers frames to connections.
// Delivery never blocks: a client whose buffer is full misses the frame.
type Hub struct {
	Registry *Registry
	Rooms    *Rooms

	log      zerolog.Logger
	observer Observer
}

func NewHub(log zerolog.Logger, observer Observer) *Hub {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Hub{
		Registry: NewRegistry(),
		Rooms:    NewRooms(),
		log:      log,
		observer: observer,
	}
}

func (h *Hub) Observer() Observer {
	return h.observer
}

func (h *Hub) deliver(c *Client, frame []byte) bool {
	if c.Enqueue(frame) {
		return true
	}
	h.observer.FrameDropped()
	c.log.Debug().Msg("send buffer full, frame dropped")
	return false
}

// SendToConn delivers a frame to one connection.
func (h *Hub) SendToConn(connID string, frame []byte) bool {
	c, ok := h.Registry.Get(connID)
	if !ok {
		return false
	}
	return h.deliver(c, frame)
}

// SendToUser delivers a frame to every connection of userID and returns how
// many accepted it.
func (h *Hub) SendToUser(userID string, frame []byte) int {
	n := 0
	for _, id := range h.Registry.ConnectionsOf(userID) {
		if h.SendToConn(id, frame) {
			n++
		}
	}
	return n
}

// Broadcast delivers a frame to the room's members, minus those skip matches.
func (h *Hub) Broadcast(room string, frame []byte, skip Filter) int {
	n := 0
	for _, id := range h.Rooms.MembersOf(room) {
		c, ok := h.Registry.Get(id)
		if !ok {
			continue
		}
		if skip != nil && skip(c) {
			continue
		}
		if h.deliver(c, frame) {
			n++
		}
	}
	return n
}

// Sweep closes connections idle for longer than timeout, checking every
// interval until ctx is done. Closing a client ends its read pump, which runs
// the normal disconnect path.
func (h *Hub) Sweep(ctx context.Context, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range h.Registry.Stale(timeout) {
				if c, ok := h.Registry.Get(id); ok && c.ctx.Err() == nil {
					c.log.Info().Dur("timeout", timeout).Msg("heartbeat timeout, closing connection")
					c.CloseWithReason(gorillawebsocket.CloseGoingAway, "heartbeat timeout")
				}
			}
		}
	}
}

// Shutdown sends a going-away close frame to every connection.
func (h *Hub) Shutdown() {
	for _, c := range h.Registry.All() {
		c.CloseWithReason(gorillawebsocket.CloseGoingAway, "server shutting down")
	}
}
