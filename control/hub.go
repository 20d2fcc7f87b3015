// Package control exposes the engine to local frontends: a REST API, a
// WebSocket event stream and an optional MCP stdio server for agent tooling.
// Everything binds to loopback; the API is unauthenticated by design and must
// never listen on an external interface.
package control

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/olafkfreund/cosmic-connect/device"
	"github.com/olafkfreund/cosmic-connect/logger"
)

// Event kinds pushed over the /api/events stream.
const (
	EventDeviceUpdated    = "device.updated"
	EventDeviceRemoved    = "device.removed"
	EventPairingRequested = "pairing.requested"
	EventPairingResolved  = "pairing.resolved"
)

// Event is one frame on the event stream. Device is present on every kind
// except device.removed, which only carries the id.
type Event struct {
	Kind     string           `json:"kind"`
	Device   *device.Snapshot `json:"device,omitempty"`
	DeviceID string           `json:"deviceId,omitempty"`
	Paired   *bool            `json:"paired,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	// The API binds to loopback; pages served from other local ports are
	// still local frontends.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const subscriberQueueSize = 16

// Hub fans registry events out to WebSocket subscribers. It implements
// device.EventSink; sends never block, so a subscriber that cannot keep up
// misses events rather than stalling the engine.
type Hub struct {
	log logger.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan Event
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		log:     log.WithComponent("control.events"),
		clients: make(map[*hubClient]struct{}),
	}
}

var _ device.EventSink = (*Hub)(nil)

func (h *Hub) DeviceUpdated(snap device.Snapshot) {
	h.broadcast(Event{Kind: EventDeviceUpdated, Device: &snap})
}

func (h *Hub) DeviceRemoved(deviceID string) {
	h.broadcast(Event{Kind: EventDeviceRemoved, DeviceID: deviceID})
}

func (h *Hub) PairingRequested(snap device.Snapshot) {
	h.broadcast(Event{Kind: EventPairingRequested, Device: &snap})
}

func (h *Hub) PairingResolved(snap device.Snapshot, paired bool, reason string) {
	h.broadcast(Event{Kind: EventPairingResolved, Device: &snap, Paired: &paired, Reason: reason})
}

// ServeWS upgrades the request and subscribes it to the event stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &hubClient{conn: conn, send: make(chan Event, subscriberQueueSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Debug().Str("addr", r.RemoteAddr).Int("subscribers", count).
		Msg("event subscriber connected")

	go h.writeLoop(c)
	go h.readLoop(c)
}

// broadcast delivers ev to every subscriber without blocking. Sends and the
// channel close in remove both run under mu, so they can never race.
func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.log.Debug().Str("kind", ev.Kind).Msg("subscriber queue full, event dropped")
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	c.conn.Close()
}

func (h *Hub) writeLoop(c *hubClient) {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			h.remove(c)
			return
		}
	}
}

// readLoop discards inbound frames; its job is noticing the close.
func (h *Hub) readLoop(c *hubClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}
