// Package stream fans live events out to WebSocket clients. Each client
// carries a set of event-type patterns; events are delivered to clients
// whose patterns match. Slow clients are dropped rather than allowed to
// stall the fanout.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/bus"
	v1 "github.com/aios/aios/pkg/api/v1"
)

const clientSendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub owns the client set and bridges the event bus to WebSocket fanout.
type Hub struct {
	bus   bus.EventBus
	log   *logger.Logger
	subID string

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates a hub.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "stream-hub")),
		clients: make(map[*Client]struct{}),
	}
}

// Start subscribes the hub to the full event stream.
func (h *Hub) Start() error {
	id, err := h.bus.Subscribe("*", h.broadcast)
	if err != nil {
		return err
	}
	h.subID = id
	return nil
}

// Stop unsubscribes and closes all clients.
func (h *Hub) Stop() {
	if h.subID != "" {
		h.bus.Unsubscribe(h.subID)
		h.subID = ""
	}
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

// ServeWS upgrades an HTTP request to a streaming connection. New clients
// start subscribed to everything; they can narrow with pattern messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, clientSendBuffer),
		patterns: map[string]struct{}{"*": {}},
		log:      h.log,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.log.Debug("stream client connected", zap.Int("clients", total))
	go client.writePump()
	go client.readPump()
}

// Unregister removes a client from the fanout set.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(_ context.Context, event *v1.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event for stream", zap.Error(err))
		return
	}

	h.mu.RLock()
	var dropped []*Client
	for c := range h.clients {
		if !c.wants(event.Type) {
			continue
		}
		if !c.trySend(data) {
			dropped = append(dropped, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range dropped {
		h.log.Warn("dropping slow stream client")
		h.Unregister(c)
	}
}

// matchAny reports whether any pattern matches the event type.
func matchAny(patterns map[string]struct{}, eventType string) bool {
	for p := range patterns {
		if events.Match(p, eventType) {
			return true
		}
	}
	return false
}
