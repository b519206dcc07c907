package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// SubscriptionMessage narrows or widens a client's event-type patterns.
type SubscriptionMessage struct {
	Action   string   `json:"action"` // subscribe, unsubscribe
	Patterns []string `json:"patterns"`
}

// Client is one WebSocket consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger

	mu       sync.RWMutex
	patterns map[string]struct{}
}

func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return matchAny(c.patterns, eventType)
}

func (c *Client) trySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// readPump consumes subscription messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.subscribe(msg.Patterns)
		case "unsubscribe":
			c.unsubscribe(msg.Patterns)
		default:
			c.log.Warn("unknown subscription action", zap.String("action", msg.Action))
		}
	}
}

// subscribe replaces the default catch-all with the client's first explicit
// pattern set; later calls add patterns.
func (c *Client) subscribe(patterns []string) {
	if len(patterns) == 0 {
		return
	}
	c.mu.Lock()
	if _, ok := c.patterns["*"]; ok && len(c.patterns) == 1 {
		c.patterns = make(map[string]struct{})
	}
	for _, p := range patterns {
		c.patterns[p] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(patterns []string) {
	c.mu.Lock()
	for _, p := range patterns {
		delete(c.patterns, p)
	}
	c.mu.Unlock()
}

// writePump flushes queued events and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain anything queued behind this event into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
