// Package streaming broadcasts AMM events to WebSocket clients.
package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// EventHeartbeat is sent periodically so idle clients can detect a dead stream.
const EventHeartbeat domain.EventType = "heartbeat"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

// Message is the envelope written to clients.
type Message struct {
	Type      domain.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      any              `json:"data"`
}

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	clients    map[*peer]bool
	broadcast  chan Message
	register   chan *peer
	unregister chan *peer
	done       chan struct{}
	mu         sync.RWMutex

	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// peer is one connected WebSocket subscriber.
type peer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Subscription filters; empty means everything.
	subscriptions map[domain.EventType]bool
	subMu         sync.RWMutex
}

// NewHub creates a hub. A nil logger falls back to slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*peer]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		done:       make(chan struct{}),
		heartbeat:  30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run drives the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("streaming: client connected", slog.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("streaming: client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)

		case <-heartbeat.C:
			h.broadcastMessage(Message{
				Type:      EventHeartbeat,
				Timestamp: time.Now(),
				Data:      map[string]int{"clients": h.ClientCount()},
			})
		}
	}
}

func (h *Hub) broadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("streaming: marshal event", slog.String("type", string(msg.Type)), slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if msg.Type != EventHeartbeat && !client.isSubscribed(msg.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Publish queues ev for every subscribed client. A full queue drops the event.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	msg := Message{Type: ev.EventType(), Timestamp: ev.OccurredAt(), Data: ev}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("streaming: broadcast queue full, dropping event", slog.String("type", string(msg.Type)))
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events to it. The optional `events` query
// parameter (repeatable) sets the initial subscriptions.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("streaming: upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &peer{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[domain.EventType]bool),
	}
	for _, t := range r.URL.Query()["events"] {
		client.subscriptions[domain.EventType(t)] = true
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *peer) isSubscribed(t domain.EventType) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

func (c *peer) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("streaming: read error", slog.String("error", err.Error()))
			}
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage applies {"type":"subscribe"|"unsubscribe","events":[...]}.
func (c *peer) handleMessage(message []byte) {
	var msg struct {
		Type   string   `json:"type"`
		Events []string `json:"events"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	switch msg.Type {
	case "subscribe":
		for _, ev := range msg.Events {
			c.subscriptions[domain.EventType(ev)] = true
		}
	case "unsubscribe":
		for _, ev := range msg.Events {
			delete(c.subscriptions, domain.EventType(ev))
		}
	}
}

func (c *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
