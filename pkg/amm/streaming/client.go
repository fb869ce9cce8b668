package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Incoming is a frame read from the hub. Data stays raw until Event is called.
type Incoming struct {
	Type      domain.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// Event decodes the payload. Heartbeats have no typed event and return an error.
func (m Incoming) Event() (domain.Event, error) {
	return domain.DecodeEvent(m.Type, m.Data)
}

// Handlers are optional callbacks. OnMessage runs on the read goroutine.
type Handlers struct {
	OnConnect     func()
	OnDisconnect  func(err error)
	OnMessage     func(Incoming)
	OnError       func(err error)
	OnStateChange func(old, new State)
}

type ClientConfig struct {
	// URL is the hub endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Events is the initial subscription; empty receives everything.
	Events []domain.EventType

	ReconnectEnabled     bool
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int // 0 = unlimited

	WriteTimeout time.Duration
	// ReadTimeout should exceed the hub heartbeat.
	ReadTimeout time.Duration
}

func DefaultClientConfig(u string) ClientConfig {
	return ClientConfig{
		URL:               u,
		ReconnectEnabled:  true,
		ReconnectMinDelay: time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
	}
}

// Client follows a Hub over WebSocket and reconnects with exponential backoff,
// replaying its subscriptions on every new connection.
type Client struct {
	config   ClientConfig
	handlers Handlers

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex
	state   int32 // atomic State

	closeCh   chan struct{}
	closeOnce sync.Once

	subs   map[domain.EventType]bool
	subsMu sync.RWMutex

	reconnectAttempts int
	lastError         error
	lastErrorMu       sync.RWMutex
}

func NewClient(config ClientConfig, handlers Handlers) *Client {
	c := &Client{
		config:   config,
		handlers: handlers,
		closeCh:  make(chan struct{}),
		subs:     make(map[domain.EventType]bool),
	}
	for _, t := range config.Events {
		c.subs[t] = true
	}
	return c
}

// Connect dials the hub. The current subscription set travels in the query string.
func (c *Client) Connect(ctx context.Context) error {
	if c.getState() == StateClosed {
		return errors.New("streaming: client is closed")
	}
	c.setState(StateConnecting)

	u, err := c.dialURL()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		c.setState(StateDisconnected)
		c.setLastError(err)
		return fmt.Errorf("streaming: dial: %w", err)
	}

	c.connMu.Lock()
	if c.getState() == StateClosed {
		c.connMu.Unlock()
		conn.Close()
		return errors.New("streaming: client is closed")
	}
	c.conn = conn
	c.connMu.Unlock()
	c.reconnectAttempts = 0
	c.setState(StateConnected)

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
	go c.readLoop(conn)
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("streaming: parse url: %w", err)
	}
	q := u.Query()
	q.Del("events")
	for _, t := range c.Subscriptions() {
		q.Add("events", string(t))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Close stops the client and its reconnect loop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeCh)

		c.connMu.Lock()
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
	return nil
}

// Subscribe adds event types to the filter, live if connected.
func (c *Client) Subscribe(types ...domain.EventType) error {
	c.subsMu.Lock()
	for _, t := range types {
		c.subs[t] = true
	}
	c.subsMu.Unlock()
	return c.sendControl("subscribe", types)
}

// Unsubscribe removes event types from the filter.
func (c *Client) Unsubscribe(types ...domain.EventType) error {
	c.subsMu.Lock()
	for _, t := range types {
		delete(c.subs, t)
	}
	c.subsMu.Unlock()
	return c.sendControl("unsubscribe", types)
}

// Subscriptions returns the current filter in sorted order.
func (c *Client) Subscriptions() []domain.EventType {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]domain.EventType, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (c *Client) sendControl(kind string, types []domain.EventType) error {
	if c.getState() != StateConnected {
		// Applied on the next connect.
		return nil
	}
	events := make([]string, len(types))
	for i, t := range types {
		events[i] = string(t)
	}
	data, err := json.Marshal(struct {
		Type   string   `json:"type"`
		Events []string `json:"events"`
	}{kind, events})
	if err != nil {
		return fmt.Errorf("streaming: marshal %s: %w", kind, err)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("streaming: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.setLastError(err)
		return fmt.Errorf("streaming: send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) State() State { return c.getState() }

func (c *Client) IsConnected() bool { return c.getState() == StateConnected }

func (c *Client) LastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

func (c *Client) getState() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	old := State(atomic.SwapInt32(&c.state, int32(s)))
	if old != s && c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(old, s)
	}
}

func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var readErr error
	defer func() {
		if c.getState() != StateClosed {
			c.handleDisconnect(readErr)
		}
	}()

	// Hub pings keep the deadline moving between events.
	if c.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.getState() == StateClosed {
				return
			}
			readErr = err
			c.setLastError(err)
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			return
		}
		if c.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		var msg Incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(fmt.Errorf("streaming: decode frame: %w", err))
			}
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	c.setState(StateDisconnected)

	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(err)
	}
	if c.config.ReconnectEnabled && c.getState() != StateClosed {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	c.setState(StateReconnecting)

	for {
		if c.getState() == StateClosed {
			return
		}
		c.reconnectAttempts++
		if c.config.ReconnectMaxAttempts > 0 && c.reconnectAttempts > c.config.ReconnectMaxAttempts {
			c.setState(StateDisconnected)
			if c.handlers.OnError != nil {
				c.handlers.OnError(fmt.Errorf("streaming: max reconnect attempts (%d) exceeded", c.config.ReconnectMaxAttempts))
			}
			return
		}

		delay := c.config.ReconnectMinDelay * time.Duration(1<<uint(min(c.reconnectAttempts-1, 16)))
		if delay > c.config.ReconnectMaxDelay {
			delay = c.config.ReconnectMaxDelay
		}
		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(fmt.Errorf("streaming: reconnect attempt %d: %w", c.reconnectAttempts, err))
		}
	}
}
