package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteDeadline = 10 * time.Second
	wsReadDeadline  = 90 * time.Second
	wsPingInterval  = 30 * time.Second

	publishTimeout = 10 * time.Second
)

// Client manages a WebSocket connection to one Nostr relay with:
//   - Jittered exponential backoff reconnect
//   - Re-issue of every live subscription on reconnect
//   - Publish acknowledged by the relay's OK message
//
// Usage: call Connect() once, then Close() to shut down.
type Client struct {
	url              string
	logger           *zap.Logger
	backoff          *Backoff
	handshakeTimeout time.Duration

	conn    *websocket.Conn
	ready   chan struct{} // closed while conn is live, guarded by connMu
	connMu  sync.Mutex
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*Subscription

	ackMu      sync.Mutex
	ackWaiters map[string]chan publishAck

	onConnect func()

	cancel context.CancelFunc
	done   chan struct{}
}

type publishAck struct {
	accepted bool
	reason   string
}

// Subscription is a live REQ on the relay. Close is idempotent.
type Subscription struct {
	id      string
	filter  Filter
	handler func(*Event)

	client    *Client
	closeOnce sync.Once
}

// ID returns the relay-side subscription id.
func (s *Subscription) ID() string { return s.id }

// Close sends CLOSE to the relay and stops event delivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.client.subsMu.Lock()
		delete(s.client.subs, s.id)
		s.client.subsMu.Unlock()

		// Best effort: the relay drops the REQ with the connection anyway.
		if err := s.client.send("CLOSE", s.id); err != nil {
			s.client.logger.Debug("close subscription", zap.Error(err))
		}
	})
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackoff overrides the default backoff configuration.
func WithBackoff(b *Backoff) ClientOption {
	return func(c *Client) { c.backoff = b }
}

// WithOnConnect sets a hook invoked after every successful (re)connect,
// after live subscriptions have been re-issued.
func WithOnConnect(hook func()) ClientOption {
	return func(c *Client) { c.onConnect = hook }
}

// WithHandshakeTimeout overrides the websocket handshake timeout.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// NewClient creates a relay client. Connect must be called before use.
func NewClient(url string, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:              url,
		logger:           logger,
		backoff:          DefaultBackoff(),
		handshakeTimeout: 10 * time.Second,
		ready:            make(chan struct{}),
		subs:             make(map[string]*Subscription),
		ackWaiters:       make(map[string]chan publishAck),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the relay URL this client dials.
func (c *Client) URL() string { return c.url }

// Connect starts the reconnect loop in a background goroutine.
func (c *Client) Connect(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.connectLoop(ctx)
}

// Close stops the reconnect loop and closes the active connection.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	<-c.done
	return nil
}

func (c *Client) connectLoop(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.dialAndServe(ctx)
		c.closeConn()
		if ctx.Err() != nil {
			c.logger.Info("relay client shutting down")
			return
		}
		if err != nil {
			c.logger.Error("relay connection error", zap.Error(err))
		}

		wait := c.backoff.Duration()
		c.logger.Info("reconnecting to relay",
			zap.String("url", c.url),
			zap.Duration("backoff", wait),
			zap.Int("attempt", c.backoff.Attempt()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) dialAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	c.connMu.Lock()
	c.conn = conn
	close(c.ready)
	c.connMu.Unlock()

	c.backoff.Reset()
	c.logger.Info("connected to relay", zap.String("url", c.url))

	// Every live subscription is re-issued on reconnect so sessions
	// survive relay restarts.
	if err := c.resubscribeAll(); err != nil {
		c.closeConn()
		return fmt.Errorf("resubscribe: %w", err)
	}

	if c.onConnect != nil {
		c.onConnect()
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	return c.readLoop(ctx, conn)
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) resubscribeAll() error {
	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		if err := c.send("REQ", sub.id, sub.filter); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		if err := c.handleMessage(msg); err != nil {
			c.logger.Warn("invalid relay message", zap.Error(err))
		}
	}
}

func (c *Client) handleMessage(msg []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(msg, &arr); err != nil || len(arr) == 0 {
		return fmt.Errorf("not a relay frame")
	}

	var typ string
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return fmt.Errorf("bad frame type")
	}

	switch typ {
	case "EVENT":
		if len(arr) < 3 {
			return fmt.Errorf("short EVENT frame")
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return fmt.Errorf("bad subscription id")
		}
		var ev Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			return fmt.Errorf("bad event payload: %w", err)
		}
		c.dispatchEvent(subID, &ev)

	case "OK":
		if len(arr) < 3 {
			return fmt.Errorf("short OK frame")
		}
		var eventID string
		var accepted bool
		var reason string
		if err := json.Unmarshal(arr[1], &eventID); err != nil {
			return fmt.Errorf("bad OK event id")
		}
		if err := json.Unmarshal(arr[2], &accepted); err != nil {
			return fmt.Errorf("bad OK status")
		}
		if len(arr) > 3 {
			_ = json.Unmarshal(arr[3], &reason)
		}
		c.resolveAck(eventID, publishAck{accepted: accepted, reason: reason})

	case "NOTICE":
		var notice string
		if len(arr) > 1 {
			_ = json.Unmarshal(arr[1], &notice)
		}
		c.logger.Warn("relay notice", zap.String("notice", notice))

	case "CLOSED":
		var subID string
		if len(arr) > 1 {
			_ = json.Unmarshal(arr[1], &subID)
		}
		c.logger.Warn("relay closed subscription", zap.String("sub_id", subID))

	case "EOSE":
		// End of stored events; live events follow.
	}

	return nil
}

func (c *Client) dispatchEvent(subID string, ev *Event) {
	c.subsMu.Lock()
	sub, ok := c.subs[subID]
	c.subsMu.Unlock()
	if !ok {
		return
	}

	if err := ev.Verify(); err != nil {
		c.logger.Warn("dropping event with bad signature",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return
	}

	// Handlers may block on wallet I/O; never stall the read loop.
	go sub.handler(ev)
}

// Subscribe registers a filter with the relay and delivers matching,
// signature-verified events to handler. Each event is handled on its own
// goroutine.
func (c *Client) Subscribe(filter Filter, handler func(*Event)) (*Subscription, error) {
	sub := &Subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
		client:  c,
	}

	c.subsMu.Lock()
	c.subs[sub.id] = sub
	c.subsMu.Unlock()

	// If offline the REQ goes out on the next reconnect.
	if err := c.send("REQ", sub.id, filter); err != nil {
		c.logger.Debug("subscription deferred until reconnect",
			zap.String("sub_id", sub.id),
			zap.Error(err),
		)
	}
	return sub, nil
}

// Publish sends an event and waits for the relay's OK acknowledgment.
// Connect dials in the background, so an in-progress dial is waited out
// within the same timeout budget instead of failing the publish.
func (c *Client) Publish(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := c.waitConnected(ctx); err != nil {
		return fmt.Errorf("publish event %s: waiting for relay: %w", ev.ID, err)
	}

	ch := make(chan publishAck, 1)
	c.ackMu.Lock()
	c.ackWaiters[ev.ID] = ch
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.ackWaiters, ev.ID)
		c.ackMu.Unlock()
	}()

	if err := c.send("EVENT", ev); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}

	select {
	case ack := <-ch:
		if !ack.accepted {
			return fmt.Errorf("relay rejected event %s: %s", ev.ID, ack.reason)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish event %s: waiting for OK: %w", ev.ID, ctx.Err())
	}
}

func (c *Client) resolveAck(eventID string, ack publishAck) {
	c.ackMu.Lock()
	ch, ok := c.ackWaiters[eventID]
	c.ackMu.Unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}

// send marshals a client frame ["TYPE", ...] and writes it. Thread-safe.
func (c *Client) send(parts ...interface{}) error {
	data, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.connMu.Unlock()
}

// waitConnected blocks until the dial loop has a live connection.
func (c *Client) waitConnected(ctx context.Context) error {
	for {
		c.connMu.Lock()
		conn := c.conn
		ready := c.ready
		c.connMu.Unlock()
		if conn != nil {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
