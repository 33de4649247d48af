package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/backoff"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/creds"
	"github.com/courier-im/courier/internal/status"
)

// Config holds transport tunables.
type Config struct {
	URL         string
	Heartbeat   time.Duration
	SendTimeout time.Duration
}

// Client is the websocket sync connection. One per daemon. Reconnects with
// exponential backoff and jitter; the backoff curve resets after a
// connection stays up for a minute.
type Client struct {
	cfg     Config
	creds   creds.Provider
	machine *status.Machine
	bus     *bus.Bus
	log     *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	events chan Envelope

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	reqCounter atomic.Int64
	recon      *reconnector
}

// New creates a transport client. Connect nothing until Run is called.
func New(cfg Config, provider creds.Provider, machine *status.Machine, b *bus.Bus, log *zap.Logger) *Client {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		creds:   provider,
		machine: machine,
		bus:     b,
		log:     log,
		events:  make(chan Envelope, 256),
		pending: make(map[string]chan Envelope),
		recon:   newReconnector(backoff.Policy{Base: time.Second, Cap: 30 * time.Second}),
	}
}

// Events returns the inbound event stream. After every (re)connect a
// synthetic EventConnected envelope is delivered before any live frame from
// that connection.
func (c *Client) Events() <-chan Envelope {
	return c.events
}

// Run connects and keeps the connection alive until ctx is cancelled or
// authentication expires. Blocks; meant to run in its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthExpired) {
			c.log.Warn("authentication expired, stopping sync")
			c.bus.Publish(bus.Event{Kind: bus.KindLoggedOut, Timestamp: time.Now()})
			return err
		}
		delay := c.recon.nextDelay()
		c.log.Info("reconnecting", zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndServe dials, authenticates, and serves one connection to
// completion. Returns when the connection drops or ctx is cancelled.
func (c *Client) connectAndServe(ctx context.Context) error {
	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		_ = c.machine.Transition(status.Disconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connected); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return err
	}
	c.recon.markConnected()
	c.log.Info("connected", zap.String("url", c.cfg.URL))

	// The marker must reach consumers before any live frame, so it is
	// pushed before the read loop starts.
	c.deliver(ctx, Envelope{Type: EventConnected})
	c.bus.Publish(bus.Event{Kind: bus.KindConnected, Timestamp: time.Now()})

	connCtx, cancel := context.WithCancel(ctx)
	go c.heartbeatLoop(connCtx, conn)

	err = c.readLoop(connCtx, conn)
	cancel()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.failPending()

	_ = c.machine.Transition(status.Disconnected)
	c.bus.Publish(bus.Event{Kind: bus.KindDisconnected, Timestamp: time.Now()})
	return err
}

// dial opens the websocket and completes the auth handshake. A rejected
// token gets one refresh and one more try before giving up.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.creds.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}

		wsURL := strings.Replace(c.cfg.URL, "https://", "wss://", 1)
		wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
		wsURL += "/ws?token=" + token

		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("read auth frame: %w", err)
		}
		var env Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr == nil && env.Type == envAuthenticated {
			return conn, nil
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if attempt > 0 {
			return nil, ErrAuthExpired
		}
		c.log.Info("token rejected, refreshing credentials")
		if err := c.creds.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.deliver(ctx, Envelope{Type: EventMalformed, Payload: data})
			continue
		}

		if key, ok := correlationKey(env); ok {
			if c.resolvePending(key, env) {
				continue
			}
		}
		if env.Type == envPong {
			continue // late pong, waiter already timed out
		}
		c.deliver(ctx, env)
	}
}

// correlationKey maps a response frame to the pending waiter key, if any.
func correlationKey(env Envelope) (string, bool) {
	switch env.Type {
	case EnvAck:
		var p AckPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.MessageID != "" {
			return "ack:" + p.MessageID, true
		}
	case EnvReject:
		var p RejectPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.MessageID != "" {
			return "ack:" + p.MessageID, true
		}
	case envPong:
		var p pongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			return "pong:" + p.RequestID, true
		}
	case "changes.result":
		var p ChangesResult
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			return "changes:" + p.RequestID, true
		}
	}
	return "", false
}

// deliver pushes an envelope to the event stream, blocking until the
// consumer takes it or ctx ends. Ordering is preserved.
func (c *Client) deliver(ctx context.Context, env Envelope) {
	select {
	case c.events <- env:
	case <-ctx.Done():
	}
}

// Send transmits a message and waits for the correlated ack or reject.
// Transient failures (write errors, timeouts) are plain errors; server
// refusals come back as *RejectError.
func (c *Client) Send(ctx context.Context, m WireMessage) (*AckPayload, error) {
	ch, cancel := c.registerPending("ack:" + m.ID)
	defer cancel()

	if err := c.write(ctx, &Command{Type: "message.send", Payload: m}); err != nil {
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if env.Type == EnvReject {
			var p RejectPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode reject: %w", err)
			}
			return nil, &RejectError{Reason: p.Reason, Permanent: p.Permanent}
		}
		var ack AckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return nil, fmt.Errorf("decode ack: %w", err)
		}
		return &ack, nil
	case <-time.After(c.cfg.SendTimeout):
		return nil, ErrSendTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchChanges requests one page of changes after a server sequence
// checkpoint. Used by the resync pass after each reconnect.
func (c *Client) FetchChanges(ctx context.Context, conversationID string, sinceSeq int64, limit int) (*ChangesResult, error) {
	reqID := fmt.Sprintf("req-%d", c.reqCounter.Add(1))
	ch, cancel := c.registerPending("changes:" + reqID)
	defer cancel()

	err := c.write(ctx, &Command{
		Type:      "changes.fetch",
		Payload:   ChangesRequest{ConversationID: conversationID, SinceSeq: sinceSeq, Limit: limit},
		RequestID: reqID,
	})
	if err != nil {
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		var result ChangesResult
		if err := json.Unmarshal(env.Payload, &result); err != nil {
			return nil, fmt.Errorf("decode changes: %w", err)
		}
		return &result, nil
	case <-time.After(c.cfg.SendTimeout):
		return nil, ErrSendTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendTyping reports local typing activity. Fire and forget.
func (c *Client) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	cmdType := "typing.stop"
	if isTyping {
		cmdType = "typing.start"
	}
	return c.write(ctx, &Command{
		Type:    cmdType,
		Payload: TypingPayload{ConversationID: conversationID, IsTyping: isTyping},
	})
}

// SendReadReceipt reports the local read position. Fire and forget.
func (c *Client) SendReadReceipt(ctx context.Context, conversationID string, seq int64) error {
	return c.write(ctx, &Command{
		Type:    "read.mark",
		Payload: ReadReceiptPayload{ConversationID: conversationID, Seq: seq},
	})
}

func (c *Client) write(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) registerPending(key string) (chan Envelope, func()) {
	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	return ch, func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}
}

func (c *Client) resolvePending(key string, env Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// failPending closes every waiter after a disconnect so in-flight sends
// return immediately instead of burning their full timeout.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for k, ch := range c.pending {
		close(ch)
		delete(c.pending, k)
	}
	c.pendingMu.Unlock()
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(ctx); err != nil {
				c.log.Warn("heartbeat failed, closing connection", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Client) ping(ctx context.Context) error {
	reqID := fmt.Sprintf("ping-%d", c.reqCounter.Add(1))
	ch, cancel := c.registerPending("pong:" + reqID)
	defer cancel()

	if err := c.write(ctx, &Command{Type: "ping", Payload: pongPayload{RequestID: reqID}, RequestID: reqID}); err != nil {
		return err
	}
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(10 * time.Second):
		return ErrSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
