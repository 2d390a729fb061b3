package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukaswerner/displaywatch/internal/model"
)

// ConsumerConfig controls the reconnect behavior of a Consumer.
type ConsumerConfig struct {
	// URL of the push endpoint to dial.
	URL string
	// Scope restricts the subscription to one display id; empty means the
	// global channel.
	Scope string
	// BaseDelay is the first reconnect delay; each further attempt doubles it.
	BaseDelay time.Duration
	// MaxAttempts caps reconnect attempts; past it the consumer stops and
	// reports disconnected.
	MaxAttempts int
}

// Handlers are the consumer-side callbacks. Nil handlers are skipped.
type Handlers struct {
	// OnDisplayUpdated fires for display_updated events that pass the scope
	// filter.
	OnDisplayUpdated func(displayID, action, reason string)
	// OnEvent fires for every event that passes the scope filter.
	OnEvent func(ev model.StreamEvent)
}

// Consumer maintains a long-lived push connection, filtering events by its
// subscription scope and reconnecting with doubling backoff.
type Consumer struct {
	cfg      ConsumerConfig
	handlers Handlers
	dialer   *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	attempts  int
	reconnect chan struct{}
	cancel    context.CancelFunc
}

// NewConsumer builds a consumer; call Run to connect.
func NewConsumer(cfg ConsumerConfig, handlers Handlers) *Consumer {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Consumer{
		cfg:       cfg,
		handlers:  handlers,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: make(chan struct{}, 1),
	}
}

// IsConnected reports whether the consumer currently holds an open connection.
func (c *Consumer) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run dials and reads until the context is cancelled or the reconnect attempt
// cap is exhausted, in which case it returns an error describing the
// disconnected state.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		c.connected = false
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if attempts >= c.cfg.MaxAttempts {
			slog.Error("stream consumer giving up",
				"url", c.cfg.URL, "attempts", attempts, "error", err)
			return fmt.Errorf("stream consumer disconnected after %d attempts: %w", attempts, err)
		}

		delay := c.backoff(attempts)
		slog.Warn("stream consumer reconnecting",
			"url", c.cfg.URL, "attempt", attempts, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.reconnect:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// backoff returns the delay before the given reconnect attempt. It doubles
// each time: base, 2*base, 4*base, ...
func (c *Consumer) backoff(attempt int) time.Duration {
	return c.cfg.BaseDelay << (attempt - 1)
}

// Reconnect resets the attempt counter and skips any pending backoff delay.
func (c *Consumer) Reconnect() {
	c.mu.Lock()
	c.attempts = 0
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Disconnect closes the connection and stops the reconnect loop.
func (c *Consumer) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Consumer) connectAndRead(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		var ev model.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("stream consumer dropping malformed frame", "error", err)
			continue
		}
		c.handle(ev)
	}
}

func (c *Consumer) handle(ev model.StreamEvent) {
	switch ev.Event {
	case model.EventConnected:
		c.mu.Lock()
		c.connected = true
		c.attempts = 0
		c.mu.Unlock()
		slog.Info("stream consumer connected", "url", c.cfg.URL, "scope", c.cfg.Scope)
		return
	case model.EventDisplayUpdated:
		displayID, _ := ev.Payload["displayId"].(string)
		if displayID == "" {
			displayID = ev.DisplayID
		}
		if c.cfg.Scope != "" && displayID != c.cfg.Scope {
			// A scoped consumer never mutates on a foreign display's event.
			slog.Warn("stream consumer dropping out-of-scope event",
				"scope", c.cfg.Scope, "display_id", displayID)
			return
		}
		if c.handlers.OnDisplayUpdated != nil {
			action, _ := ev.Payload["action"].(string)
			reason, _ := ev.Payload["reason"].(string)
			c.handlers.OnDisplayUpdated(displayID, action, reason)
		}
	default:
		if c.cfg.Scope != "" && ev.DisplayID != "" && ev.DisplayID != c.cfg.Scope {
			slog.Warn("stream consumer dropping out-of-scope event",
				"scope", c.cfg.Scope, "display_id", ev.DisplayID)
			return
		}
	}

	if c.handlers.OnEvent != nil {
		c.handlers.OnEvent(ev)
	}
}
