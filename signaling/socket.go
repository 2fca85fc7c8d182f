package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TFMV/hearthcall/metrics"
	"github.com/TFMV/hearthcall/retry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// WSChannel is a reconnecting websocket Channel. Unplanned closes are
// retried with exponential backoff from a retry.Scheduler.
type WSChannel struct {
	logger    *zap.Logger
	url       string
	dialer    *websocket.Dialer
	scheduler *retry.Scheduler

	writeMu sync.Mutex
	conn    *websocket.Conn
	open    atomic.Bool

	mu       sync.RWMutex
	greeting []byte
	subs     map[uint64]func([]byte)
	nextSub  uint64
	onOpen   []func()
}

// NewWSChannel creates a channel for url. It does not dial until Run is called.
func NewWSChannel(logger *zap.Logger, url string, scheduler *retry.Scheduler) *WSChannel {
	if scheduler == nil {
		scheduler = retry.NewScheduler(retry.DefaultBase, retry.DefaultMax)
	}
	return &WSChannel{
		logger:    logger,
		url:       url,
		dialer:    websocket.DefaultDialer,
		scheduler: scheduler,
		subs:      make(map[uint64]func([]byte)),
	}
}

// SetGreeting sets a frame written first on every successful open
func (c *WSChannel) SetGreeting(frame []byte) {
	c.mu.Lock()
	c.greeting = frame
	c.mu.Unlock()
}

// OnOpen registers a hook run after every successful open
func (c *WSChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.mu.Unlock()
}

// Subscribe registers a frame handler
func (c *WSChannel) Subscribe(handler func(data []byte)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// IsOpen reports whether the socket is currently connected
func (c *WSChannel) IsOpen() bool {
	return c.open.Load()
}

// Send writes one text frame
func (c *WSChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil || !c.open.Load() {
		return ErrChannelUnavailable
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// RetryState returns the reconnection attempt counter and the next wait
func (c *WSChannel) RetryState() retry.State {
	return c.scheduler.State()
}

// Run dials the socket and keeps it connected until ctx is cancelled
func (c *WSChannel) Run(ctx context.Context) error {
	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := c.scheduler.OnClose()
		metrics.ReconnectAttempts.Inc()
		c.logger.Warn("Signaling socket closed, reconnecting",
			zap.Error(err),
			zap.Duration("wait", wait),
			zap.Int("attempt", c.scheduler.State().Attempt))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectAndRead holds one connection until it fails or ctx is cancelled
func (c *WSChannel) connectAndRead(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.open.Store(true)
	c.scheduler.Reset()

	c.logger.Info("Signaling socket connected", zap.String("url", c.url))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	defer func() {
		c.open.Store(false)
		c.writeMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.writeMu.Unlock()
		_ = conn.Close()
	}()

	c.mu.RLock()
	greeting := c.greeting
	hooks := make([]func(), len(c.onOpen))
	copy(hooks, c.onOpen)
	c.mu.RUnlock()

	if greeting != nil {
		if err := c.Send(greeting); err != nil {
			return err
		}
	}
	for _, hook := range hooks {
		hook()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed the socket")
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *WSChannel) dispatch(data []byte) {
	c.mu.RLock()
	handlers := make([]func([]byte), 0, len(c.subs))
	for _, handler := range c.subs {
		handlers = append(handlers, handler)
	}
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
