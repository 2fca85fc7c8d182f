package signaling

import (
	"errors"
	"fmt"
	"sync"

	"github.com/TFMV/hearthcall/metrics"
	"go.uber.org/zap"
)

// Channel is a bidirectional, ordered message channel shared with other
// consumers such as chat text. Every subscriber sees every inbound frame.
type Channel interface {
	// Send writes one frame
	Send(data []byte) error

	// IsOpen reports whether frames can currently be sent
	IsOpen() bool

	// Subscribe registers a frame handler and returns a function that removes it
	Subscribe(handler func(data []byte)) (unsubscribe func())
}

// Transport sends and receives signaling messages over an injected channel.
// It only reacts to frames of a known kind and never consumes other frames.
type Transport struct {
	logger *zap.Logger

	mu          sync.RWMutex
	channel     Channel
	unsubscribe func()
	handlers    []func(Message)
}

// NewTransport creates a transport with no channel attached
func NewTransport(logger *zap.Logger) *Transport {
	return &Transport{logger: logger}
}

// SetChannel attaches the channel, replacing any previous one
func (t *Transport) SetChannel(ch Channel) {
	t.mu.Lock()
	prev := t.unsubscribe
	t.channel = ch
	t.unsubscribe = nil
	t.mu.Unlock()

	if prev != nil {
		prev()
	}
	if ch == nil {
		return
	}

	unsubscribe := ch.Subscribe(t.handleFrame)

	t.mu.Lock()
	if t.channel == ch {
		t.unsubscribe = unsubscribe
		unsubscribe = nil
	}
	t.mu.Unlock()

	// The channel was swapped again while subscribing
	if unsubscribe != nil {
		unsubscribe()
	}
}

// OnMessage registers a handler for inbound signaling messages
func (t *Transport) OnMessage(handler func(Message)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, handler)
	t.mu.Unlock()
}

// IsOpen reports whether a channel is attached and open
func (t *Transport) IsOpen() bool {
	t.mu.RLock()
	ch := t.channel
	t.mu.RUnlock()
	return ch != nil && ch.IsOpen()
}

// Send encodes and writes a message. When the channel is not open the message
// is dropped and ErrChannelUnavailable is returned; nothing is queued or retried.
func (t *Transport) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	t.mu.RLock()
	ch := t.channel
	t.mu.RUnlock()

	if ch == nil || !ch.IsOpen() {
		metrics.SignalingDropped.Inc()
		t.logger.Debug("Dropping signaling message, channel not open", zap.String("kind", string(m.Kind())))
		return ErrChannelUnavailable
	}

	if err := ch.Send(data); err != nil {
		metrics.SignalingDropped.Inc()
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// handleFrame decodes one inbound frame and hands it to the handlers
func (t *Transport) handleFrame(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			t.logger.Warn("Ignoring malformed signaling frame", zap.Error(err))
			return
		}
		t.logger.Debug("Skipping non-signaling frame", zap.Error(err))
		return
	}

	t.mu.RLock()
	handlers := make([]func(Message), len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}
