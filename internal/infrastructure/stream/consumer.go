package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// Pseudo event types dispatched by the consumer itself
const (
	// EventMessage handlers see every decoded message regardless of its type
	EventMessage entity.EventType = "message"
	// EventError handlers see connection failures and undecodable messages
	EventError entity.EventType = "error"
	// EventDisconnected is dispatched once when the consumer stops for good
	EventDisconnected entity.EventType = "disconnected"
)

var (
	// ErrReconnectExhausted is the terminal error after too many failed attempts
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrAlreadyConnected is returned by Connect on a running consumer
	ErrAlreadyConnected = errors.New("consumer already connected")
)

// Connection is one open push channel
type Connection interface {
	// Next blocks until the next message payload; any error ends the connection
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push channels for a topic
type Dialer interface {
	Dial(ctx context.Context, topic entity.Topic) (Connection, error)
}

// State of the consumer
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives a decoded message
type Handler func(env *entity.Envelope)

// HandlerID identifies a registered handler for Off
type HandlerID uint64

// Consumer subscribes to a topic, dispatches messages to handlers by type and
// reconnects after failures. Failed dials and connections dropped before they
// became healthy count as failed attempts; after reconnectAttempts of them in a
// row it stops with ErrReconnectExhausted. Handlers survive reconnects.
type Consumer struct {
	dialer   Dialer
	topic    entity.Topic
	attempts    int
	delay       time.Duration
	stableAfter time.Duration
	logger      *logger.Logger

	mu       sync.Mutex
	handlers map[entity.EventType]map[HandlerID]Handler
	nextID   HandlerID
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	err      error

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewConsumer creates an idle consumer
func NewConsumer(dialer Dialer, topic entity.Topic, cfg *config.StreamConfig, logger *logger.Logger) *Consumer {
	attempts := cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Consumer{
		dialer:      dialer,
		topic:       topic,
		attempts:    attempts,
		delay:       cfg.ReconnectDelay,
		stableAfter: cfg.StableAfter,
		logger:      logger.WithComponent("stream-consumer").WithFields(map[string]interface{}{"topic": topic.String()}),
		handlers:    make(map[entity.EventType]map[HandlerID]Handler),
		done:        make(chan struct{}),
		sleep:       sleepContext,
		now:         time.Now,
	}
}

// On registers a handler for a message type or one of the pseudo types
func (c *Consumer) On(eventType entity.EventType, h Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[HandlerID]Handler)
	}
	c.handlers[eventType][c.nextID] = h
	return c.nextID
}

// Off removes a handler; false when it was not registered
func (c *Consumer) Off(eventType entity.EventType, id HandlerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[eventType][id]; !ok {
		return false
	}
	delete(c.handlers[eventType], id)
	return true
}

// Connect starts consuming in the background
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		return ErrAlreadyConnected
	case StateDisconnected:
		// reusable after a terminal stop
		c.done = make(chan struct{})
		c.err = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(runCtx, c.done)
	return nil
}

// Disconnect stops the consumer and waits for it to finish
func (c *Consumer) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	running := c.state != StateIdle && c.state != StateDisconnected
	c.mu.Unlock()

	if !running {
		return
	}
	cancel()
	<-done
}

// State returns the current state
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the consumer stops
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the terminal error; nil after Disconnect
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	failures := 0
	connectedOnce := false

	// fail counts one failed attempt; false once the bound is reached
	fail := func(err error) bool {
		failures++
		c.dispatchError(err)
		if failures >= c.attempts {
			c.finish(done, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, failures, err))
			return false
		}
		if !c.wait(ctx) {
			c.finish(done, nil)
			return false
		}
		return true
	}

	for {
		conn, err := c.dialer.Dial(ctx, c.topic)
		if err != nil {
			if ctx.Err() != nil {
				c.finish(done, nil)
				return
			}
			c.logger.Warn("Failed to connect to stream",
				zap.Int("attempt", failures+1),
				zap.Int("max_attempts", c.attempts),
				zap.Error(err))
			if !fail(err) {
				return
			}
			continue
		}

		if connectedOnce {
			c.logger.Info("Reconnected to stream")
		} else {
			c.logger.Info("Connected to stream")
		}
		connectedOnce = true
		c.setState(StateConnected)

		started := c.now()
		healthy, err := c.read(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			c.finish(done, nil)
			return
		}

		if healthy || (c.stableAfter > 0 && c.now().Sub(started) >= c.stableAfter) {
			failures = 0
			c.logger.Warn("Stream connection lost", zap.Error(err))
			c.dispatchError(err)
			if !c.wait(ctx) {
				c.finish(done, nil)
				return
			}
			continue
		}

		c.logger.Warn("Stream connection lost before it became healthy",
			zap.Int("attempt", failures+1),
			zap.Int("max_attempts", c.attempts),
			zap.Error(err))
		if !fail(err) {
			return
		}
	}
}

// read dispatches messages until the connection ends. healthy reports whether
// anything beyond the connected greeting arrived.
func (c *Consumer) read(ctx context.Context, conn Connection) (bool, error) {
	healthy := false
	for {
		payload, err := conn.Next(ctx)
		if err != nil {
			return healthy, err
		}

		env, err := entity.DecodeEnvelope(payload)
		if err != nil {
			c.logger.Warn("Skipping undecodable message", zap.Error(err))
			c.dispatchError(err)
			continue
		}
		if env.Type != entity.EventConnected {
			healthy = true
		}
		c.dispatch(env.Type, env)
		c.dispatch(EventMessage, env)
	}
}

// wait sleeps out the reconnect delay; false when the consumer was stopped
func (c *Consumer) wait(ctx context.Context) bool {
	c.setState(StateReconnecting)
	return c.sleep(ctx, c.delay) == nil
}

func (c *Consumer) finish(done chan struct{}, err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.err = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Stream consumer stopped", zap.Error(err))
	} else {
		c.logger.Info("Stream consumer disconnected")
	}

	c.dispatch(EventDisconnected, pseudoEnvelope(EventDisconnected, err))
	close(done)
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Consumer) dispatchError(err error) {
	c.dispatch(EventError, pseudoEnvelope(EventError, err))
}

func (c *Consumer) dispatch(eventType entity.EventType, env *entity.Envelope) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers[eventType]))
	for _, h := range c.handlers[eventType] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func pseudoEnvelope(eventType entity.EventType, err error) *entity.Envelope {
	body := map[string]string{"type": string(eventType)}
	if err != nil {
		body["error"] = err.Error()
	}
	raw, _ := json.Marshal(body)
	return &entity.Envelope{Type: eventType, Raw: raw}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
