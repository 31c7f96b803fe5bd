package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/stream"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var errConnectionClosed = errors.New("nats connection closed")

// NATSDialer opens stream connections on the mirrored NATS subjects.
// Reconnects are left to the stream consumer, so the NATS client never
// reconnects on its own.
type NATSDialer struct {
	config *config.NATSConfig
	logger *logger.Logger
}

// NewNATSDialer creates a new NATS dialer
func NewNATSDialer(cfg *config.NATSConfig, logger *logger.Logger) *NATSDialer {
	return &NATSDialer{
		config: cfg,
		logger: logger.WithComponent("nats-dialer"),
	}
}

// Dial subscribes to {prefix}.{topic}
func (d *NATSDialer) Dial(ctx context.Context, topic entity.Topic) (stream.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &natsConnection{
		msgs:   make(chan *nats.Msg, d.config.MaxPendingMessages),
		closed: make(chan struct{}),
	}

	opts := append(connectOptions("crypto-live-feed-tail", d.config, d.logger, c.markClosed),
		nats.NoReconnect(),
	)
	conn, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	subject := Subject(d.config.SubjectPrefix, topic)
	sub, err := conn.ChanSubscribe(subject, c.msgs)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.conn = conn
	c.sub = sub
	// mirrored subjects carry no greeting; emit the one the SSE endpoint sends
	greeting, _ := json.Marshal(entity.NewConnectedEvent())
	c.greeting = greeting

	d.logger.Info("Subscribed to NATS subject", zap.String("subject", subject))
	return c, nil
}

type natsConnection struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	msgs     chan *nats.Msg
	closed   chan struct{}
	greeting []byte
}

func (c *natsConnection) markClosed() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

func (c *natsConnection) Next(ctx context.Context) ([]byte, error) {
	if c.greeting != nil {
		g := c.greeting
		c.greeting = nil
		return g, nil
	}

	select {
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.closed:
		return nil, errConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *natsConnection) Close() error {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.conn.Close()
	return nil
}
