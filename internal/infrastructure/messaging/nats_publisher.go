package messaging

import (
	"context"
	"fmt"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject returns the NATS subject carrying a hub topic
func Subject(prefix string, topic entity.Topic) string {
	return fmt.Sprintf("%s.%s", prefix, topic)
}

// NATSPublisher mirrors hub payloads onto NATS subjects
type NATSPublisher struct {
	conn   *nats.Conn
	config *config.NATSConfig
	logger *logger.Logger
}

// NewNATSPublisher creates a new NATS publisher
func NewNATSPublisher(cfg *config.NATSConfig, logger *logger.Logger) *NATSPublisher {
	return &NATSPublisher{
		config: cfg,
		logger: logger.WithComponent("nats-publisher"),
	}
}

// Connect connects to the NATS server
func (n *NATSPublisher) Connect(ctx context.Context) error {
	if !n.config.Enabled {
		n.logger.Info("NATS is disabled, skipping connection")
		return nil
	}

	n.logger.Info("Connecting to NATS server", zap.String("url", n.config.URL))

	conn, err := nats.Connect(n.config.URL, connectOptions("crypto-live-feed", n.config, n.logger, nil)...)
	if err != nil {
		n.logger.Error("Failed to connect to NATS", zap.Error(err))
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n.conn = conn
	n.logger.Info("Successfully connected to NATS", zap.String("subject_prefix", n.config.SubjectPrefix))
	return nil
}

// Mirror publishes a hub payload on {prefix}.{topic}. Failures are logged and
// never reach the hub.
func (n *NATSPublisher) Mirror(topic entity.Topic, payload []byte) {
	if !n.IsConnected() {
		return
	}
	subject := Subject(n.config.SubjectPrefix, topic)
	if err := n.conn.Publish(subject, payload); err != nil {
		n.logger.Warn("Failed to mirror event", zap.String("subject", subject), zap.Error(err))
	}
}

// Disconnect drains pending publishes and closes the connection
func (n *NATSPublisher) Disconnect() error {
	if n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	n.conn = nil
	n.logger.Info("Disconnected from NATS")
	return err
}

// IsConnected checks if connected to NATS
func (n *NATSPublisher) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

// connectOptions are the options shared by publisher and dialer. onClosed,
// when set, runs after the closed connection is logged.
func connectOptions(name string, cfg *config.NATSConfig, log *logger.Logger, onClosed func()) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectDelay),
		nats.MaxReconnects(cfg.ReconnectAttempts),
		nats.DrainTimeout(5 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
			if onClosed != nil {
				onClosed()
			}
		}),
	}
}
