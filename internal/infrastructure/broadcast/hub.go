package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrHubClosed is returned by Subscribe after Close
var ErrHubClosed = errors.New("hub closed")

// Transport is the write side of one subscriber connection.
// Send must not block; a full or broken connection returns an error.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Mirror receives a copy of every published payload. Mirrors are not
// subscribers: they never get `connected` and are not counted as deliveries.
type Mirror interface {
	Mirror(topic entity.Topic, payload []byte)
}

// SubscriberID identifies a subscription
type SubscriberID string

// Hub fans events out to the subscribers of independent topics
type Hub struct {
	mu      sync.RWMutex
	topics  map[entity.Topic]map[SubscriberID]Transport
	mirrors []Mirror
	closed  bool

	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewHub creates an empty hub
func NewHub(m *metrics.Metrics, logger *logger.Logger) *Hub {
	return &Hub{
		topics:  make(map[entity.Topic]map[SubscriberID]Transport),
		metrics: m,
		logger:  logger.WithComponent("broadcast-hub"),
	}
}

// AddMirror registers a sink that sees every published payload
func (h *Hub) AddMirror(m Mirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirrors = append(h.mirrors, m)
}

// Subscribe writes `connected` to the transport and then registers it.
// A transport that cannot take the greeting is closed and never registered.
func (h *Hub) Subscribe(topic entity.Topic, t Transport) (SubscriberID, error) {
	greeting, err := json.Marshal(entity.NewConnectedEvent())
	if err != nil {
		return "", fmt.Errorf("failed to marshal connected event: %w", err)
	}
	if err := t.Send(greeting); err != nil {
		t.Close()
		return "", fmt.Errorf("failed to greet subscriber: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.Close()
		return "", ErrHubClosed
	}
	id := SubscriberID(uuid.NewString())
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[SubscriberID]Transport)
		h.topics[topic] = subs
	}
	subs[id] = t
	count := len(subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(topic.String(), count)
	h.logger.Debug("Subscriber added",
		zap.String("topic", topic.String()),
		zap.String("subscriber", string(id)),
		zap.Int("subscribers", count))
	return id, nil
}

// Unsubscribe removes and closes a subscriber; false when it was already gone
func (h *Hub) Unsubscribe(topic entity.Topic, id SubscriberID) bool {
	h.mu.Lock()
	t, ok := h.topics[topic][id]
	if ok {
		delete(h.topics[topic], id)
	}
	count := len(h.topics[topic])
	h.mu.Unlock()

	if !ok {
		return false
	}
	t.Close()
	h.metrics.SetSubscribers(topic.String(), count)
	return true
}

// Publish serializes the event once and writes it to every current subscriber
// of the topic. Subscribers whose write fails are removed; the others are not
// affected. Returns the number of successful deliveries.
func (h *Hub) Publish(topic entity.Topic, event entity.BroadcastEvent) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event",
			zap.String("topic", topic.String()),
			zap.String("type", string(event.EventType())),
			zap.Error(err))
		return 0
	}

	h.mu.RLock()
	type target struct {
		id SubscriberID
		t  Transport
	}
	targets := make([]target, 0, len(h.topics[topic]))
	for id, t := range h.topics[topic] {
		targets = append(targets, target{id: id, t: t})
	}
	mirrors := h.mirrors
	h.mu.RUnlock()

	delivered := 0
	var failed []target
	for _, tg := range targets {
		if err := tg.t.Send(payload); err != nil {
			h.logger.Debug("Dropping subscriber",
				zap.String("topic", topic.String()),
				zap.String("subscriber", string(tg.id)),
				zap.Error(err))
			failed = append(failed, tg)
			continue
		}
		delivered++
	}

	for _, m := range mirrors {
		m.Mirror(topic, payload)
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, tg := range failed {
			// the subscriber may have left and been replaced meanwhile
			if current, ok := h.topics[topic][tg.id]; ok && current == tg.t {
				delete(h.topics[topic], tg.id)
			}
		}
		count := len(h.topics[topic])
		h.mu.Unlock()

		for _, tg := range failed {
			tg.t.Close()
			h.metrics.IncDropped(topic.String())
		}
		h.metrics.SetSubscribers(topic.String(), count)
	}

	h.metrics.IncPublished(topic.String(), string(event.EventType()))
	return delivered
}

// Count returns the number of subscribers of a topic
func (h *Hub) Count(topic entity.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every subscriber and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := h.topics
	h.topics = make(map[entity.Topic]map[SubscriberID]Transport)
	h.mu.Unlock()

	for topic, subs := range topics {
		for _, t := range subs {
			t.Close()
		}
		h.metrics.SetSubscribers(topic.String(), 0)
	}
	h.logger.Info("Broadcast hub closed")
}
