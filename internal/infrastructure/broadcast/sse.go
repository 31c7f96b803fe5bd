package broadcast

import (
	"fmt"
	"net/http"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// SSEHandler streams one hub topic as server-sent events
type SSEHandler struct {
	hub       *Hub
	topic     entity.Topic
	buffer    int
	keepalive time.Duration
	logger    *logger.Logger
}

// NewSSEHandler creates a handler for topic
func NewSSEHandler(hub *Hub, topic entity.Topic, buffer int, keepalive time.Duration, logger *logger.Logger) *SSEHandler {
	return &SSEHandler{
		hub:       hub,
		topic:     topic,
		buffer:    buffer,
		keepalive: keepalive,
		logger:    logger.WithComponent("sse-handler").WithFields(map[string]interface{}{"topic": topic.String()}),
	}
}

func (s *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	transport := NewChannelTransport(s.buffer)
	id, err := s.hub.Subscribe(s.topic, transport)
	if err != nil {
		s.logger.Warn("Failed to subscribe", zap.Error(err))
		return
	}
	defer s.hub.Unsubscribe(s.topic, id)

	s.logger.Debug("Client connected", zap.String("remote", r.RemoteAddr))

	var keepalive <-chan time.Time
	if s.keepalive > 0 {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("Client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case payload, ok := <-transport.Messages():
			if !ok {
				// dropped by the hub
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
