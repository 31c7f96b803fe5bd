package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrSubscriberLagging is returned when the subscriber buffer is full
	ErrSubscriberLagging = errors.New("subscriber lagging")

	// ErrTransportClosed is returned by Send after Close
	ErrTransportClosed = errors.New("transport closed")
)

// ChannelTransport buffers payloads for a single connection writer
type ChannelTransport struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewChannelTransport creates a transport holding up to buffer pending payloads
func NewChannelTransport(buffer int) *ChannelTransport {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelTransport{ch: make(chan []byte, buffer)}
}

// Send enqueues a payload without blocking
func (c *ChannelTransport) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrTransportClosed
	}
	select {
	case c.ch <- payload:
		return nil
	default:
		return ErrSubscriberLagging
	}
}

// Messages is closed once the transport is closed and drained
func (c *ChannelTransport) Messages() <-chan []byte {
	return c.ch
}

// Close is safe to call more than once
func (c *ChannelTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
