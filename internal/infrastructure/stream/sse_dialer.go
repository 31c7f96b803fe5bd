package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"crypto-live-feed/internal/domain/entity"
)

// ErrStreamClosed is returned by Next when the server ends the stream
var ErrStreamClosed = errors.New("stream closed by server")

// SSEDialer connects to the server-sent event endpoints of the feed
type SSEDialer struct {
	baseURL string
	client  *http.Client
}

// NewSSEDialer creates a dialer for the feed at baseURL
func NewSSEDialer(baseURL string) *SSEDialer {
	return &SSEDialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		// no client timeout: the response body stays open for the stream lifetime
		client: &http.Client{},
	}
}

// Dial opens /api/{topic}/stream
func (d *SSEDialer) Dial(ctx context.Context, topic entity.Topic) (Connection, error) {
	url := fmt.Sprintf("%s/api/%s/stream", d.baseURL, topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to open stream: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to open stream: unexpected content type %q", ct)
	}

	return &sseConnection{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseConnection struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next returns the data of the next event, skipping comments and other fields
func (s *sseConnection) Next(ctx context.Context) ([]byte, error) {
	var data []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment, used for keepalives
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *sseConnection) Close() error {
	return s.body.Close()
}
