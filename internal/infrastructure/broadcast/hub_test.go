package broadcast

import (
	"bufio"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FakeTransport records payloads and fails on demand
type FakeTransport struct {
	mu       sync.Mutex
	payloads []string
	failNext bool
	failAll  bool
	closed   bool
}

func (f *FakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failNext {
		f.failNext = false
		return errors.New("broken pipe")
	}
	f.payloads = append(f.payloads, string(payload))
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeTransport) Payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type FakeMirror struct {
	mu       sync.Mutex
	payloads map[entity.Topic][]string
}

func (f *FakeMirror) Mirror(topic entity.Topic, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payloads == nil {
		f.payloads = make(map[entity.Topic][]string)
	}
	f.payloads[topic] = append(f.payloads[topic], string(payload))
}

func newTestHub() *Hub {
	return NewHub(metrics.NewMetrics(), logger.NewNopLogger())
}

func TestHub_ConnectedIsWrittenFirst(t *testing.T) {
	hub := newTestHub()
	tr := &FakeTransport{}

	_, err := hub.Subscribe(entity.TopicTransactions, tr)
	require.NoError(t, err)
	hub.Publish(entity.TopicTransactions, entity.NewTransactionsUpdateEvent(time.Unix(0, 0)))

	payloads := tr.Payloads()
	require.Len(t, payloads, 2)
	assert.JSONEq(t, `{"type":"connected"}`, payloads[0])
	assert.Contains(t, payloads[1], `"type":"transactions_update"`)
}

func TestHub_FailedGreetingRejectsSubscriber(t *testing.T) {
	hub := newTestHub()
	tr := &FakeTransport{failNext: true}

	_, err := hub.Subscribe(entity.TopicStats, tr)
	require.Error(t, err)
	assert.True(t, tr.Closed())
	assert.Equal(t, 0, hub.Count(entity.TopicStats))
}

func TestHub_FailingSubscriberIsRemovedOthersStillReceive(t *testing.T) {
	hub := newTestHub()
	s1, s2, s3 := &FakeTransport{}, &FakeTransport{}, &FakeTransport{}
	for _, s := range []*FakeTransport{s1, s2, s3} {
		_, err := hub.Subscribe(entity.TopicTransactions, s)
		require.NoError(t, err)
	}

	s2.mu.Lock()
	s2.failAll = true
	s2.mu.Unlock()

	delivered := hub.Publish(entity.TopicTransactions, entity.NewTransactionsUpdateEvent(time.Now()))
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, hub.Count(entity.TopicTransactions))
	assert.True(t, s2.Closed())
	assert.Len(t, s1.Payloads(), 2)
	assert.Len(t, s3.Payloads(), 2)

	delivered = hub.Publish(entity.TopicTransactions, entity.NewTransactionsUpdateEvent(time.Now()))
	assert.Equal(t, 2, delivered)
	assert.Len(t, s2.Payloads(), 1)
}

func TestHub_TopicsAreIndependent(t *testing.T) {
	hub := newTestHub()
	txs, stats := &FakeTransport{}, &FakeTransport{}
	_, err := hub.Subscribe(entity.TopicTransactions, txs)
	require.NoError(t, err)
	_, err = hub.Subscribe(entity.TopicStats, stats)
	require.NoError(t, err)

	hub.Publish(entity.TopicStats, entity.NewStatsUpdateEvent(entity.NetworkStatsUpdate{}, entity.NetworkStatsUpdate{}, time.Now()))

	assert.Len(t, txs.Payloads(), 1)
	assert.Len(t, stats.Payloads(), 2)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := newTestHub()
	mirror := &FakeMirror{}
	hub.AddMirror(mirror)

	assert.Equal(t, 0, hub.Publish(entity.TopicStats, entity.NewTransactionsUpdateEvent(time.Now())))
	assert.Len(t, mirror.payloads[entity.TopicStats], 1)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	hub := newTestHub()
	a, b := &FakeTransport{}, &FakeTransport{}
	idA, err := hub.Subscribe(entity.TopicTransactions, a)
	require.NoError(t, err)
	_, err = hub.Subscribe(entity.TopicTransactions, b)
	require.NoError(t, err)

	assert.True(t, hub.Unsubscribe(entity.TopicTransactions, idA))
	assert.False(t, hub.Unsubscribe(entity.TopicTransactions, idA))
	assert.True(t, a.Closed())
	assert.Equal(t, 1, hub.Count(entity.TopicTransactions))

	hub.Close()
	assert.True(t, b.Closed())
	assert.Equal(t, 0, hub.Count(entity.TopicTransactions))

	_, err = hub.Subscribe(entity.TopicTransactions, &FakeTransport{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := newTestHub()
	slow := NewChannelTransport(1)
	fast := &FakeTransport{}
	_, err := hub.Subscribe(entity.TopicTransactions, slow)
	require.NoError(t, err)
	_, err = hub.Subscribe(entity.TopicTransactions, fast)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		done <- hub.Publish(entity.TopicTransactions, entity.NewTransactionsUpdateEvent(time.Now()))
	}()

	select {
	case delivered := <-done:
		assert.Equal(t, 1, delivered)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, 1, hub.Count(entity.TopicTransactions))
}

func TestChannelTransport(t *testing.T) {
	tr := NewChannelTransport(1)

	require.NoError(t, tr.Send([]byte("a")))
	assert.ErrorIs(t, tr.Send([]byte("b")), ErrSubscriberLagging)
	assert.Equal(t, "a", string(<-tr.Messages()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte("c")), ErrTransportClosed)

	_, ok := <-tr.Messages()
	assert.False(t, ok)
}

func TestSSEHandler_StreamsTopic(t *testing.T) {
	hub := newTestHub()
	server := httptest.NewServer(NewSSEHandler(hub, entity.TopicTransactions, 8, time.Hour, logger.NewNopLogger()))
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, `data: {"type":"connected"}`, readDataLine(t, reader))

	require.Eventually(t, func() bool { return hub.Count(entity.TopicTransactions) == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(entity.TopicTransactions, entity.NewTransactionsUpdateEvent(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, `data: {"type":"transactions_update","timestamp":"2024-01-01T00:00:00Z"}`, readDataLine(t, reader))
}

func readDataLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			return line
		}
	}
}
