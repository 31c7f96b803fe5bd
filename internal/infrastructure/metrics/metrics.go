package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crypto_live_feed"

// Metrics holds every collector of the service on a private registry
type Metrics struct {
	registry *prometheus.Registry

	syncCycles           *prometheus.CounterVec
	syncState            *prometheus.GaugeVec
	cursorPosition       *prometheus.GaugeVec
	transactionsUpserted *prometheus.CounterVec
	itemsSkipped         *prometheus.CounterVec
	sourceRequests       *prometheus.CounterVec
	sourceRetries        *prometheus.CounterVec
	hubSubscribers       *prometheus.GaugeVec
	hubPublished         *prometheus.CounterVec
	hubDropped           *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		syncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Scheduler cycles by network and outcome",
		}, []string{"network", "outcome"}),
		syncState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_state",
			Help:      "1 for the current scheduler state of a network, 0 otherwise",
		}, []string{"network", "state"}),
		cursorPosition: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_position",
			Help:      "The last fully ingested block of a network",
		}, []string{"network"}),
		transactionsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_upserted_total",
			Help:      "Upserted transactions by network and result",
		}, []string{"network", "result"}),
		itemsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Batch items skipped after a permanent failure",
		}, []string{"network"}),
		sourceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Requests to the external source by endpoint and outcome",
		}, []string{"network", "endpoint", "outcome"}),
		sourceRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_retries_total",
			Help:      "Retried source requests after a transient failure",
		}, []string{"network"}),
		hubSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "Connected subscribers per topic",
		}, []string{"topic"}),
		hubPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_published_total",
			Help:      "Published events per topic and type",
		}, []string{"topic", "type"}),
		hubDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_total",
			Help:      "Subscribers dropped after a failed write",
		}, []string{"topic"}),
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncSyncCycle(network, outcome string) {
	m.syncCycles.WithLabelValues(network, outcome).Inc()
}

// SetSyncState marks state as the current one of the network
func (m *Metrics) SetSyncState(network, state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.syncState.WithLabelValues(network, s).Set(value)
	}
}

func (m *Metrics) SetCursorPosition(network string, position int64) {
	m.cursorPosition.WithLabelValues(network).Set(float64(position))
}

func (m *Metrics) IncUpserted(network, result string) {
	m.transactionsUpserted.WithLabelValues(network, result).Inc()
}

func (m *Metrics) IncSkipped(network string) {
	m.itemsSkipped.WithLabelValues(network).Inc()
}

func (m *Metrics) IncSourceRequest(network, endpoint, outcome string) {
	m.sourceRequests.WithLabelValues(network, endpoint, outcome).Inc()
}

func (m *Metrics) IncSourceRetry(network string) {
	m.sourceRetries.WithLabelValues(network).Inc()
}

func (m *Metrics) SetSubscribers(topic string, count int) {
	m.hubSubscribers.WithLabelValues(topic).Set(float64(count))
}

func (m *Metrics) IncPublished(topic, eventType string) {
	m.hubPublished.WithLabelValues(topic, eventType).Inc()
}

func (m *Metrics) IncDropped(topic string) {
	m.hubDropped.WithLabelValues(topic).Inc()
}
