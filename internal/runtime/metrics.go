package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/ipcproxy/internal/runtime/config"
	errspkg "github.com/drblury/ipcproxy/internal/runtime/errors"
	transportpkg "github.com/drblury/ipcproxy/internal/runtime/transport"
)

// Call and dispatch outcomes used as metric labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
	OutcomeTimeout  = "timeout"
	OutcomeClosed   = "closed"
)

// Metrics collects Prometheus statistics for proxies and dispatchers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	namespace  string
	registerer prometheus.Registerer
	registered bool

	requestsSent      *prometheus.CounterVec
	responsesReceived *prometheus.CounterVec
	pendingCalls      prometheus.Gauge
	openSubscriptions prometheus.Gauge
	callDuration      *prometheus.HistogramVec

	requestsDispatched *prometheus.CounterVec
	activeStreams      prometheus.Gauge
}

// NewMetrics builds the collectors. Register must be called before the
// values show up in the registry.
func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = configpkg.DefaultMetricsNamespace
	}

	return &Metrics{
		namespace:  namespace,
		registerer: registerer,
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_sent_total",
			Help:      "Requests sent by proxies, by request kind",
		}, []string{"channel", "kind"}),
		responsesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "responses_received_total",
			Help:      "Response frames received by proxies, by frame type",
		}, []string{"channel", "type"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "pending_calls",
			Help:      "One-shot calls waiting for their reply",
		}),
		openSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "open_subscriptions",
			Help:      "Remote subscriptions currently open",
		}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "call_duration_seconds",
			Help:      "Time from sending a one-shot request until it settled",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"channel", "kind", "outcome"}),
		requestsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Requests handled by the dispatcher, by outcome",
		}, []string{"channel", "kind", "outcome"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "active_streams",
			Help:      "Provider-side subscriptions currently relaying values",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.requestsSent, err = adopt(m.registerer, m.requestsSent); err != nil {
		return err
	}
	if m.responsesReceived, err = adopt(m.registerer, m.responsesReceived); err != nil {
		return err
	}
	if m.pendingCalls, err = adopt(m.registerer, m.pendingCalls); err != nil {
		return err
	}
	if m.openSubscriptions, err = adopt(m.registerer, m.openSubscriptions); err != nil {
		return err
	}
	if m.callDuration, err = adopt(m.registerer, m.callDuration); err != nil {
		return err
	}
	if m.requestsDispatched, err = adopt(m.registerer, m.requestsDispatched); err != nil {
		return err
	}
	if m.activeStreams, err = adopt(m.registerer, m.activeStreams); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// adopt registers c, or returns the collector already registered under the
// same descriptor so several Metrics values can share one registry.
func adopt[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// Namespace returns the metric namespace.
func (m *Metrics) Namespace() string {
	if m == nil {
		return configpkg.DefaultMetricsNamespace
	}
	return m.namespace
}

// builder returns a Watermill metrics builder sharing this registry.
func (m *Metrics) builder(subsystem string, labels ...wmmetrics.MetricLabel) wmmetrics.PrometheusMetricsBuilder {
	return wmmetrics.NewPrometheusMetricsBuilderWithConfig(m.registerer, wmmetrics.PrometheusMetricsBuilderConfig{
		Namespace:        m.namespace,
		Subsystem:        subsystem,
		AdditionalLabels: labels,
	})
}

// InstrumentPubSub decorates the publisher and subscriber with Watermill's
// Prometheus metrics.
func (m *Metrics) InstrumentPubSub(pubSub transportpkg.PubSub) (transportpkg.PubSub, error) {
	if m == nil {
		return pubSub, nil
	}
	b := m.builder("transport")
	pub, err := b.DecoratePublisher(pubSub.Publisher)
	if err != nil {
		return transportpkg.PubSub{}, err
	}
	sub, err := b.DecorateSubscriber(pubSub.Subscriber)
	if err != nil {
		return transportpkg.PubSub{}, err
	}
	return transportpkg.PubSub{Publisher: pub, Subscriber: sub}, nil
}

func (m *Metrics) requestSent(channel, kind string) {
	if m == nil {
		return
	}
	m.requestsSent.WithLabelValues(channel, kind).Inc()
}

func (m *Metrics) responseReceived(channel, frameType string) {
	if m == nil {
		return
	}
	m.responsesReceived.WithLabelValues(channel, frameType).Inc()
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.pendingCalls.Inc()
}

func (m *Metrics) callFinished(channel, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pendingCalls.Dec()
	m.callDuration.WithLabelValues(channel, kind, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) subscriptionOpened() {
	if m == nil {
		return
	}
	m.openSubscriptions.Inc()
}

func (m *Metrics) subscriptionClosed() {
	if m == nil {
		return
	}
	m.openSubscriptions.Dec()
}

func (m *Metrics) requestDispatched(channel, kind, outcome string) {
	if m == nil {
		return
	}
	m.requestsDispatched.WithLabelValues(channel, kind, outcome).Inc()
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) streamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

// MetricsHandler exposes gatherer over HTTP. A nil gatherer serves the
// default registry.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// metricsFor resolves the collector a client or dispatcher should use.
func metricsFor(conf *configpkg.Config, explicit *Metrics) (*Metrics, error) {
	if explicit != nil {
		return explicit, explicit.Register()
	}
	if conf == nil || !conf.MetricsEnabled {
		return nil, nil
	}
	m := NewMetrics(prometheus.DefaultRegisterer, conf.GetMetricsNamespace())
	return m, m.Register()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, errspkg.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, errspkg.ErrProxyClosed), errors.Is(err, errspkg.ErrDispatcherClosed):
		return OutcomeClosed
	default:
		return OutcomeError
	}
}
