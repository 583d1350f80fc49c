package handlers

import (
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the chat server on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	streamsActive prometheus.Gauge
	// Labels: outcome (done, error, aborted)
	streamsTotal *prometheus.CounterVec
	// Labels: type (envelope tag)
	envelopesTotal *prometheus.CounterVec
	// Labels: status (HTTP status code of the refusal)
	rejectedTotal *prometheus.CounterVec
	streamDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them, together with the Go runtime and process
// collectors, on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamchat",
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of chat streams currently open",
		}),
		streamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamchat",
			Subsystem: "stream",
			Name:      "total",
			Help:      "Chat streams by outcome",
		}, []string{"outcome"}),
		envelopesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamchat",
			Subsystem: "stream",
			Name:      "envelopes_total",
			Help:      "Envelopes emitted by type",
		}, []string{"type"}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamchat",
			Subsystem: "stream",
			Name:      "rejected_total",
			Help:      "Stream requests refused before the stream opened, by status code",
		}, []string{"status"}),
		streamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamchat",
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Time from stream open to close",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEnvelope counts an emitted envelope. It is meant to be passed to relay.WithObserver.
func (m *Metrics) ObserveEnvelope(e stream.Envelope) {
	m.envelopesTotal.WithLabelValues(string(e.Type)).Inc()
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

func (m *Metrics) streamClosed(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
	m.streamsTotal.WithLabelValues(outcome).Inc()
	m.streamDuration.Observe(seconds)
}

func (m *Metrics) rejected(status int) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}
