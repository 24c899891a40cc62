// Package metrics exposes Prometheus metrics for the relay gateway.
//
// All Record methods are safe on a nil *Metrics so callers never need to
// branch on whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RelaysActive  prometheus.Gauge
	RelaysTotal   *prometheus.CounterVec
	RelayDuration *prometheus.HistogramVec
	FramesTotal   *prometheus.CounterVec
	DroppedTotal  *prometheus.CounterVec
	SetupFailures *prometheus.CounterVec
	ResumedTotal  prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_relay"
	}

	registry := prometheus.NewRegistry()

	relaysActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Number of relays currently running",
		},
	)

	relaysTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Total number of finished relays by outcome",
		},
		[]string{"transport", "outcome"},
	)

	relayDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Relay lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		},
		[]string{"transport"},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames relayed by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	droppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped by direction and reason",
		},
		[]string{"direction", "reason"},
	)

	setupFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_failures_total",
			Help:      "Total connections rejected before a relay started",
		},
		[]string{"stage"},
	)

	resumedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumed_sessions_total",
			Help:      "Total live connections opened with a stored resumption handle",
		},
	)

	registry.MustRegister(
		relaysActive,
		relaysTotal,
		relayDuration,
		framesTotal,
		droppedTotal,
		setupFailures,
		resumedTotal,
	)

	return &Metrics{
		registry:      registry,
		RelaysActive:  relaysActive,
		RelaysTotal:   relaysTotal,
		RelayDuration: relayDuration,
		FramesTotal:   framesTotal,
		DroppedTotal:  droppedTotal,
		SetupFailures: setupFailures,
		ResumedTotal:  resumedTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordRelayStart() {
	if m == nil {
		return
	}
	m.RelaysActive.Inc()
}

func (m *Metrics) RecordRelayEnd(transport, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RelaysActive.Dec()
	m.RelaysTotal.WithLabelValues(transport, outcome).Inc()
	m.RelayDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

func (m *Metrics) RecordFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) RecordDropped(direction, reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(direction, reason).Inc()
}

func (m *Metrics) RecordSetupFailure(stage string) {
	if m == nil {
		return
	}
	m.SetupFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordResumed() {
	if m == nil {
		return
	}
	m.ResumedTotal.Inc()
}
