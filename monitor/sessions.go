// monitor/sessions.go
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionMetrics counts what authority sessions do on a client. It
// satisfies session.Metrics.
type SessionMetrics struct {
	ActionsApplied  *prometheus.CounterVec
	ActionsRejected *prometheus.CounterVec
	StateBroadcasts *prometheus.CounterVec
	ApplyLatency    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewSessionMetrics registers the session collectors on reg.
func NewSessionMetrics(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *SessionMetrics {
	m := &SessionMetrics{
		ActionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_applied_total",
			Help:      "Actions accepted by an authority session",
		}, []string{"game_type"}),
		ActionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_rejected_total",
			Help:      "Actions dropped by an authority session",
		}, []string{"game_type"}),
		StateBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_broadcasts_total",
			Help:      "Full state broadcasts emitted by an authority session",
		}, []string{"game_type"}),
		ApplyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_latency_seconds",
			Help:      "Time spent validating and applying one action",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
		}),
		gatherer: gatherer,
	}
	reg.MustRegister(m.ActionsApplied, m.ActionsRejected, m.StateBroadcasts, m.ApplyLatency)
	return m
}

// Handler serves /metrics for the registry the collectors live on.
func (m *SessionMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *SessionMetrics) ActionApplied(gameType string, took time.Duration) {
	m.ActionsApplied.WithLabelValues(gameType).Inc()
	m.ApplyLatency.Observe(took.Seconds())
}

func (m *SessionMetrics) ActionRejected(gameType string) {
	m.ActionsRejected.WithLabelValues(gameType).Inc()
}

func (m *SessionMetrics) StateBroadcast(gameType string) {
	m.StateBroadcasts.WithLabelValues(gameType).Inc()
}
