package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	namespace = "navsync"

	updatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "updates_total",
			Help:      "Update records received, by outcome (queued, unmapped)",
		},
		[]string{"outcome"},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "batches_total",
			Help:      "Batch ticks, by outcome (patched, unchanged, dropped, skipped)",
		},
		[]string{"outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "batch_duration_seconds",
			Help:      "Time spent applying and diffing one batch",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	patchOps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "patch_operations",
			Help:      "Operations per emitted patch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "WebSocket messages, by component, direction and type",
		},
		[]string{"component", "direction", "type"},
	)

	connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open WebSocket connections per component",
		},
		[]string{"component"},
	)

	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "dropped_total",
			Help:      "Messages dropped, by component and reason",
		},
		[]string{"component", "reason"},
	)

	fullStateRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "full_state_requests_total",
			Help:      "Full-state refreshes requested upstream, by outcome (sent, limited)",
		},
		[]string{"outcome"},
	)

	authFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "auth_failures_total",
			Help:      "Rejected handshakes, by reason",
		},
		[]string{"reason"},
	)

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncUpdate(outcome string) { updatesTotal.WithLabelValues(outcome).Inc() }

func IncBatch(outcome string) { batchesTotal.WithLabelValues(outcome).Inc() }

// ObserveBatch records batch timing and, when a patch was produced, its size.
func ObserveBatch(d time.Duration, ops int) {
	batchDuration.Observe(d.Seconds())
	if ops > 0 {
		patchOps.Observe(float64(ops))
	}
}

func IncMessage(component, direction, msgType string) {
	messagesTotal.WithLabelValues(component, direction, msgType).Inc()
}

func SetConnections(component string, n int) {
	connections.WithLabelValues(component).Set(float64(n))
}

func IncDropped(component, reason string) {
	droppedTotal.WithLabelValues(component, reason).Inc()
}

func IncFullStateRequest(outcome string) {
	fullStateRequests.WithLabelValues(outcome).Inc()
}

func IncAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}
