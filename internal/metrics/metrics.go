// Package metrics exposes Prometheus collectors for session activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cc_session_hub"

// Metrics groups the hub's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	sessionsActive     prometheus.Gauge
	eventsAppended     *prometheus.CounterVec
	appendFailures     prometheus.Counter
	permissionOutcomes *prometheus.CounterVec
	subscriberDrops    *prometheus.CounterVec
	subscriberKicks    *prometheus.CounterVec
	listDuration       prometheus.Histogram
	viewers            *prometheus.GaugeVec
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name. Any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		sessionsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions with a running agent process.",
		})),
		eventsAppended: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_appended_total",
			Help:      "Events accepted into a session history, by kind.",
		}, []string{"kind"})),
		appendFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "append_failures_total",
			Help:      "Events that could not be persisted.",
		})),
		permissionOutcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "permission",
			Name:      "decisions_total",
			Help:      "Resolved permission requests, by outcome.",
		}, []string{"outcome"})),
		subscriberDrops: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Events skipped for a subscriber whose buffer was full.",
		}, []string{"topic"})),
		subscriberKicks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "disconnected_total",
			Help:      "Subscribers disconnected for falling behind.",
		}, []string{"topic"})),
		listDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "list_duration_seconds",
			Help:      "Time spent building one page of the session listing.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		})),
		viewers: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections, by stream.",
		}, []string{"stream"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SessionActivated marks an agent process as started.
func (m *Metrics) SessionActivated() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionDeactivated marks an agent process as gone.
func (m *Metrics) SessionDeactivated() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// EventAppended counts an accepted event.
func (m *Metrics) EventAppended(kind string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(kind).Inc()
}

// AppendFailed counts a persistence failure.
func (m *Metrics) AppendFailed() {
	if m == nil {
		return
	}
	m.appendFailures.Inc()
}

// PermissionResolved counts a permission outcome such as "allow", "deny" or "auto".
func (m *Metrics) PermissionResolved(outcome string) {
	if m == nil {
		return
	}
	m.permissionOutcomes.WithLabelValues(outcome).Inc()
}

// SubscriberDropped counts an event skipped for a slow subscriber.
func (m *Metrics) SubscriberDropped(topic string) {
	if m == nil {
		return
	}
	m.subscriberDrops.WithLabelValues(topic).Inc()
}

// SubscriberDisconnected counts a slow subscriber being cut off.
func (m *Metrics) SubscriberDisconnected(topic string) {
	if m == nil {
		return
	}
	m.subscriberKicks.WithLabelValues(topic).Inc()
}

// ObserveList records how long a listing took.
func (m *Metrics) ObserveList(d time.Duration) {
	if m == nil {
		return
	}
	m.listDuration.Observe(d.Seconds())
}

// ViewerConnected tracks an opened WebSocket stream.
func (m *Metrics) ViewerConnected(stream string) {
	if m == nil {
		return
	}
	m.viewers.WithLabelValues(stream).Inc()
}

// ViewerDisconnected tracks a closed WebSocket stream.
func (m *Metrics) ViewerDisconnected(stream string) {
	if m == nil {
		return
	}
	m.viewers.WithLabelValues(stream).Dec()
}
