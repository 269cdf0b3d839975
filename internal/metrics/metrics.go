// Package metrics exposes server counters and gauges in Prometheus format
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "planningpoker"

// Prometheus implements the gateway and persister metric hooks on its own
// registry, so tests can create as many as they like.
type Prometheus struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	commands      *prometheus.CounterVec
	events        *prometheus.CounterVec
	stale         prometheus.Counter
	expired       prometheus.Counter
	saves         *prometheus.CounterVec
	saveDuration  prometheus.Histogram
	savedSessions prometheus.Gauge
}

// New creates collectors and registers them along with the Go runtime and
// process collectors
func New() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions held in memory.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound commands by type and outcome.",
		}, []string{"type", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Outbound events by type, counted per recipient.",
		}, []string{"type"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_evictions_total",
			Help:      "Connections evicted for inactivity.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions removed after the idle TTL.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot writes by outcome.",
		}, []string{"outcome"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_seconds",
			Help:      "Time spent writing snapshots.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		savedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_sessions",
			Help:      "Sessions in the last successful snapshot.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.sessions,
		m.commands,
		m.events,
		m.stale,
		m.expired,
		m.saves,
		m.saveDuration,
		m.savedSessions,
	)
	return m
}

// Registry returns the underlying registry
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prometheus) SetConnections(n int) { m.connections.Set(float64(n)) }
func (m *Prometheus) SetSessions(n int)    { m.sessions.Set(float64(n)) }

func (m *Prometheus) RecordCommand(cmdType string, ok bool) {
	m.commands.WithLabelValues(cmdType, outcome(ok)).Inc()
}

func (m *Prometheus) RecordEvent(evtType string, recipients int) {
	m.events.WithLabelValues(evtType).Add(float64(recipients))
}

func (m *Prometheus) RecordStaleEviction() { m.stale.Inc() }

func (m *Prometheus) RecordExpired(n int) { m.expired.Add(float64(n)) }

// RecordSave implements registry.SaveRecorder
func (m *Prometheus) RecordSave(sessions int, duration time.Duration, err error) {
	m.saves.WithLabelValues(outcome(err == nil)).Inc()
	m.saveDuration.Observe(duration.Seconds())
	if err == nil {
		m.savedSessions.Set(float64(sessions))
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
