// Package metrics exposes the node's prometheus instrumentation. All
// collectors are registered on a private registry so tests can create
// independent instances without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the node reports.
type Metrics struct {
	registry *prometheus.Registry

	CeremoniesStarted   *prometheus.CounterVec
	CeremoniesCompleted *prometheus.CounterVec
	CeremoniesAbandoned *prometheus.CounterVec
	CeremonyDuration    *prometheus.HistogramVec

	PoolSize             prometheus.Gauge
	PresignaturesCreated prometheus.Counter
	PresignaturesUsed    prometheus.Counter
	PresignaturesExpired prometheus.Counter

	VotesReceived       *prometheus.CounterVec
	ByzantineViolations prometheus.Counter

	SigningFastPath prometheus.Counter
	SigningSlowPath prometheus.Counter
	SigningDuration prometheus.Histogram

	BufferedMessages prometheus.Gauge
}

// New creates a metrics bundle backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CeremoniesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_ceremonies_started_total",
			Help: "Ceremonies initiated or joined, by kind.",
		}, []string{"kind"}),
		CeremoniesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_ceremonies_completed_total",
			Help: "Ceremonies that produced a result, by kind.",
		}, []string{"kind"}),
		CeremoniesAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_ceremonies_abandoned_total",
			Help: "Ceremonies that failed to assemble or run, by kind.",
		}, []string{"kind"}),
		CeremonyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_ceremony_duration_seconds",
			Help:    "Wall time from join announcement to result, by kind.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),

		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_presignature_pool_size",
			Help: "Usable presignature units currently in the pool.",
		}),
		PresignaturesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_presignatures_created_total",
			Help: "Presignature units produced by maintenance ceremonies.",
		}),
		PresignaturesUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_presignatures_used_total",
			Help: "Presignature units consumed by fast-path signing.",
		}),
		PresignaturesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_presignatures_expired_total",
			Help: "Presignature units purged after passing their TTL.",
		}),

		VotesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_votes_received_total",
			Help: "Votes processed, by outcome (counted, duplicate, invalid).",
		}, []string{"outcome"}),
		ByzantineViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_byzantine_violations_total",
			Help: "Conflicting votes detected from federation members.",
		}),

		SigningFastPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_signing_fast_path_total",
			Help: "Signing runs served from the presignature pool.",
		}),
		SigningSlowPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_signing_slow_path_total",
			Help: "Signing runs that fell back to a full signing ceremony.",
		}),
		SigningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_signing_duration_seconds",
			Help:    "Wall time of a complete signing run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		BufferedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_buffered_messages",
			Help: "Protocol messages held for sessions not yet registered.",
		}),
	}

	m.registry.MustRegister(
		m.CeremoniesStarted,
		m.CeremoniesCompleted,
		m.CeremoniesAbandoned,
		m.CeremonyDuration,
		m.PoolSize,
		m.PresignaturesCreated,
		m.PresignaturesUsed,
		m.PresignaturesExpired,
		m.VotesReceived,
		m.ByzantineViolations,
		m.SigningFastPath,
		m.SigningSlowPath,
		m.SigningDuration,
		m.BufferedMessages,
	)

	return m
}

// Handler returns an HTTP handler serving the registry in the prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
