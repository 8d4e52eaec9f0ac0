// Package metrics provides Prometheus instrumentation for the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances used by the pipeline and its stages.
type Registry struct {
	// Pipeline
	Executions         *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	BackgroundFailures *prometheus.CounterVec

	// Cache
	CacheLookups *prometheus.CounterVec
	CacheWrites  *prometheus.CounterVec

	// Transport
	FetchRequests *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Subscriptions
	SubscriptionItems *prometheus.CounterVec
}

// DefaultRegistry is registered on the default Prometheus registerer.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates the client metrics on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "villus",
				Subsystem: "pipeline",
				Name:      "executions_total",
				Help:      "Total number of operation executions by outcome",
			},
			[]string{"type", "outcome"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "villus",
				Subsystem: "pipeline",
				Name:      "execution_duration_seconds",
				Help:      "Time until the caller-facing result of an execution was known",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		BackgroundFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "villus",
				Subsystem: "pipeline",
				Name:      "background_failures_total",
				Help:      "Failures of tail stages and after-query continuations",
			},
			[]string{"type"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "villus",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Result cache lookups by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),

		CacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "villus",
				Subsystem: "cache",
				Name:      "writes_total",
				Help:      "Result cache writes by outcome",
			},
			[]string{"outcome"},
		),

		FetchRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "villus",
				Subsystem: "fetch",
				Name:      "requests_total",
				Help:      "HTTP requests sent by the transport stage",
			},
			[]string{"method", "status"},
		),

		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "villus",
				Subsystem: "fetch",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency of the transport stage",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		SubscriptionItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "villus",
				Subsystem: "subscription",
				Name:      "items_total",
				Help:      "Items applied to or dropped by subscription reducers",
			},
			[]string{"outcome"},
		),
	}
}
