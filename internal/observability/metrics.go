package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "renderpool"

// Session states reported by PoolSessions.
const (
	StateIdle   = "idle"
	StateLeased = "leased"
)

// Fetch outcomes reported by FetchTotal and FetchDuration.
const (
	OutcomeSuccess     = "success"
	OutcomeNavigation  = "navigation_error"
	OutcomeWaitTimeout = "wait_timeout"
	OutcomeDriver      = "driver_error"
	OutcomeCanceled    = "canceled"
)

var (
	PoolSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "sessions",
		Help:      "Browser sessions held by the pool, by state.",
	}, []string{"state"})

	PoolAcquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "acquire_wait_seconds",
		Help:      "Time callers spent blocked waiting for an idle session.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	PoolAcquires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Sessions leased from the pool.",
	})

	PoolReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "releases_total",
		Help:      "Sessions returned to the pool.",
	})

	PoolReplacements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "replacements_total",
		Help:      "Sessions terminated after a failed reset, by replacement result.",
	}, []string{"result"})

	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Browser fulfilled fetches, by outcome.",
	}, []string{"outcome"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Duration of the fulfillment protocol, by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	GatePassthrough = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "gate",
		Name:      "passthrough_total",
		Help:      "Requests handed back to the caller without browser rendering.",
	})

	UserAgentUnsupported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "gate",
		Name:      "user_agent_unsupported_total",
		Help:      "User agent propagations skipped because the driver lacks the capability.",
	})

	DirectRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "direct",
		Name:      "requests_total",
		Help:      "Pass-through requests downloaded without a browser, by outcome.",
	}, []string{"outcome"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Requests served by the HTTP adapter, by route and status code.",
	}, []string{"route", "code"})
)
