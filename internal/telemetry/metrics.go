package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records API layer request latency by method, route
// pattern, and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tispace",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// InstancesByStatus is a gauge of instances currently in each lifecycle status.
var InstancesByStatus = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tispace",
		Subsystem: "instances",
		Name:      "by_status",
		Help:      "Number of instances currently in each status.",
	},
	[]string{"status"},
)

// ReconcileTickDuration records how long a full reconciler tick takes.
var ReconcileTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tispace",
		Subsystem: "reconciler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full reconciler tick in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// ReconcileActionsTotal counts planned actions executed by the reconciler,
// by action kind and outcome (ok, transient, permanent).
var ReconcileActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tispace",
		Subsystem: "reconciler",
		Name:      "actions_total",
		Help:      "Total number of reconciler actions executed, by action and outcome.",
	},
	[]string{"action", "outcome"},
)

// DriverCallDuration records backend driver call latency by driver kind and
// operation.
var DriverCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tispace",
		Subsystem: "driver",
		Name:      "call_duration_seconds",
		Help:      "Backend driver call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"driver", "operation"},
)

// IPPoolAvailable is a gauge of free addresses remaining in the external IP pool.
var IPPoolAvailable = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tispace",
		Subsystem: "ipam",
		Name:      "available",
		Help:      "Number of unallocated external IP addresses.",
	},
)

// QuotaRejectedTotal counts admission rejections due to quota, by resource.
var QuotaRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tispace",
		Subsystem: "admission",
		Name:      "quota_rejected_total",
		Help:      "Total number of create/update requests rejected for exceeding quota.",
	},
	[]string{"resource"},
)

// All returns all TiSpace-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		InstancesByStatus,
		ReconcileTickDuration,
		ReconcileActionsTotal,
		DriverCallDuration,
		IPPoolAvailable,
		QuotaRejectedTotal,
	}
}
