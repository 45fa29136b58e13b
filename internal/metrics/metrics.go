// Package metrics exposes Prometheus instrumentation for the capsule
// pipeline. All metrics live in a private registry so tests can create
// isolated instances.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for ChronoMail.
type Metrics struct {
	CapsulesCreatedTotal   prometheus.Counter
	CapsulesDeliveredTotal prometheus.Counter
	CapsulesFailedTotal    *prometheus.CounterVec
	CapsulesResentTotal    prometheus.Counter

	CapsulesPending    prometheus.Gauge
	CapsulesProcessing prometheus.Gauge

	DispatchTicksTotal          prometheus.Counter
	DispatchTickDurationSeconds prometheus.Histogram

	AdmissionRejectedTotal *prometheus.CounterVec

	KeyRotationsTotal prometheus.Counter

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry  *prometheus.Registry
	startTime time.Time
}

// New creates a Metrics instance with every metric registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CapsulesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronomail_capsules_created_total",
			Help: "Total number of capsules accepted for future delivery",
		}),
		CapsulesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronomail_capsules_delivered_total",
			Help: "Total number of capsules delivered",
		}),
		CapsulesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronomail_capsules_failed_total",
				Help: "Total number of capsule delivery failures",
			},
			[]string{"kind"},
		),
		CapsulesResentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronomail_capsules_resent_total",
			Help: "Total number of capsules returned to the pending state for resend",
		}),

		CapsulesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronomail_capsules_pending",
			Help: "Number of capsules awaiting their scheduled time",
		}),
		CapsulesProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronomail_capsules_processing",
			Help: "Number of capsules currently being delivered",
		}),

		DispatchTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronomail_dispatch_ticks_total",
			Help: "Total number of completed dispatcher ticks",
		}),
		DispatchTickDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronomail_dispatch_tick_duration_seconds",
			Help:    "Dispatcher tick duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		AdmissionRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronomail_admission_rejected_total",
				Help: "Total number of requests rejected by the admission guard",
			},
			[]string{"reason"},
		),

		KeyRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronomail_key_rotations_total",
			Help: "Total number of encryption key rotations",
		}),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronomail_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chronomail_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronomail_uptime_seconds",
			Help: "Server uptime in seconds",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronomail_goroutines",
			Help: "Number of active goroutines",
		}),
		StorageUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chronomail_storage_used_bytes",
			Help: "BoltDB file size in bytes",
		}),

		registry:  reg,
		startTime: time.Now(),
	}

	reg.MustRegister(
		m.CapsulesCreatedTotal,
		m.CapsulesDeliveredTotal,
		m.CapsulesFailedTotal,
		m.CapsulesResentTotal,
		m.CapsulesPending,
		m.CapsulesProcessing,
		m.DispatchTicksTotal,
		m.DispatchTickDurationSeconds,
		m.AdmissionRejectedTotal,
		m.KeyRotationsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CapsuleSent records one successful delivery.
func (m *Metrics) CapsuleSent() {
	m.CapsulesDeliveredTotal.Inc()
}

// CapsuleFailed records one failed delivery labeled with the failure kind.
func (m *Metrics) CapsuleFailed(kind string) {
	m.CapsulesFailedTotal.WithLabelValues(kind).Inc()
}

// TickCompleted records one finished dispatcher tick.
func (m *Metrics) TickCompleted(duration time.Duration, delivered, failed int) {
	m.DispatchTicksTotal.Inc()
	m.DispatchTickDurationSeconds.Observe(duration.Seconds())
}
