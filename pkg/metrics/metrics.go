package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_builds_active",
			Help: "Number of builds currently in flight on this worker",
		},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_builds_total",
			Help: "Total number of builds by result",
		},
		[]string{"result"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_build_duration_seconds",
			Help:    "Wall-clock duration of builds in seconds",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
	)

	// Controller metrics
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_polls_total",
			Help: "Total number of polls by outcome",
		},
		[]string{"outcome"},
	)

	RegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_registrations_total",
			Help: "Total number of successful registrations",
		},
	)

	RegistrationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_registration_failures_total",
			Help: "Total number of failed registration attempts",
		},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_heartbeat_failures_total",
			Help: "Total number of failed build heartbeats",
		},
	)

	// VM metrics
	VMLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_vm_launches_total",
			Help: "Total number of VM launches by result",
		},
		[]string{"result"},
	)

	VMReadyWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_vm_ready_wait_seconds",
			Help:    "Time from VM launch until the controller reports vm_ready",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8),
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BuildsActive)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(RegistrationFailures)
	prometheus.MustRegister(HeartbeatFailures)
	prometheus.MustRegister(VMLaunchesTotal)
	prometheus.MustRegister(VMReadyWait)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
