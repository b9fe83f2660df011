// Package metrics exposes Prometheus collectors for the Registry,
// Allocator, HCQ, and InitTaskLoop, plus the /metrics HTTP handler that
// serves them. Naming and the Timer helper follow the teacher's
// pkg/metrics; the collector set itself targets the coordination fabric
// rather than cluster/scheduling concerns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry row gauges
	EnclavesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hobbes_enclaves_total",
			Help: "Total number of enclaves by type and state",
		},
		[]string{"type", "state"},
	)

	ApplicationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hobbes_applications_total",
			Help: "Total number of applications by state",
		},
		[]string{"state"},
	)

	CPUsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hobbes_cpus_free",
			Help: "Number of physical CPUs currently unassigned",
		},
	)

	MemoryBlocksFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hobbes_memory_blocks_free",
			Help: "Number of memory blocks currently unassigned",
		},
	)

	// Allocator metrics
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hobbes_allocations_total",
			Help: "Total number of allocator requests by resource and result",
		},
		[]string{"resource", "result"},
	)

	// HCQ metrics
	HCQCommandsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hobbes_hcq_commands_issued_total",
			Help: "Total number of HCQ commands issued, by command code",
		},
		[]string{"cmd"},
	)

	HCQCommandsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hobbes_hcq_commands_served_total",
			Help: "Total number of HCQ commands completed, by command code and result",
		},
		[]string{"cmd", "result"},
	)

	HCQCommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hobbes_hcq_command_latency_seconds",
			Help:    "Time the server spends serving one command in its handler, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	// Lifecycle metrics
	VMLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hobbes_vm_launch_duration_seconds",
			Help:    "Time taken to launch a guest VM enclave, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hobbes_vm_launches_total",
			Help: "Total number of VM launch attempts by result",
		},
		[]string{"result"},
	)

	AppLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hobbes_app_launches_total",
			Help: "Total number of application launch attempts by result",
		},
		[]string{"result"},
	)

	// InitTaskLoop metrics
	InitTaskDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hobbes_inittask_dispatch_duration_seconds",
			Help:    "Time taken to dispatch one command in the init task loop, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	// Notifier metrics
	NotifierSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hobbes_notifier_subscribers_total",
			Help: "Number of active notifier subscriptions",
		},
	)

	NotifierEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hobbes_notifier_events_dropped_total",
			Help: "Total number of events dropped because a subscriber's buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(EnclavesTotal)
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(CPUsFree)
	prometheus.MustRegister(MemoryBlocksFree)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(HCQCommandsIssued)
	prometheus.MustRegister(HCQCommandsServed)
	prometheus.MustRegister(HCQCommandLatency)
	prometheus.MustRegister(VMLaunchDuration)
	prometheus.MustRegister(VMLaunchesTotal)
	prometheus.MustRegister(AppLaunchesTotal)
	prometheus.MustRegister(InitTaskDispatchDuration)
	prometheus.MustRegister(NotifierSubscribersTotal)
	prometheus.MustRegister(NotifierEventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
