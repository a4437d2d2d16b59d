package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_iterations_total",
			Help: "Total number of update-check iterations by outcome",
		},
		[]string{"outcome"},
	)

	IterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nimbus_iteration_duration_seconds",
			Help:    "Time taken for a full uptaneIteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_verification_failures_total",
			Help: "Total number of metadata verification failures by repository, role and error kind",
		},
		[]string{"repository", "role", "kind"},
	)

	BytesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_bytes_fetched_total",
			Help: "Total bytes fetched from repositories by kind (role or target)",
		},
		[]string{"kind"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_fetch_duration_seconds",
			Help:    "Time taken for a single fetch in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	InstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_installs_total",
			Help: "Total number of install attempts by result code",
		},
		[]string{"result_code"},
	)

	SecondaryRootRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_secondary_root_rotations_total",
			Help: "Total number of per-secondary Root rotation catch-up steps by outcome",
		},
		[]string{"outcome"},
	)

	ManifestPutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nimbus_manifest_put_duration_seconds",
			Help:    "Time taken to PUT the vehicle manifest to the Director in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(IterationsTotal)
	prometheus.MustRegister(IterationDuration)
	prometheus.MustRegister(VerificationFailuresTotal)
	prometheus.MustRegister(BytesFetchedTotal)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(InstallsTotal)
	prometheus.MustRegister(SecondaryRootRotationsTotal)
	prometheus.MustRegister(ManifestPutDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
