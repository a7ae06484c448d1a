package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lookupDurationHist *prometheus.HistogramVec
	lookupCounter      *prometheus.CounterVec
	rateLimitCounter   *prometheus.CounterVec
	fallbackCounter    *prometheus.CounterVec
	jobDurationHist    *prometheus.HistogramVec
	jobCounter         *prometheus.CounterVec
	updatesGauge       prometheus.Gauge
	timeSince          = time.Since // for test purposes only
)

const (
	namespace = "imagewatch"

	providerLabel = "provider"
	resultLabel   = "result"
	jobTypeLabel  = "job_type"
	statusLabel   = "status"

	lookupDurationName = "registry_lookup_duration_seconds"
	lookupDurationDesc = "A histogram of latencies for registry digest lookups."

	lookupTotalName = "registry_lookups_total"
	lookupTotalDesc = "A counter for registry digest lookups by outcome."

	rateLimitTotalName = "registry_rate_limited_total"
	rateLimitTotalDesc = "A counter for rate-limited registry responses."

	fallbackTotalName = "registry_fallbacks_total"
	fallbackTotalDesc = "A counter for lookups answered through the releases fallback."

	jobDurationName = "job_run_duration_seconds"
	jobDurationDesc = "A histogram of batch job run durations."

	jobTotalName = "job_runs_total"
	jobTotalDesc = "A counter for finished batch job runs."

	updatesName = "containers_with_updates"
	updatesDesc = "Number of containers with an update available at the last check."
)

// Lookup results
const (
	ResultFound       = "found"
	ResultNotFound    = "not_found"
	ResultError       = "error"
	ResultRateLimited = "rate_limited"
)

func init() {
	lookupDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      lookupDurationName,
			Help:      lookupDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{providerLabel},
	)

	lookupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      lookupTotalName,
			Help:      lookupTotalDesc,
		},
		[]string{providerLabel, resultLabel},
	)

	rateLimitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      rateLimitTotalName,
			Help:      rateLimitTotalDesc,
		},
		[]string{providerLabel},
	)

	fallbackCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      fallbackTotalName,
			Help:      fallbackTotalDesc,
		},
		[]string{resultLabel},
	)

	jobDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      jobDurationName,
			Help:      jobDurationDesc,
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{jobTypeLabel, statusLabel},
	)

	jobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      jobTotalName,
			Help:      jobTotalDesc,
		},
		[]string{jobTypeLabel, statusLabel},
	)

	updatesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      updatesName,
			Help:      updatesDesc,
		},
	)

	prometheus.MustRegister(lookupDurationHist)
	prometheus.MustRegister(lookupCounter)
	prometheus.MustRegister(rateLimitCounter)
	prometheus.MustRegister(fallbackCounter)
	prometheus.MustRegister(jobDurationHist)
	prometheus.MustRegister(jobCounter)
	prometheus.MustRegister(updatesGauge)
}

// RegistryLookup starts timing a lookup against provider. The returned func records the outcome.
func RegistryLookup(provider string) func(result string) {
	start := time.Now()
	return func(result string) {
		lookupCounter.WithLabelValues(provider, result).Inc()
		lookupDurationHist.WithLabelValues(provider).Observe(timeSince(start).Seconds())
	}
}

// RateLimited counts a rate-limited response from provider
func RateLimited(provider string) {
	rateLimitCounter.WithLabelValues(provider).Inc()
}

// Fallback counts a fallback attempt by outcome
func Fallback(result string) {
	fallbackCounter.WithLabelValues(result).Inc()
}

// JobRun records a finished job run
func JobRun(jobType, status string, duration time.Duration) {
	jobCounter.WithLabelValues(jobType, status).Inc()
	jobDurationHist.WithLabelValues(jobType, status).Observe(duration.Seconds())
}

// UpdatesAvailable sets the number of containers with a pending update
func UpdatesAvailable(n int) {
	updatesGauge.Set(float64(n))
}

// Handler exposes the registered metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
