package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	suspensions   prometheus.Counter
	lostRaces     prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When
// the registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddNotification increments the sent-notification counter for the given
// kind (grace milestone column name or "invoice_reminder").
func (m *Metrics) AddNotification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// AddSuspension counts one business suspension.
func (m *Metrics) AddSuspension() {
	if m == nil {
		return
	}
	m.suspensions.Inc()
}

// AddLostRace counts a milestone claim lost to a concurrent run.
func (m *Metrics) AddLostRace() {
	if m == nil {
		return
	}
	m.lostRaces.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pawdesk_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pawdesk_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pawdesk_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pawdesk_billing_notifications_total",
		Help: "Billing notifications sent, grouped by kind.",
	}, []string{"kind"})
	suspensions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pawdesk_billing_suspensions_total",
		Help: "Businesses suspended after grace period expiry.",
	})
	lostRaces := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pawdesk_billing_claim_lost_races_total",
		Help: "Grace milestone claims lost to a concurrent automation run.",
	})
	registerer.MustRegister(runs, failures, duration, notifications, suspensions, lostRaces)
	return &Metrics{
		runs:          runs,
		failures:      failures,
		duration:      duration,
		notifications: notifications,
		suspensions:   suspensions,
		lostRaces:     lostRaces,
	}
}
