package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	jobsProcessed *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	emailsSent    prometheus.Counter
	emailsFailed  prometheus.Counter
	runDuration   prometheus.Histogram
	jobsDue       prometheus.Gauge
}

// New registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automail_jobs_processed_total",
			Help: "Jobs pulled from the queue and processed, by job type.",
		}, []string{"job_type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automail_jobs_failed_total",
			Help: "Jobs that completed with a failure, by reason class.",
		}, []string{"reason"}),
		emailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automail_emails_sent_total",
			Help: "Emails accepted by the transport.",
		}),
		emailsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automail_emails_failed_total",
			Help: "Emails rejected by the transport.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "automail_run_duration_seconds",
			Help:    "Duration of one dispatch run.",
			Buckets: prometheus.DefBuckets,
		}),
		jobsDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "automail_jobs_due",
			Help: "Due jobs observed at the start of the last run.",
		}),
	}

	reg.MustRegister(m.jobsProcessed, m.jobsFailed, m.emailsSent, m.emailsFailed,
		m.runDuration, m.jobsDue)
	return m
}

// NewNop returns collectors that are not registered anywhere. Used in tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// JobProcessed counts one processed job.
func (m *Metrics) JobProcessed(jobType string) {
	m.jobsProcessed.WithLabelValues(jobType).Inc()
}

// JobFailed counts one failed job under a reason class.
func (m *Metrics) JobFailed(reason string) {
	m.jobsFailed.WithLabelValues(reason).Inc()
}

// EmailSent counts one transport-accepted email.
func (m *Metrics) EmailSent() {
	m.emailsSent.Inc()
}

// EmailFailed counts one transport-rejected email.
func (m *Metrics) EmailFailed() {
	m.emailsFailed.Inc()
}

// ObserveRun records the duration of one dispatch run.
func (m *Metrics) ObserveRun(d time.Duration) {
	m.runDuration.Observe(d.Seconds())
}

// SetDueJobs records the due-job count seen at run start.
func (m *Metrics) SetDueJobs(n int64) {
	m.jobsDue.Set(float64(n))
}
