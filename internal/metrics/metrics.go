// ============================================================================
// Stork Metrics - Prometheus monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose scheduler metrics for Prometheus
//
// Metric families:
//
//   1. Requests (RequestRouter):
//      - stork_requests_total{command,outcome}: handled requests
//        outcome: ok | error | rejected
//      - stork_request_queue_depth: requests waiting for a worker
//
//   2. Jobs (JobScheduler):
//      - stork_jobs_submitted_total{module}
//      - stork_job_transitions_total{status}: post-step and removal states
//      - stork_job_step_seconds: duration of one module step
//      - stork_job_queue_depth: jobs waiting for an executor
//      - stork_jobs{status}: job table size by state
//
//   3. Dedup / persistence:
//      - stork_listing_joins_total: listings served by an in-flight stat
//      - stork_state_dumps_total{result}: ok | error
//      - stork_state_dump_seconds
//      - stork_recovery_time_seconds: snapshot load time at startup
//
// Prometheus query examples:
//
//   # steps per second
//   rate(stork_job_step_seconds_count[1m])
//
//   # failed dump ratio
//   rate(stork_state_dumps_total{result="error"}[5m])
//
// Every Record/Set method is safe on a nil *Collector, so components can be
// built without metrics in tests.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/stork-queue/pkg/types"
)

const namespace = "stork"

// Request outcomes
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Collector Prometheus metric collector
type Collector struct {
	// requests
	requests          *prometheus.CounterVec
	requestQueueDepth prometheus.Gauge

	// jobs
	jobsSubmitted   *prometheus.CounterVec
	jobTransitions  *prometheus.CounterVec
	jobStepDuration prometheus.Histogram
	jobQueueDepth   prometheus.Gauge
	jobsByStatus    *prometheus.GaugeVec

	// dedup / persistence
	listingJoins prometheus.Counter
	dumps        *prometheus.CounterVec
	dumpDuration prometheus.Histogram
	recoveryTime prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of handled requests by command and outcome",
		}, []string{"command", "outcome"}),
		requestQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_queue_depth",
			Help:      "Current number of requests waiting for a worker",
		}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of submitted jobs by transfer module",
		}, []string{"module"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state transitions by resulting status",
		}, []string{"status"}),
		jobStepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_step_seconds",
			Help:      "Duration of a single job step in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		jobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_queue_depth",
			Help:      "Current number of jobs waiting for an executor",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Number of jobs in the job table by status",
		}, []string{"status"}),
		listingJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_joins_total",
			Help:      "Listings answered by joining an in-flight stat",
		}),
		dumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_dumps_total",
			Help:      "State snapshot writes by result",
		}, []string{"result"}),
		dumpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_dump_seconds",
			Help:      "Duration of a state snapshot write in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state at startup in seconds",
		}),
	}

	reg.MustRegister(
		c.requests,
		c.requestQueueDepth,
		c.jobsSubmitted,
		c.jobTransitions,
		c.jobStepDuration,
		c.jobQueueDepth,
		c.jobsByStatus,
		c.listingJoins,
		c.dumps,
		c.dumpDuration,
		c.recoveryTime,
	)
	return c
}

// RecordRequest counts one finished request.
func (c *Collector) RecordRequest(command, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(command, outcome).Inc()
}

// SetRequestQueueDepth updates the intake backlog.
func (c *Collector) SetRequestQueueDepth(n int) {
	if c == nil {
		return
	}
	c.requestQueueDepth.Set(float64(n))
}

// RecordSubmitted counts a new job.
func (c *Collector) RecordSubmitted(module string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(module).Inc()
}

// RecordStep observes one executor step and the state it left the job in.
func (c *Collector) RecordStep(status types.JobStatus, seconds float64) {
	if c == nil {
		return
	}
	c.jobStepDuration.Observe(seconds)
	c.jobTransitions.WithLabelValues(string(status)).Inc()
}

// RecordTransition counts a transition that did not come from a step
// (removal, resume, invariant repair).
func (c *Collector) RecordTransition(status types.JobStatus) {
	if c == nil {
		return
	}
	c.jobTransitions.WithLabelValues(string(status)).Inc()
}

// SetJobQueueDepth updates the execution backlog.
func (c *Collector) SetJobQueueDepth(n int) {
	if c == nil {
		return
	}
	c.jobQueueDepth.Set(float64(n))
}

// UpdateJobStats sets the per-status job counts.
func (c *Collector) UpdateJobStats(counts map[types.JobStatus]int) {
	if c == nil {
		return
	}
	for _, st := range types.AllStatuses {
		c.jobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// RecordListingJoin counts a deduplicated listing.
func (c *Collector) RecordListingJoin() {
	if c == nil {
		return
	}
	c.listingJoins.Inc()
}

// RecordDump observes a snapshot write.
func (c *Collector) RecordDump(err error, seconds float64) {
	if c == nil {
		return
	}
	result := OutcomeOK
	if err != nil {
		result = OutcomeError
	}
	c.dumps.WithLabelValues(result).Inc()
	c.dumpDuration.Observe(seconds)
}

// SetRecoveryTime records how long startup restore took.
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
