// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records operational metrics for jobs, checkpoints,
// permissions and the event stream.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	jobsSubmitted   prometheus.Counter
	jobsRejected    *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsActive      prometheus.Gauge
	stepsExecuted   *prometheus.CounterVec
	stepRetries     *prometheus.CounterVec

	checkpointCommits   *prometheus.CounterVec
	checkpointConflicts prometheus.Counter

	permissionsRaised   prometheus.Counter
	permissionsResolved *prometheus.CounterVec
	permissionsExpired  prometheus.Counter

	streamEventsPublished *prometheus.CounterVec
	streamSubscribers     prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector registered into its own registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.jobsSubmitted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Total number of jobs accepted for execution",
	})
	c.jobsRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of jobs rejected at admission",
		},
		[]string{"reason"},
	)
	c.jobsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)
	c.jobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job duration from start to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)
	c.jobsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_active",
		Help:      "Number of jobs currently executing",
	})
	c.stepsExecuted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "machine_steps_total",
			Help:      "Total number of committed state machine steps",
		},
		[]string{"node"},
	)
	c.stepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "machine_step_retries_total",
			Help:      "Total number of node retries on recoverable errors",
		},
		[]string{"node"},
	)

	c.checkpointCommits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_commits_total",
			Help:      "Total number of committed checkpoints",
		},
		[]string{"backend"},
	)
	c.checkpointConflicts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoint_conflicts_total",
		Help:      "Total number of rejected stale-parent commits",
	})

	c.permissionsRaised = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permissions_raised_total",
		Help:      "Total number of permission requests raised",
	})
	c.permissionsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permissions_resolved_total",
			Help:      "Total number of resolved permission requests",
		},
		[]string{"decision"},
	)
	c.permissionsExpired = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permissions_expired_total",
		Help:      "Total number of permission requests denied by expiry",
	})

	c.streamEventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_published_total",
			Help:      "Total number of stream events published",
		},
		[]string{"type"},
	)
	c.streamSubscribers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_subscribers",
		Help:      "Number of active stream subscribers",
	})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry exposes the backing registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobSubmitted records an accepted job.
func (c *Collector) RecordJobSubmitted() {
	c.jobsSubmitted.Inc()
	c.jobsActive.Inc()
}

// RecordJobRejected records an admission rejection.
func (c *Collector) RecordJobRejected(reason string) {
	c.jobsRejected.WithLabelValues(reason).Inc()
}

// RecordJobDone records a job reaching a terminal or parked status.
func (c *Collector) RecordJobDone(status string, duration time.Duration) {
	c.jobsCompleted.WithLabelValues(status).Inc()
	c.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.jobsActive.Dec()
}

// RecordStep records one committed machine step.
func (c *Collector) RecordStep(node string) {
	c.stepsExecuted.WithLabelValues(node).Inc()
}

// RecordStepRetry records a node retry.
func (c *Collector) RecordStepRetry(node string) {
	c.stepRetries.WithLabelValues(node).Inc()
}

// RecordCheckpointCommit records a committed checkpoint.
func (c *Collector) RecordCheckpointCommit(backend string) {
	c.checkpointCommits.WithLabelValues(backend).Inc()
}

// RecordCheckpointConflict records a stale-parent rejection.
func (c *Collector) RecordCheckpointConflict() {
	c.checkpointConflicts.Inc()
}

// RecordPermissionRaised records a raised permission request.
func (c *Collector) RecordPermissionRaised() {
	c.permissionsRaised.Inc()
}

// RecordPermissionResolved records a resolution with its decision.
func (c *Collector) RecordPermissionResolved(decision string) {
	c.permissionsResolved.WithLabelValues(decision).Inc()
}

// RecordPermissionExpired records an expiry denial.
func (c *Collector) RecordPermissionExpired() {
	c.permissionsExpired.Inc()
}

// RecordStreamEvent records a published event.
func (c *Collector) RecordStreamEvent(eventType string) {
	c.streamEventsPublished.WithLabelValues(eventType).Inc()
}

// StreamSubscriberDelta adjusts the active subscriber gauge.
func (c *Collector) StreamSubscriberDelta(d int) {
	c.streamSubscribers.Add(float64(d))
}

func statusCode(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
