package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures checkpoint publishing activity.
type Metrics interface {
	IncPublish(event, outcome string)
	ObservePublishDuration(event string, durationSeconds float64)
	AddUploadedBytes(n int)
	IncCommitRetry()
	IncCleanupFailure()
	IncTriggerSkipped(event string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncPublish(string, string)              {}
func (Noop) ObservePublishDuration(string, float64) {}
func (Noop) AddUploadedBytes(int)                   {}
func (Noop) IncCommitRetry()                        {}
func (Noop) IncCleanupFailure()                     {}
func (Noop) IncTriggerSkipped(string)               {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	publishes       *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	uploadedBytes   prometheus.Counter
	commitRetries   prometheus.Counter
	cleanupFailures prometheus.Counter
	skipped         *prometheus.CounterVec
	once            sync.Once
}

// NewProm registers the publisher collectors on the default registerer.
func NewProm(namespace string) *Prom {
	p := &Prom{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_publishes_total",
			Help:      "Checkpoint publishes by lifecycle event and outcome",
		}, []string{"event", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_publish_duration_seconds",
			Help:      "End-to-end publish latency by lifecycle event",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"event"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_uploaded_bytes_total",
			Help:      "Raw artifact bytes committed to the remote store",
		}),
		commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_commit_retries_total",
			Help:      "Commit attempts retried after a transport failure",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_cleanup_failures_total",
			Help:      "Local artifact deletions that failed after a successful commit",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_trigger_skipped_total",
			Help:      "Lifecycle events that did not trigger a publish",
		}, []string{"event"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.publishes, p.duration, p.uploadedBytes, p.commitRetries, p.cleanupFailures, p.skipped)
	})
}

func (p *Prom) IncPublish(event, outcome string) {
	p.publishes.WithLabelValues(event, outcome).Inc()
}

func (p *Prom) ObservePublishDuration(event string, durationSeconds float64) {
	p.duration.WithLabelValues(event).Observe(durationSeconds)
}

func (p *Prom) AddUploadedBytes(n int) {
	if n > 0 {
		p.uploadedBytes.Add(float64(n))
	}
}

func (p *Prom) IncCommitRetry() {
	p.commitRetries.Inc()
}

func (p *Prom) IncCleanupFailure() {
	p.cleanupFailures.Inc()
}

func (p *Prom) IncTriggerSkipped(event string) {
	p.skipped.WithLabelValues(event).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
