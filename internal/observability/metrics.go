package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/runner"
	"github.com/3leaps/gostow/pkg/scheduler"
)

const metricsNamespace = "gostow"

// Collector is a prometheus.Collector fed by scheduler events.
type Collector struct {
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	missedTriggers *prometheus.CounterVec
	artifactBytes  *prometheus.GaugeVec
	lastSuccess    *prometheus.GaugeVec
	uploads        *prometheus.CounterVec
	pruned         *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Backup runs by job and outcome.",
			}, []string{"job", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a backup run, capture through upload.",
				Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
			}, []string{"job"},
		),
		missedTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "missed_triggers_total",
				Help:      "Triggers skipped because the previous run was still in flight.",
			}, []string{"job"},
		),
		artifactBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_artifact_bytes",
				Help:      "Size of the most recent artifact of a job.",
			}, []string{"job"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run of a job.",
			}, []string{"job"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploads_total",
				Help:      "Replication outcomes by job and upload state.",
			}, []string{"job", "state"},
		),
		pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pruned_artifacts_total",
				Help:      "Artifacts deleted by retention.",
			}, []string{"job"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.runDuration.Describe(ch)
	c.missedTriggers.Describe(ch)
	c.artifactBytes.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.uploads.Describe(ch)
	c.pruned.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.runDuration.Collect(ch)
	c.missedTriggers.Collect(ch)
	c.artifactBytes.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.uploads.Collect(ch)
	c.pruned.Collect(ch)
}

// ObserveRun is part of the scheduler.Observer interface.
func (c *Collector) ObserveRun(_ context.Context, res runner.RunResult) {
	c.runs.WithLabelValues(res.JobID, string(res.Outcome)).Inc()
	c.runDuration.WithLabelValues(res.JobID).Observe(res.Duration().Seconds())
	if n := len(res.Pruned); n > 0 {
		c.pruned.WithLabelValues(res.JobID).Add(float64(n))
	}
	if a := res.Artifact; a != nil {
		c.artifactBytes.WithLabelValues(res.JobID).Set(float64(a.SizeBytes))
		if a.UploadState != artifact.UploadPending {
			c.uploads.WithLabelValues(res.JobID, string(a.UploadState)).Inc()
		}
	}
	if res.Outcome == runner.OutcomeSuccess {
		c.lastSuccess.WithLabelValues(res.JobID).Set(float64(res.EndedAt.Unix()))
	}
}

// ObserveMissedTrigger is part of the scheduler.Observer interface.
func (c *Collector) ObserveMissedTrigger(_ context.Context, mt scheduler.MissedTrigger) {
	c.missedTriggers.WithLabelValues(mt.JobID).Inc()
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ scheduler.Observer   = (*Collector)(nil)
)
