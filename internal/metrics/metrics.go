// Package metrics counts provisioning step outcomes and exports them in the
// node-exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"appstore/internal/provision"
)

const namespace = "appstore"

// Collector is a provision.Recorder backed by a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry
	app      string

	stepOutcomes *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	lastRun      *prometheus.GaugeVec
	runSuccess   *prometheus.GaugeVec
}

// NewCollector creates a collector whose series are labelled with app.
func NewCollector(app string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		app:      app,
	}

	c.stepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_outcomes_total",
			Help:      "Provisioning steps by kind and outcome (applied, already-satisfied, failed)",
		},
		[]string{"app", "kind", "outcome"},
	)
	c.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent applying a provisioning step",
			Buckets:   []float64{.01, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"app", "kind"},
	)
	c.lastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a verb finished",
		},
		[]string{"app", "verb"},
	)
	c.runSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run of a verb succeeded, 0 otherwise",
		},
		[]string{"app", "verb"},
	)

	c.registry.MustRegister(c.stepOutcomes, c.stepDuration, c.lastRun, c.runSuccess)
	return c
}

// Record implements provision.Recorder.
func (c *Collector) Record(step provision.Step) {
	c.stepOutcomes.WithLabelValues(c.app, step.Kind, string(step.Outcome)).Inc()
	c.stepDuration.WithLabelValues(c.app, step.Kind).Observe(step.Duration.Seconds())
}

// FinishRun records the end of an install, configure or cert run.
func (c *Collector) FinishRun(verb string, err error, at time.Time) {
	c.lastRun.WithLabelValues(c.app, verb).Set(float64(at.Unix()))
	ok := 1.0
	if err != nil {
		ok = 0
	}
	c.runSuccess.WithLabelValues(c.app, verb).Set(ok)
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile writes the registry to path for the node-exporter textfile
// collector. The write goes through a temp file and rename.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
