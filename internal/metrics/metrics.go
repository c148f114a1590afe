// Package metrics exposes Prometheus instrumentation for pipeline stages.
package metrics

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	LabelStage   = "stage"
	LabelSuccess = "success"
)

var (
	stageDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "deployd",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.1, 3, 9), // top bucket ~= 11 minutes
	}, []string{LabelStage, LabelSuccess})

	repositoryOutcomes = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "pipeline",
		Name:      "repository_outcomes_total",
		Help:      "Count of per-repository stage outcomes.",
	}, []string{LabelStage, LabelSuccess})

	pendingRepositories = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "deployd",
		Subsystem: "pipeline",
		Name:      "pending_repositories",
		Help:      "Repositories waiting for a stage.",
	}, []string{LabelStage})

	cycleDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "deployd",
		Subsystem: "daemon",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of full check, update, build and deploy cycles, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.2, 3, 9),
	}, []string{LabelSuccess})
)

// Stages records pipeline instrumentation into the default Prometheus registry.
type Stages struct {
	Duration metrics.Histogram
	Outcomes metrics.Counter
	Pending  metrics.Gauge
	Cycles   metrics.Histogram
}

// New returns Stages backed by the process-wide collectors.
func New() *Stages {
	return &Stages{
		Duration: stageDuration,
		Outcomes: repositoryOutcomes,
		Pending:  pendingRepositories,
		Cycles:   cycleDuration,
	}
}

func (s *Stages) ObserveStage(stage string, success bool, elapsed time.Duration) {
	s.Duration.With(LabelStage, stage, LabelSuccess, fmt.Sprint(success)).Observe(elapsed.Seconds())
}

func (s *Stages) CountRepository(stage string, success bool) {
	s.Outcomes.With(LabelStage, stage, LabelSuccess, fmt.Sprint(success)).Add(1)
}

func (s *Stages) SetPending(stage string, count int) {
	s.Pending.With(LabelStage, stage).Set(float64(count))
}

func (s *Stages) ObserveCycle(success bool, elapsed time.Duration) {
	s.Cycles.With(LabelSuccess, fmt.Sprint(success)).Observe(elapsed.Seconds())
}
