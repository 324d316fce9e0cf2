package consensus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

const instrumentationName = "github.com/fyrsmithlabs/consensusd/internal/consensus"

var tracer = otel.Tracer(instrumentationName)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for the pipeline.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunsInFlight  prometheus.Gauge
	RunDuration   prometheus.Histogram
	StageDuration *prometheus.HistogramVec
	StageCost     *prometheus.CounterVec
	StageTokens   *prometheus.CounterVec
	StageErrors   *prometheus.CounterVec
	ProfileLoads  *prometheus.CounterVec
}

// NewMetrics registers the collectors once per process and returns them.
//
// Metrics:
//   - consensus_runs_total{state}
//   - consensus_runs_in_flight
//   - consensus_run_duration_seconds
//   - consensus_stage_duration_seconds{stage}
//   - consensus_stage_cost_usd_total{stage,model}
//   - consensus_stage_tokens_total{stage}
//   - consensus_stage_errors_total{stage}
//   - consensus_profile_reloads_total{status}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consensus_runs_total",
					Help: "Pipeline runs by terminal state",
				},
				[]string{"state"},
			),
			RunsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "consensus_runs_in_flight",
					Help: "Pipeline runs currently executing",
				},
			),
			RunDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "consensus_run_duration_seconds",
					Help:    "Wall-clock duration of pipeline runs",
					Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
				},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "consensus_stage_duration_seconds",
					Help:    "Duration of individual pipeline stages",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"stage"},
			),
			StageCost: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consensus_stage_cost_usd_total",
					Help: "Model cost in USD by stage and model",
				},
				[]string{"stage", "model"},
			),
			StageTokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consensus_stage_tokens_total",
					Help: "Prompt and completion tokens by stage",
				},
				[]string{"stage"},
			),
			StageErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consensus_stage_errors_total",
					Help: "Failed stages",
				},
				[]string{"stage"},
			),
			ProfileLoads: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consensus_profile_reloads_total",
					Help: "Profile file reloads by status",
				},
				[]string{"status"},
			),
		}
	})
	return globalMetrics
}

// RecordStage records a completed stage.
func (m *Metrics) RecordStage(res StageResult) {
	if m == nil {
		return
	}
	stage := string(res.Stage)
	m.StageDuration.WithLabelValues(stage).Observe(res.Duration.Seconds())
	m.StageCost.WithLabelValues(stage, res.Model).Add(res.Cost)
	m.StageTokens.WithLabelValues(stage).Add(float64(res.Tokens))
}

// RecordStageError records a failed stage.
func (m *Metrics) RecordStageError(stage Stage) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(string(stage)).Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(res *RunResult) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(res.State)).Inc()
	m.RunDuration.Observe(res.TotalDuration.Seconds())
}

// RecordProfileReload records a profile file reload attempt.
func (m *Metrics) RecordProfileReload(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProfileLoads.WithLabelValues(status).Inc()
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.RunsInFlight.Inc()
	}
}

func (m *Metrics) runFinished() {
	if m != nil {
		m.RunsInFlight.Dec()
	}
}
