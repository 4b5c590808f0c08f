package service

import (
	"time"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	executionsTotal  *prometheus.CounterVec
	activeExecutions prometheus.Gauge
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_executions_total",
				Help: "Total number of finished workflow executions",
			},
			[]string{"workflow_id", "status"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowengine_active_executions",
				Help: "Number of workflow executions currently running",
			},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_steps_total",
				Help: "Total number of finished steps",
			},
			[]string{"step_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_step_duration_seconds",
				Help:    "Step duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step_type"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_step_retries_total",
				Help: "Total number of step retries",
			},
			[]string{"step_type"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.executionsTotal, m.activeExecutions, m.stepsTotal, m.stepDuration, m.stepRetries)
	}
	return m
}

func (m *Metrics) executionStarted() {
	m.activeExecutions.Inc()
}

func (m *Metrics) executionFinished(workflowID string, status models.ExecutionStatus) {
	m.activeExecutions.Dec()
	m.executionsTotal.WithLabelValues(workflowID, string(status)).Inc()
}

func (m *Metrics) stepFinished(rec models.StepExecutionRecord) {
	m.stepsTotal.WithLabelValues(string(rec.StepType), string(rec.Status)).Inc()
	m.stepDuration.WithLabelValues(string(rec.StepType)).Observe(time.Duration(rec.DurationMS * int64(time.Millisecond)).Seconds())
	if rec.RetryCount > 0 {
		m.stepRetries.WithLabelValues(string(rec.StepType)).Add(float64(rec.RetryCount))
	}
}
