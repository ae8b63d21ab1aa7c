package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the orchestrator
type Metrics struct {
	SchedulerCycles        *prometheus.CounterVec
	SchedulerJobsCreated   prometheus.Counter
	ItemsProcessed         *prometheus.CounterVec
	StepDuration           *prometheus.HistogramVec
	RuntimeRequests        *prometheus.CounterVec
	RuntimeRequestDuration *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// New creates and registers the collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SchedulerCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remflow_scheduler_cycles_total",
				Help: "Total number of scheduler cycles by outcome",
			},
			[]string{"outcome"},
		),
		SchedulerJobsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "remflow_scheduler_jobs_created_total",
				Help: "Total number of batch jobs created by the scheduler",
			},
		),
		ItemsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remflow_items_processed_total",
				Help: "Total number of batch items processed by category and result",
			},
			[]string{"category", "result"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remflow_remediation_step_duration_seconds",
				Help:    "Duration of remediation steps in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"variant", "action"},
		),
		RuntimeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remflow_runtime_requests_total",
				Help: "Total number of requests to the runtime by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RuntimeRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remflow_runtime_request_duration_seconds",
				Help:    "Duration of runtime requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// Default returns the collectors registered on the default registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// RecordCycle records a scheduler cycle outcome
func (m *Metrics) RecordCycle(outcome string) {
	m.SchedulerCycles.WithLabelValues(outcome).Inc()
}

// RecordJobCreated records a batch job created by the scheduler
func (m *Metrics) RecordJobCreated() {
	m.SchedulerJobsCreated.Inc()
}

// RecordItem records a processed batch item
func (m *Metrics) RecordItem(category, result string) {
	m.ItemsProcessed.WithLabelValues(category, result).Inc()
}

// ObserveStep records the duration of a remediation step
func (m *Metrics) ObserveStep(variant, action string, d time.Duration) {
	m.StepDuration.WithLabelValues(variant, action).Observe(d.Seconds())
}

// RecordRuntimeRequest records a request to the runtime
func (m *Metrics) RecordRuntimeRequest(operation, outcome string, d time.Duration) {
	m.RuntimeRequests.WithLabelValues(operation, outcome).Inc()
	m.RuntimeRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}
