// Package metrics exposes Prometheus instrumentation for the planner and the
// retrain service. Collectors register with the default registry on init.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PlanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postwise_plan_duration_seconds",
			Help:    "Duration of planning operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "next", "range", "validate", "analyze", "suggest"
	)

	SlotsAllocated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postwise_slots_allocated_total",
			Help: "Slots handed out by the allocator",
		},
		[]string{"region", "path"}, // path: "optimal", "fallback"
	)

	ValidationFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postwise_validation_findings_total",
			Help: "Schedule validation findings by severity",
		},
		[]string{"severity"}, // "error", "warning", "suggestion"
	)

	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postwise_training_runs_total",
			Help: "Model training runs by outcome",
		},
		[]string{"outcome"}, // "ok", "insufficient", "error", "throttled"
	)

	TrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postwise_training_duration_seconds",
			Help:    "Duration of a single page training run in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	ModelAccuracy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postwise_model_accuracy",
			Help: "Accuracy proxy 1/(1+MSE) of the latest model per page and metric",
		},
		[]string{"page", "metric"},
	)

	EventsDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postwise_eventbus_dropped",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)
)

func RecordPlan(operation string, d time.Duration) {
	PlanDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func RecordSlot(region string, fallback bool) {
	path := "optimal"
	if fallback {
		path = "fallback"
	}
	SlotsAllocated.WithLabelValues(region, path).Inc()
}

func RecordValidation(errors, warnings, suggestions int) {
	ValidationFindings.WithLabelValues("error").Add(float64(errors))
	ValidationFindings.WithLabelValues("warning").Add(float64(warnings))
	ValidationFindings.WithLabelValues("suggestion").Add(float64(suggestions))
}

func RecordTraining(outcome string, d time.Duration) {
	TrainingRuns.WithLabelValues(outcome).Inc()
	if d > 0 {
		TrainingDuration.Observe(d.Seconds())
	}
}

func SetAccuracy(page string, byMetric map[string]float64) {
	for m, v := range byMetric {
		ModelAccuracy.WithLabelValues(page, m).Set(v)
	}
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
