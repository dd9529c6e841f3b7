package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrainIterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_iterations_total",
		Help: "The total number of completed training iterations",
	})

	TrainSkippedIterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "train_skipped_iterations_total",
		Help: "Iterations whose optimizer step was skipped (gradient overflow)",
	})

	TrainStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "train_step_duration_seconds",
		Help: "Duration of fused forward-backward-optimizer steps",
	})

	EvalStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "eval_step_duration_seconds",
		Help: "Duration of forward-only evaluation steps",
	})

	FloatingPointOperationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floating_point_operations_total",
		Help: "Estimated floating point operations performed so far",
	})

	ConsumedSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumed_samples_total",
		Help: "Samples consumed per split",
	}, []string{"split"})

	TrainLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "train_loss",
		Help: "Most recent reduced loss per key",
	}, []string{"key"})

	GradNorm = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grad_norm",
		Help: "Gradient norm reported by the last training step",
	})

	NaNLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nan_loss_total",
		Help: "NaN values detected in locally computed losses",
	}, []string{"model"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	CheckpointDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "checkpoint_duration_seconds",
		Help: "Duration of checkpoint save and load operations",
	}, []string{"op"})

	MicrobatchesPerStep = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "microbatches_per_step",
		Help:    "Distribution of microbatch counts per optimizer step",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	GenerateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generate_requests_total",
		Help: "Text generation requests by decode strategy",
	}, []string{"strategy"})

	GenerateDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "generate_duration_seconds",
		Help: "Duration of text generation calls",
	})
)

// RecordTrainStep records the outcome of one fused training step.
func RecordTrainStep(d time.Duration, losses map[string]float64, gradNorm float64, skipped bool) {
	TrainIterationsTotal.Inc()
	TrainStepDuration.Observe(d.Seconds())
	for key, v := range losses {
		TrainLoss.WithLabelValues(key).Set(v)
	}
	GradNorm.Set(gradNorm)
	if skipped {
		TrainSkippedIterationsTotal.Inc()
	}
}

// RecordConsumedSamples adds n samples to the given split counter.
func RecordConsumedSamples(split string, n int) {
	ConsumedSamplesTotal.WithLabelValues(split).Add(float64(n))
}

// RecordFLOPs adds the step's floating point operation estimate.
func RecordFLOPs(flops float64) {
	FloatingPointOperationsTotal.Add(flops)
}

// RecordValidationError records a rejected parameter or configuration value.
func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordCheckpoint records a save or load round-trip.
func RecordCheckpoint(op string, d time.Duration) {
	CheckpointDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordGenerate records a generation call and its decode strategy.
func RecordGenerate(strategy string, d time.Duration) {
	GenerateRequestsTotal.WithLabelValues(strategy).Inc()
	GenerateDuration.Observe(d.Seconds())
}
