package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "delivery_estimator"

	trainingSubsystem   = "training"
	modelSubsystem      = "model"
	predictionSubsystem = "prediction"
	cacheSubsystem      = "cache"
)

// Training result label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultConflict = "conflict"
)

// Prediction outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid_input"
	OutcomeNotReady    = "not_ready"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

var (
	// TrainingRuns counts training attempts by result
	TrainingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: trainingSubsystem,
			Name:      "runs_total",
			Help:      "Number of training runs by result",
		},
		[]string{"result"},
	)

	// TrainingDuration observes the wall time of completed training runs
	TrainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: trainingSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration of training runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// TrainingRows reports the row counts of the published model by stage
	TrainingRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: trainingSubsystem,
			Name:      "rows",
			Help:      "Rows per stage of the last successful training run",
		},
		[]string{"stage"},
	)

	// ModelQuality exposes the held-out metrics of the published model
	ModelQuality = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: modelSubsystem,
			Name:      "quality",
			Help:      "Held-out evaluation metrics of the serving model",
		},
		[]string{"metric"},
	)

	// ModelReady is 1 once a model is serving
	ModelReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: modelSubsystem,
			Name:      "ready",
			Help:      "Whether a trained model is serving predictions",
		},
	)

	// Predictions counts prediction requests by outcome
	Predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: predictionSubsystem,
			Name:      "requests_total",
			Help:      "Number of prediction requests by outcome",
		},
		[]string{"outcome"},
	)

	// PredictionWarnings counts warnings attached to predictions
	PredictionWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: predictionSubsystem,
			Name:      "warnings_total",
			Help:      "Number of warnings attached to predictions by code",
		},
		[]string{"code"},
	)

	// PredictionLatency observes time spent serving a prediction
	PredictionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: predictionSubsystem,
			Name:      "duration_seconds",
			Help:      "Latency of successful predictions",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		},
	)

	// CacheRequests counts prediction cache lookups
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "requests_total",
			Help:      "Prediction cache lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(TrainingRuns)
	prometheus.MustRegister(TrainingDuration)
	prometheus.MustRegister(TrainingRows)
	prometheus.MustRegister(ModelQuality)
	prometheus.MustRegister(ModelReady)
	prometheus.MustRegister(Predictions)
	prometheus.MustRegister(PredictionWarnings)
	prometheus.MustRegister(PredictionLatency)
	prometheus.MustRegister(CacheRequests)
}
