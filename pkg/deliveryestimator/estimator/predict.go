package estimator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/metrics"
)

// Thresholds for range notices.
const (
	veryLargeDistanceKm = 3000
	verySmallDistanceKm = 10
	veryHighWeightG     = 20000
	veryLowWeightG      = 100
	veryHighFreight     = 500
	veryLargeVolumeCm3  = 50000
)

// Predict estimates the delivery time of one order against the published model.
// Anomalous inputs and clamped predictions still produce a result; they are
// reported through Result.Warnings.
func (s *Service) Predict(ctx context.Context, req features.Request) (Result, error) {
	start := time.Now()

	a := s.artifact.Load()
	if a == nil {
		metrics.Predictions.WithLabelValues(metrics.OutcomeNotReady).Inc()
		return Result{}, ErrServiceNotReady
	}

	v, err := features.FromRequest(req)
	if err != nil {
		metrics.Predictions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		klog.V(2).InfoS("Rejected prediction request", "error", err)
		return Result{}, err
	}

	key := cacheKey(a.Version, v)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			recordPrediction(cached, start)
			return copyResult(cached), nil
		}
		metrics.CacheRequests.WithLabelValues("miss").Inc()
	}

	result := a.predict(v, s.config.PredictionFloor)
	recordPrediction(result, start)

	klog.V(4).InfoS("Predicted delivery time",
		"predictedDays", result.PredictedDays,
		"anomalyScore", result.AnomalyScore,
		"warnings", result.Warnings,
		"modelVersion", a.Version,
		"reportedDistanceKm", req.DistanceKm,
		"distanceKm", v.DistanceKm)

	if s.cache != nil {
		s.cache.Set(key, copyResult(result))
	}
	return result, nil
}

func (a *Artifact) predict(v features.Vector, floor float64) Result {
	x := v.Slice()
	warnings := make([]string, 0, 2)

	score := a.forest.Score(x)
	if score.IsOutlier {
		warnings = append(warnings, WarningAnomalyDetected)
	}

	predicted := a.model.Predict(x)
	// Ensure the estimate is never below the floor
	if predicted < floor {
		predicted = floor
		warnings = append(warnings, WarningPredictionClamped)
	}

	warnings = append(warnings, rangeWarnings(v)...)

	return Result{
		PredictedDays: predicted,
		R2Score:       a.Metrics.R2Score,
		MAE:           a.Metrics.MAE,
		Warnings:      warnings,
		AnomalyScore:  score.Value,
		ModelVersion:  a.Version,
	}
}

func recordPrediction(r Result, start time.Time) {
	for _, w := range r.Warnings {
		metrics.PredictionWarnings.WithLabelValues(w).Inc()
	}
	metrics.Predictions.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.PredictionLatency.Observe(time.Since(start).Seconds())
}

func rangeWarnings(v features.Vector) []string {
	var out []string
	if v.DistanceKm > veryLargeDistanceKm {
		out = append(out, WarningVeryLargeDistance)
	}
	if v.DistanceKm < verySmallDistanceKm {
		out = append(out, WarningVerySmallDistance)
	}
	if v.WeightG > veryHighWeightG {
		out = append(out, WarningVeryHighWeight)
	}
	if v.WeightG < veryLowWeightG {
		out = append(out, WarningVeryLowWeight)
	}
	if v.FreightValue > veryHighFreight {
		out = append(out, WarningVeryHighFreight)
	}
	if v.VolumeCm3 > veryLargeVolumeCm3 {
		out = append(out, WarningVeryLargeVolume)
	}
	return out
}

func cacheKey(version string, v features.Vector) string {
	var b strings.Builder
	b.WriteString(version)
	for _, f := range v.Slice() {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return b.String()
}

func copyResult(r Result) Result {
	r.Warnings = append(make([]string, 0, len(r.Warnings)), r.Warnings...)
	return r
}
