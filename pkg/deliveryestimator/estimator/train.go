package estimator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/anomaly"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/metrics"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/regression"
)

// trainingSet is the cleaned output of feature engineering.
type trainingSet struct {
	records []features.RawOrderRecord
	vectors []features.Vector
	targets []float64
	quality DataQuality
}

// Train runs the full pipeline and, on success, publishes the new artifact.
// Only one run may be in flight; a concurrent call fails with
// ErrTrainingInProgress. On failure the previously published artifact stays in place.
func (s *Service) Train(ctx context.Context) (*Artifact, error) {
	if !s.training.TryAcquire(1) {
		metrics.TrainingRuns.WithLabelValues(metrics.ResultConflict).Inc()
		return nil, ErrTrainingInProgress
	}
	defer s.training.Release(1)

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	artifact, err := s.train(ctx)
	if err != nil {
		metrics.TrainingRuns.WithLabelValues(metrics.ResultFailure).Inc()
		klog.ErrorS(err, "Training failed", "duration", time.Since(start))
		return nil, err
	}

	s.artifact.Store(artifact)
	if s.cache != nil {
		s.cache.Clear()
	}

	metrics.TrainingRuns.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	recordArtifactMetrics(artifact)

	klog.InfoS("Published delivery time model",
		"version", artifact.Version,
		"records", artifact.Metrics.TrainingRecords,
		"outliers", artifact.Quality.Outliers,
		"r2", artifact.Metrics.R2Score,
		"mae", artifact.Metrics.MAE,
		"businessAccuracy", artifact.Metrics.BusinessAccuracy,
		"duration", time.Since(start))

	if s.config.ArtifactPath != "" {
		if err := writeSummary(s.config.ArtifactPath, artifact.Summary(true)); err != nil {
			// Non-fatal, the model is already published.
			klog.ErrorS(err, "Failed to write artifact summary", "path", s.config.ArtifactPath)
		}
	}

	return artifact, nil
}

func (s *Service) train(ctx context.Context) (*Artifact, error) {
	records, err := s.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load training data: %w", err)
	}

	set, err := buildTrainingSet(records)
	if err != nil {
		return nil, err
	}
	if len(set.vectors) < s.config.Regression.MinRows {
		return nil, fmt.Errorf("%w: %d usable records, need at least %d",
			regression.ErrInsufficientData, len(set.vectors), s.config.Regression.MinRows)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("training aborted after feature engineering: %w", err)
	}

	matrix := make([][]float64, len(set.vectors))
	for i, v := range set.vectors {
		matrix[i] = v.Slice()
	}

	forest, scores, err := anomaly.Fit(ctx, s.config.Anomaly, matrix)
	if err != nil {
		return nil, fmt.Errorf("failed to fit anomaly scorer: %w", err)
	}

	x := make([][]float64, 0, len(matrix))
	y := make([]float64, 0, len(matrix))
	var outliers []Outlier
	for i, score := range scores {
		if score.IsOutlier {
			r := set.records[i]
			outliers = append(outliers, Outlier{
				OrderID:  r.OrderID,
				Score:    score.Value,
				Customer: r.Customer,
				Seller:   r.Seller,
				Features: set.vectors[i],
			})
			continue
		}
		x = append(x, matrix[i])
		y = append(y, set.targets[i])
	}
	sort.SliceStable(outliers, func(a, b int) bool {
		return outliers[a].Score > outliers[b].Score
	})
	set.quality.Outliers = len(outliers)
	set.quality.Trained = len(x)

	model, eval, importances, err := regression.Train(ctx, s.config.Regression, x, y, features.Names)
	if err != nil {
		return nil, fmt.Errorf("failed to train regression model: %w", err)
	}

	trainedAt := s.clock.Now()
	return &Artifact{
		Version:   uuid.NewString(),
		TrainedAt: trainedAt,
		Metrics: ModelMetrics{
			LastTraining:     trainedAt,
			TrainingRecords:  len(x),
			MAE:              eval.MAE,
			RMSE:             eval.RMSE,
			R2Score:          eval.R2,
			BusinessAccuracy: eval.BusinessAccuracy,
			ToleranceDays:    s.config.Regression.ToleranceDays,
		},
		Importances: importances,
		Quality:     set.quality,
		Outliers:    outliers,
		forest:      forest,
		model:       model,
	}, nil
}

// buildTrainingSet derives features and targets from delivered orders and
// imputes missing package volumes with the median observed volume.
func buildTrainingSet(records []features.RawOrderRecord) (*trainingSet, error) {
	set := &trainingSet{quality: DataQuality{Loaded: len(records)}}

	var missingVolume []int
	var observed []float64
	for _, r := range records {
		if r.DeliveryDays == nil {
			set.quality.Undelivered++
			continue
		}
		target := *r.DeliveryDays
		if math.IsNaN(target) || math.IsInf(target, 0) || target < 0 {
			set.quality.Invalid++
			klog.V(3).InfoS("Skipping order with invalid delivery duration", "orderID", r.OrderID, "deliveryDays", target)
			continue
		}

		v, flags, err := features.FromRecord(r)
		if err != nil {
			set.quality.Invalid++
			klog.V(3).InfoS("Skipping invalid order", "orderID", r.OrderID, "error", err)
			continue
		}
		if flags.PaymentLagClamped {
			set.quality.PaymentLagClamped++
		}
		if flags.VolumeMissing {
			missingVolume = append(missingVolume, len(set.vectors))
		} else {
			observed = append(observed, v.VolumeCm3)
		}

		set.records = append(set.records, r)
		set.vectors = append(set.vectors, v)
		set.targets = append(set.targets, target)
	}

	if len(missingVolume) > 0 {
		if len(observed) == 0 {
			return nil, fmt.Errorf("%w: no order has a usable package volume", regression.ErrInsufficientData)
		}
		sort.Float64s(observed)
		median := stat.Quantile(0.5, stat.Empirical, observed, nil)
		for _, i := range missingVolume {
			imputed := set.vectors[i]
			imputed.VolumeCm3 = median
			set.vectors[i] = imputed
		}
		set.quality.VolumeImputed = len(missingVolume)
		set.quality.ImputedVolumeCm3 = median
	}

	klog.V(2).InfoS("Built training set",
		"loaded", set.quality.Loaded,
		"usable", len(set.vectors),
		"undelivered", set.quality.Undelivered,
		"invalid", set.quality.Invalid,
		"paymentLagClamped", set.quality.PaymentLagClamped,
		"volumeImputed", set.quality.VolumeImputed)

	return set, nil
}

func recordArtifactMetrics(a *Artifact) {
	metrics.ModelReady.Set(1)
	metrics.ModelQuality.WithLabelValues("r2").Set(a.Metrics.R2Score)
	metrics.ModelQuality.WithLabelValues("mae").Set(a.Metrics.MAE)
	metrics.ModelQuality.WithLabelValues("rmse").Set(a.Metrics.RMSE)
	metrics.ModelQuality.WithLabelValues("business_accuracy").Set(a.Metrics.BusinessAccuracy)
	metrics.TrainingRows.WithLabelValues("loaded").Set(float64(a.Quality.Loaded))
	metrics.TrainingRows.WithLabelValues("outliers").Set(float64(a.Quality.Outliers))
	metrics.TrainingRows.WithLabelValues("trained").Set(float64(a.Quality.Trained))
}

// writeSummary replaces the file at path atomically.
func writeSummary(path string, summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return os.Rename(tmp, path)
}
