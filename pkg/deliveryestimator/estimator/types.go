package estimator

import (
	"errors"
	"time"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/anomaly"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/geo"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/regression"
)

var (
	// ErrServiceNotReady is returned by Predict before the first model is published.
	ErrServiceNotReady = errors.New("prediction service is not ready")
	// ErrTrainingInProgress is returned by Train while another run is in flight.
	ErrTrainingInProgress = errors.New("training already in progress")
)

// Warning codes attached to prediction results.
const (
	WarningAnomalyDetected   = "anomaly_detected"
	WarningPredictionClamped = "prediction_clamped"

	WarningVeryLargeDistance = "very_large_distance"
	WarningVerySmallDistance = "very_small_distance"
	WarningVeryHighWeight    = "very_high_weight"
	WarningVeryLowWeight     = "very_low_weight"
	WarningVeryHighFreight   = "very_high_freight"
	WarningVeryLargeVolume   = "very_large_volume"
)

// Config holds training and serving settings of the service
type Config struct {
	Anomaly    anomaly.Config
	Regression regression.Config
	// Timeout bounds one training run end to end.
	Timeout time.Duration
	// PredictionFloor is the lowest delivery time ever returned.
	PredictionFloor float64
	// ArtifactPath receives a JSON summary of each published model when set.
	ArtifactPath string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Anomaly:    anomaly.DefaultConfig(),
		Regression: regression.DefaultConfig(),
		Timeout:    10 * time.Minute,
	}
}

// ModelMetrics tracks held-out accuracy of a trained model
type ModelMetrics struct {
	LastTraining     time.Time `json:"lastTraining"`
	TrainingRecords  int       `json:"trainingRecords"`
	MAE              float64   `json:"mae"`  // days
	RMSE             float64   `json:"rmse"` // days
	R2Score          float64   `json:"r2Score"`
	BusinessAccuracy float64   `json:"businessAccuracy"` // share of held-out orders within tolerance
	ToleranceDays    float64   `json:"toleranceDays"`
}

// DataQuality reports what training did to the raw records
type DataQuality struct {
	Loaded            int     `json:"loaded"`
	Undelivered       int     `json:"undelivered"`
	Invalid           int     `json:"invalid"`
	PaymentLagClamped int     `json:"paymentLagClamped"`
	VolumeImputed     int     `json:"volumeImputed"`
	ImputedVolumeCm3  float64 `json:"imputedVolumeCm3"`
	Outliers          int     `json:"outliers"`
	Trained           int     `json:"trained"`
}

// Outlier is a training order excluded from regression by the anomaly scorer.
type Outlier struct {
	OrderID  string          `json:"orderId"`
	Score    float64         `json:"score"`
	Customer geo.Point       `json:"customer"`
	Seller   geo.Point       `json:"seller"`
	Features features.Vector `json:"features"`
}

// Artifact is everything a training run produces. It is never modified once
// published; retraining replaces it as a whole.
type Artifact struct {
	Version     string
	TrainedAt   time.Time
	Metrics     ModelMetrics
	Importances []regression.Importance
	Quality     DataQuality
	Outliers    []Outlier

	forest *anomaly.Forest
	model  *regression.Model
}

// Summary is the serializable description of an artifact.
type Summary struct {
	Version            string                  `json:"version"`
	TrainedAt          time.Time               `json:"trainedAt"`
	Metrics            ModelMetrics            `json:"metrics"`
	Importances        []regression.Importance `json:"importances"`
	Quality            DataQuality             `json:"dataQuality"`
	AnomalyThreshold   float64                 `json:"anomalyThreshold"`
	Outliers           []Outlier               `json:"outliers,omitempty"`
	FeatureNames       []string                `json:"featureNames"`
	BoostingIterations int                     `json:"boostingIterations"`
}

// Summary describes the artifact. Outliers are included only when withOutliers is set.
func (a *Artifact) Summary(withOutliers bool) Summary {
	s := Summary{
		Version:            a.Version,
		TrainedAt:          a.TrainedAt,
		Metrics:            a.Metrics,
		Importances:        a.Importances,
		Quality:            a.Quality,
		AnomalyThreshold:   a.forest.Threshold(),
		FeatureNames:       features.Names,
		BoostingIterations: a.model.NumTrees(),
	}
	if withOutliers {
		s.Outliers = a.Outliers
	}
	return s
}

// Result is the answer to one prediction request
type Result struct {
	PredictedDays float64
	R2Score       float64
	MAE           float64
	// Warnings is never nil. Advisory codes come first, range notices after.
	Warnings     []string
	AnomalyScore float64
	ModelVersion string
}

// Readiness is a snapshot of the service state
type Readiness struct {
	Ready        bool
	Records      int
	R2Score      float64
	MAE          float64
	ModelVersion string
	TrainedAt    time.Time
}
