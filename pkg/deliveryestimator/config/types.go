package config

import (
	"fmt"
	"time"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/anomaly"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/dataset"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/regression"
)

// Config holds all configuration for the delivery estimator
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Dataset       DatasetConfig       `yaml:"dataset"`
	Training      TrainingConfig      `yaml:"training"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds settings for the HTTP surface
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RateLimitQPS    float64       `yaml:"rateLimitQPS"` // 0 disables rate limiting
	RateLimitBurst  int           `yaml:"rateLimitBurst"`
	CacheTTL        time.Duration `yaml:"cacheTTL"`
	MaxCacheAge     time.Duration `yaml:"maxCacheAge"`
}

// DatasetConfig selects where historical orders are read from
type DatasetConfig struct {
	Driver string `yaml:"driver"` // sqlite or csv
	Path   string `yaml:"path"`
}

// TrainingConfig holds model training settings
type TrainingConfig struct {
	Anomaly    anomaly.Config    `yaml:"anomaly"`
	Regression regression.Config `yaml:"regression"`
	// Timeout bounds a single training run.
	Timeout time.Duration `yaml:"timeout"`
	// RetrainInterval schedules periodic retraining; 0 trains only at startup.
	RetrainInterval time.Duration `yaml:"retrainInterval"`
	PredictionFloor float64       `yaml:"predictionFloor"`
	// ArtifactPath, when set, receives a JSON summary of every published model.
	ArtifactPath string `yaml:"artifactPath"`
}

// ObservabilityConfig holds settings for logging and metrics
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	MetricsPath    string `yaml:"metricsPath"`
	LogLevel       string `yaml:"logLevel"`
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.RateLimitQPS < 0 {
		return fmt.Errorf("rate limit QPS must be non-negative")
	}
	if c.Server.RateLimitQPS > 0 && c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive when rate limiting is enabled")
	}

	switch c.Dataset.Driver {
	case dataset.DriverSQLite, dataset.DriverCSV:
	default:
		return fmt.Errorf("unsupported dataset driver %q", c.Dataset.Driver)
	}
	if c.Dataset.Path == "" {
		return fmt.Errorf("dataset path is required")
	}

	if err := c.Training.Anomaly.Validate(); err != nil {
		return fmt.Errorf("invalid anomaly config: %v", err)
	}
	if err := c.Training.Regression.Validate(); err != nil {
		return fmt.Errorf("invalid regression config: %v", err)
	}
	if c.Training.Timeout <= 0 {
		return fmt.Errorf("training timeout must be positive")
	}
	if c.Training.RetrainInterval < 0 {
		return fmt.Errorf("retrain interval must be non-negative")
	}
	if c.Training.PredictionFloor < 0 {
		return fmt.Errorf("prediction floor must be non-negative")
	}

	if c.Observability.MetricsEnabled && c.Observability.MetricsPath == "" {
		return fmt.Errorf("metrics path is required when metrics are enabled")
	}

	return nil
}
