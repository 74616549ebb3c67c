package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// ConfigPathEnv names the optional YAML file overlaid on the environment settings.
const ConfigPathEnv = "ESTIMATOR_CONFIG_PATH"

// LoadFromEnv loads configuration from environment variables, then applies the
// YAML file named by ESTIMATOR_CONFIG_PATH if set
func LoadFromEnv() (*Config, error) {
	seed := getInt64OrDefault("TRAINING_SEED", 42)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnvOrDefault("LISTEN_ADDR", ":8000"),
			ShutdownTimeout: getDurationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
			RateLimitQPS:    getFloatOrDefault("RATE_LIMIT_QPS", 50),
			RateLimitBurst:  getIntOrDefault("RATE_LIMIT_BURST", 100),
			CacheTTL:        getDurationOrDefault("CACHE_TTL", 5*time.Minute),
			MaxCacheAge:     getDurationOrDefault("MAX_CACHE_AGE", 1*time.Hour),
		},
		Dataset: DatasetConfig{
			Driver: getEnvOrDefault("DATASET_DRIVER", "sqlite"),
			Path:   getEnvOrDefault("DATASET_PATH", "/data/orders.db"),
		},
		Training: TrainingConfig{
			Timeout:         getDurationOrDefault("TRAINING_TIMEOUT", 10*time.Minute),
			RetrainInterval: getDurationOrDefault("RETRAIN_INTERVAL", 0),
			PredictionFloor: getFloatOrDefault("PREDICTION_FLOOR", 0),
			ArtifactPath:    os.Getenv("ARTIFACT_PATH"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getBoolOrDefault("METRICS_ENABLED", true),
			MetricsPath:    getEnvOrDefault("METRICS_PATH", "/metrics"),
			LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		},
	}

	cfg.Training.Anomaly.NumTrees = getIntOrDefault("ISOLATION_TREES", 100)
	cfg.Training.Anomaly.SampleSize = getIntOrDefault("ISOLATION_SAMPLE_SIZE", 256)
	cfg.Training.Anomaly.Contamination = getFloatOrDefault("ANOMALY_CONTAMINATION", 0.02)
	cfg.Training.Anomaly.Seed = seed

	cfg.Training.Regression.NumTrees = getIntOrDefault("GBT_NUM_TREES", 200)
	cfg.Training.Regression.MaxDepth = getIntOrDefault("GBT_MAX_DEPTH", 4)
	cfg.Training.Regression.LearningRate = getFloatOrDefault("GBT_LEARNING_RATE", 0.1)
	cfg.Training.Regression.MinSamplesLeaf = getIntOrDefault("GBT_MIN_SAMPLES_LEAF", 5)
	cfg.Training.Regression.TestFraction = getFloatOrDefault("TEST_FRACTION", 0.2)
	cfg.Training.Regression.Seed = seed
	cfg.Training.Regression.MinRows = getIntOrDefault("MIN_TRAINING_ROWS", 50)
	cfg.Training.Regression.ToleranceDays = getFloatOrDefault("BUSINESS_TOLERANCE_DAYS", 3)

	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %v", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"addr", cfg.Server.Addr,
		"datasetDriver", cfg.Dataset.Driver,
		"datasetPath", cfg.Dataset.Path,
		"contamination", cfg.Training.Anomaly.Contamination,
		"toleranceDays", cfg.Training.Regression.ToleranceDays,
		"retrainInterval", cfg.Training.RetrainInterval)

	return cfg, nil
}

// loadFile overlays the YAML document at path onto cfg. Keys absent from
// the file keep their current values.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %v", path, err)
	}
	return nil
}

// Verbosity maps the configured log level onto a klog verbosity.
func (o ObservabilityConfig) Verbosity() int {
	switch strings.ToLower(o.LogLevel) {
	case "debug":
		return 4
	case "trace":
		return 6
	default:
		return 0
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseInt(strValue, 10, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
