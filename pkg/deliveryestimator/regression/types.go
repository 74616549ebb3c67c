package regression

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned when there are too few rows to train and evaluate.
	ErrInsufficientData = errors.New("insufficient training data")
	// ErrDegenerateTarget is returned when the target has no variance, which leaves r2 undefined.
	ErrDegenerateTarget = errors.New("degenerate target: zero variance")
)

// Config holds boosting and evaluation settings.
type Config struct {
	NumTrees       int     `yaml:"numTrees"`
	MaxDepth       int     `yaml:"maxDepth"`
	LearningRate   float64 `yaml:"learningRate"`
	MinSamplesLeaf int     `yaml:"minSamplesLeaf"`
	// TestFraction is the share of rows held out for evaluation.
	TestFraction float64 `yaml:"testFraction"`
	Seed         int64   `yaml:"seed"`
	MinRows      int     `yaml:"minRows"`
	// ToleranceDays is the absolute error counted as a correct business prediction.
	ToleranceDays float64 `yaml:"toleranceDays"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		NumTrees:       200,
		MaxDepth:       4,
		LearningRate:   0.1,
		MinSamplesLeaf: 5,
		TestFraction:   0.2,
		Seed:           42,
		MinRows:        50,
		ToleranceDays:  3,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.NumTrees <= 0 {
		return fmt.Errorf("number of trees must be positive")
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("max depth must be positive")
	}
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learning rate must be in (0, 1]")
	}
	if c.MinSamplesLeaf <= 0 {
		return fmt.Errorf("min samples per leaf must be positive")
	}
	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return fmt.Errorf("test fraction must be in (0, 1)")
	}
	if c.MinRows < 2 {
		return fmt.Errorf("min rows must be at least 2")
	}
	if c.ToleranceDays < 0 {
		return fmt.Errorf("tolerance days must be non-negative")
	}
	return nil
}

// Evaluation summarises held-out performance.
type Evaluation struct {
	R2               float64 `json:"r2Score"`
	MAE              float64 `json:"mae"`
	RMSE             float64 `json:"rmse"`
	BusinessAccuracy float64 `json:"businessAccuracy"`
	TrainRows        int     `json:"trainRows"`
	TestRows         int     `json:"testRows"`
}

// Importance is the normalized split gain attributed to one feature.
type Importance struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"importance"`
}
