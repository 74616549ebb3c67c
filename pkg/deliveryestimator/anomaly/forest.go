package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

const eulerGamma = 0.5772156649

// treeSeedStride spaces the per-tree seeds so neighbouring trees draw unrelated streams.
const treeSeedStride = 104729

var (
	// ErrTooFewRows is returned when the matrix cannot support a forest.
	ErrTooFewRows = errors.New("isolation forest needs at least two rows")
	// ErrRaggedMatrix is returned when rows differ in width.
	ErrRaggedMatrix = errors.New("feature rows have inconsistent widths")
)

// Config controls forest construction.
type Config struct {
	NumTrees   int `yaml:"numTrees"`
	SampleSize int `yaml:"sampleSize"`
	// Contamination is the expected share of outliers in the training data.
	Contamination float64 `yaml:"contamination"`
	Seed          int64   `yaml:"seed"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		NumTrees:      100,
		SampleSize:    256,
		Contamination: 0.02,
		Seed:          42,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.NumTrees <= 0 {
		return fmt.Errorf("number of isolation trees must be positive")
	}
	if c.SampleSize < 2 {
		return fmt.Errorf("isolation sample size must be at least 2")
	}
	if c.Contamination < 0 || c.Contamination >= 0.5 {
		return fmt.Errorf("contamination must be in [0, 0.5)")
	}
	return nil
}

// Score is the anomaly assessment of one vector. Value lies in (0, 1];
// values close to 1 isolate quickly.
type Score struct {
	Value     float64 `json:"score"`
	IsOutlier bool    `json:"isOutlier"`
}

// Forest is a fitted isolation forest. It is immutable after Fit and safe
// for concurrent scoring.
type Forest struct {
	trees      []tree
	sampleSize int
	width      int
	threshold  float64
	// norm is c(sampleSize), the average path length of an unsuccessful BST search.
	norm float64
}

// Fit grows the forest on rows and labels every row against the
// contamination threshold. Identical inputs and config give identical output.
func Fit(ctx context.Context, cfg Config, rows [][]float64) (*Forest, []Score, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if len(rows) < 2 {
		return nil, nil, ErrTooFewRows
	}
	width := len(rows[0])
	for _, r := range rows {
		if len(r) != width {
			return nil, nil, ErrRaggedMatrix
		}
	}

	psi := cfg.SampleSize
	if psi > len(rows) {
		psi = len(rows)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(psi))))

	f := &Forest{
		trees:      make([]tree, cfg.NumTrees),
		sampleSize: psi,
		width:      width,
		norm:       averagePathLength(psi),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range f.trees {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i)*treeSeedStride))
			sample := rng.Perm(len(rows))[:psi]
			f.trees[i] = growTree(rows, sample, heightLimit, width, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("failed to grow isolation trees: %w", err)
	}

	values := make([]float64, len(rows))
	for i, r := range rows {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		values[i] = f.value(r)
	}

	f.threshold = math.Inf(1)
	if cfg.Contamination > 0 {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		f.threshold = stat.Quantile(1-cfg.Contamination, stat.Empirical, sorted, nil)
	}

	scores := make([]Score, len(rows))
	outliers := 0
	for i, v := range values {
		scores[i] = Score{Value: v, IsOutlier: v > f.threshold}
		if scores[i].IsOutlier {
			outliers++
		}
	}

	klog.V(2).InfoS("Fitted isolation forest",
		"rows", len(rows),
		"trees", cfg.NumTrees,
		"sampleSize", psi,
		"threshold", f.threshold,
		"outliers", outliers)

	return f, scores, nil
}

// Score rates a single vector. It does not modify the forest.
func (f *Forest) Score(x []float64) Score {
	v := f.value(x)
	return Score{Value: v, IsOutlier: v > f.threshold}
}

// Threshold returns the score above which a vector is an outlier.
func (f *Forest) Threshold() float64 {
	return f.threshold
}

// NumTrees returns the size of the ensemble.
func (f *Forest) NumTrees() int {
	return len(f.trees)
}

func (f *Forest) value(x []float64) float64 {
	if f.norm == 0 {
		return 0.5
	}
	total := 0.0
	for i := range f.trees {
		total += f.trees[i].pathLength(x)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/f.norm)
}

// averagePathLength is c(n) from the isolation forest paper.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	harmonic := math.Log(float64(n-1)) + eulerGamma
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
