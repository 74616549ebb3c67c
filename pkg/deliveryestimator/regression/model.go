package regression

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Model is a fitted gradient-boosted ensemble of regression trees.
// It is immutable and safe for concurrent use.
type Model struct {
	base  float64
	trees []tree
	width int
}

// Predict returns the raw model output for one feature row.
func (m *Model) Predict(x []float64) float64 {
	out := m.base
	for i := range m.trees {
		out += m.trees[i].predict(x)
	}
	return out
}

// Width is the number of features the model expects.
func (m *Model) Width() int {
	return m.width
}

// NumTrees is the number of boosting rounds that were fitted.
func (m *Model) NumTrees() int {
	return len(m.trees)
}

// Train splits the data, boosts on the training part and evaluates on the
// held-out part. names labels the columns of x for the importance report.
func Train(ctx context.Context, cfg Config, x [][]float64, y []float64, names []string) (*Model, Evaluation, []Importance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Evaluation{}, nil, err
	}
	if len(x) != len(y) {
		return nil, Evaluation{}, nil, fmt.Errorf("feature rows (%d) and targets (%d) differ", len(x), len(y))
	}
	if len(x) < cfg.MinRows {
		return nil, Evaluation{}, nil, fmt.Errorf("%w: %d rows, need at least %d", ErrInsufficientData, len(x), cfg.MinRows)
	}
	if len(names) != len(x[0]) {
		return nil, Evaluation{}, nil, fmt.Errorf("got %d feature names for %d columns", len(names), len(x[0]))
	}
	if floats.Min(y) == floats.Max(y) {
		return nil, Evaluation{}, nil, ErrDegenerateTarget
	}

	trainIdx, testIdx, err := Split(len(x), cfg.TestFraction, cfg.Seed)
	if err != nil {
		return nil, Evaluation{}, nil, err
	}

	model, gains, err := fit(ctx, cfg, x, y, trainIdx)
	if err != nil {
		return nil, Evaluation{}, nil, err
	}

	eval, err := Evaluate(model, pick(x, testIdx), pickTargets(y, testIdx), cfg.ToleranceDays)
	if err != nil {
		return nil, Evaluation{}, nil, err
	}
	eval.TrainRows = len(trainIdx)

	importances := normalizeImportances(gains, names)

	klog.V(2).InfoS("Trained delivery time model",
		"trainRows", eval.TrainRows,
		"testRows", eval.TestRows,
		"trees", model.NumTrees(),
		"r2", eval.R2,
		"mae", eval.MAE,
		"businessAccuracy", eval.BusinessAccuracy)

	return model, eval, importances, nil
}

// Evaluate scores model against a labelled set. tolerance is the absolute
// error still counted as an accurate prediction.
func Evaluate(m *Model, x [][]float64, y []float64, tolerance float64) (Evaluation, error) {
	if len(y) == 0 {
		return Evaluation{}, ErrInsufficientData
	}
	if floats.Min(y) == floats.Max(y) {
		return Evaluation{}, fmt.Errorf("%w in held-out split", ErrDegenerateTarget)
	}

	estimates := make([]float64, len(y))
	var absSum, sqSum float64
	within := 0
	for i := range x {
		estimates[i] = m.Predict(x[i])
		diff := estimates[i] - y[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if math.Abs(diff) <= tolerance {
			within++
		}
	}

	n := float64(len(y))
	return Evaluation{
		R2:               stat.RSquaredFrom(estimates, y, nil),
		MAE:              absSum / n,
		RMSE:             math.Sqrt(sqSum / n),
		BusinessAccuracy: float64(within) / n,
		TestRows:         len(y),
	}, nil
}

func fit(ctx context.Context, cfg Config, x [][]float64, y []float64, rows []int) (*Model, []float64, error) {
	width := len(x[0])
	base := 0.0
	for _, r := range rows {
		base += y[r]
	}
	base /= float64(len(rows))

	current := make([]float64, len(x))
	residuals := make([]float64, len(x))
	for _, r := range rows {
		current[r] = base
	}

	b := &treeBuilder{
		x:         x,
		residuals: residuals,
		maxDepth:  cfg.MaxDepth,
		minLeaf:   cfg.MinSamplesLeaf,
		shrinkage: cfg.LearningRate,
		gains:     make([]float64, width),
		left:      make([]bool, len(x)),
	}
	orders := presort(x, rows, width)

	model := &Model{base: base, width: width, trees: make([]tree, 0, cfg.NumTrees)}
	for i := 0; i < cfg.NumTrees; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("boosting interrupted after %d trees: %w", i, err)
		}
		for _, r := range rows {
			residuals[r] = y[r] - current[r]
		}
		t := b.build(orders)
		for _, r := range rows {
			current[r] += t.predict(x[r])
		}
		model.trees = append(model.trees, t)
	}
	return model, b.gains, nil
}

func normalizeImportances(gains []float64, names []string) []Importance {
	total := floats.Sum(gains)
	out := make([]Importance, len(gains))
	for i, g := range gains {
		v := 1 / float64(len(gains))
		if total > 0 {
			v = g / total
		}
		out[i] = Importance{Feature: names[i], Value: v}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Value > out[b].Value
	})
	return out
}

func pick(x [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, r := range idx {
		out[i] = x[r]
	}
	return out
}

func pickTargets(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, r := range idx {
		out[i] = y[r]
	}
	return out
}
