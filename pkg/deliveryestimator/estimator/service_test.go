package estimator

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/cache"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/dataset"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/geo"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/metrics"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/regression"
)

var updateGolden = flag.Bool("update", false, "rewrite testdata golden files")

const goldenPath = "testdata/golden_prediction.json"

// goldenPrediction is what the golden request yields on the default test model.
type goldenPrediction struct {
	PredictedDays float64 `json:"predictedDays"`
	R2Score       float64 `json:"r2Score"`
	MAE           float64 `json:"mae"`
}

// goldenRequest is a regular order inside greater Sao Paulo.
func goldenRequest() features.Request {
	return features.Request{
		WeightG:        1200,
		VolumeCm3:      4500,
		DistanceKm:     800,
		Customer:       geo.Point{Lat: -23.55, Lng: -46.63},
		Seller:         geo.Point{Lat: -23.95, Lng: -46.33},
		PaymentLagDays: 2,
		IsWeekend:      false,
		FreightValue:   29.9,
		PurchaseMonth:  11,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Regression.NumTrees = 80
	cfg.Timeout = time.Minute
	return cfg
}

func syntheticSource(n int) *dataset.StaticSource {
	return &dataset.StaticSource{Records: dataset.Synthetic(n, 42, dataset.DefaultSyntheticOptions())}
}

func trainedService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s := NewService(syntheticSource(1500), testConfig(), opts...)
	_, err := s.Train(context.Background())
	require.NoError(t, err)
	return s
}

// blockingSource holds Load until released or the context ends.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	records []features.RawOrderRecord
	once    sync.Once
}

func newBlockingSource(records []features.RawOrderRecord) *blockingSource {
	return &blockingSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
		records: records,
	}
}

func (b *blockingSource) Load(ctx context.Context) ([]features.RawOrderRecord, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return b.records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingSource) Close() error { return nil }

func TestPredictBeforeTraining(t *testing.T) {
	s := NewService(syntheticSource(100), testConfig())

	_, err := s.Predict(context.Background(), goldenRequest())
	assert.ErrorIs(t, err, ErrServiceNotReady)

	r := s.Readiness()
	assert.False(t, r.Ready)
	assert.Zero(t, r.Records)
	assert.Nil(t, s.Artifact())
}

func TestTrainPublishesArtifact(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := trainedService(t, WithClock(clk))

	a := s.Artifact()
	require.NotNil(t, a)
	assert.NotEmpty(t, a.Version)
	assert.Equal(t, clk.Now(), a.TrainedAt)

	q := a.Quality
	assert.Equal(t, 1500, q.Loaded)
	assert.Greater(t, q.Undelivered, 0)
	assert.Greater(t, q.PaymentLagClamped, 0)
	assert.Greater(t, q.VolumeImputed, 0)
	assert.Greater(t, q.ImputedVolumeCm3, 0.0)
	assert.Greater(t, q.Outliers, 0)
	assert.Len(t, a.Outliers, q.Outliers)
	assert.Equal(t, q.Loaded-q.Undelivered-q.Invalid-q.Outliers, q.Trained)
	for i := 1; i < len(a.Outliers); i++ {
		assert.GreaterOrEqual(t, a.Outliers[i-1].Score, a.Outliers[i].Score)
	}

	assert.Equal(t, q.Trained, a.Metrics.TrainingRecords)
	assert.Greater(t, a.Metrics.R2Score, 0.3)
	assert.Greater(t, a.Metrics.BusinessAccuracy, 0.5)
	assert.Equal(t, 3.0, a.Metrics.ToleranceDays)

	sum := 0.0
	for _, imp := range a.Importances {
		sum += imp.Value
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Equal(t, "distance_km", a.Importances[0].Feature)

	r := s.Readiness()
	assert.True(t, r.Ready)
	assert.Equal(t, a.Metrics.TrainingRecords, r.Records)
	assert.Equal(t, a.Metrics.R2Score, r.R2Score)
	assert.Equal(t, a.Metrics.MAE, r.MAE)
	assert.Equal(t, a.Version, r.ModelVersion)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ModelReady))
	assert.Equal(t, a.Metrics.R2Score, testutil.ToFloat64(metrics.ModelQuality.WithLabelValues("r2")))
}

func TestGoldenScenarioDeterministic(t *testing.T) {
	first := trainedService(t)
	second := trainedService(t)
	assert.NotEqual(t, first.Artifact().Version, second.Artifact().Version)

	r1, err := first.Predict(context.Background(), goldenRequest())
	require.NoError(t, err)
	r2, err := second.Predict(context.Background(), goldenRequest())
	require.NoError(t, err)

	assert.Equal(t, r1.PredictedDays, r2.PredictedDays)
	assert.Equal(t, r1.Warnings, r2.Warnings)
	assert.Equal(t, first.Artifact().Metrics.R2Score, second.Artifact().Metrics.R2Score)
	assert.Equal(t, first.Artifact().Metrics.MAE, second.Artifact().Metrics.MAE)

	assert.False(t, math.IsNaN(r1.PredictedDays))
	assert.Greater(t, r1.PredictedDays, 1.0)
	assert.Less(t, r1.PredictedDays, 15.0)
	assert.NotContains(t, r1.Warnings, WarningAnomalyDetected)
	assert.NotContains(t, r1.Warnings, WarningPredictionClamped)
	assert.Equal(t, first.Artifact().Metrics.R2Score, r1.R2Score)
	assert.Equal(t, first.Artifact().Metrics.MAE, r1.MAE)
}

func TestGoldenScenarioMatchesRecording(t *testing.T) {
	s := trainedService(t)
	r, err := s.Predict(context.Background(), goldenRequest())
	require.NoError(t, err)
	got := goldenPrediction{PredictedDays: r.PredictedDays, R2Score: r.R2Score, MAE: r.MAE}

	data, err := os.ReadFile(goldenPath)
	if *updateGolden || errors.Is(err, os.ErrNotExist) {
		out, err := json.MarshalIndent(got, "", "  ")
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(goldenPath), 0755))
		require.NoError(t, os.WriteFile(goldenPath, append(out, '\n'), 0644))
		t.Logf("recorded golden prediction %+v in %s", got, goldenPath)
		return
	}
	require.NoError(t, err)

	var want goldenPrediction
	require.NoError(t, json.Unmarshal(data, &want))
	assert.InDelta(t, want.PredictedDays, got.PredictedDays, 1e-6, "run with -update after an intended model change")
	assert.InDelta(t, want.R2Score, got.R2Score, 1e-6)
	assert.InDelta(t, want.MAE, got.MAE, 1e-6)
}

func TestPredictIdempotent(t *testing.T) {
	s := trainedService(t)
	ctx := context.Background()

	r1, err := s.Predict(ctx, goldenRequest())
	require.NoError(t, err)
	r2, err := s.Predict(ctx, goldenRequest())
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.NotNil(t, r1.Warnings)
}

func TestPredictRejectsInvalidInput(t *testing.T) {
	s := trainedService(t)

	req := goldenRequest()
	req.Customer.Lat = 120
	_, err := s.Predict(context.Background(), req)
	require.Error(t, err)

	var invalid *features.InvalidInputError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "customer_lat", invalid.Field())
	assert.ErrorIs(t, err, features.ErrInvalidFeatureInput)
}

func TestPredictFlagsAnomaly(t *testing.T) {
	s := trainedService(t)

	// Heavy, bulky, expensive parcel from Manaus to Porto Alegre
	req := features.Request{
		WeightG:        30000,
		VolumeCm3:      200000,
		DistanceKm:     3100,
		Customer:       geo.Point{Lat: -30.03, Lng: -51.22},
		Seller:         geo.Point{Lat: -3.12, Lng: -60.02},
		PaymentLagDays: 45,
		IsWeekend:      true,
		FreightValue:   600,
		PurchaseMonth:  12,
	}
	r, err := s.Predict(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, math.IsNaN(r.PredictedDays))
	assert.GreaterOrEqual(t, r.PredictedDays, 0.0)
	require.NotEmpty(t, r.Warnings)
	assert.Equal(t, WarningAnomalyDetected, r.Warnings[0])
	assert.Contains(t, r.Warnings, WarningVeryLargeDistance)
	assert.Contains(t, r.Warnings, WarningVeryHighWeight)
	assert.Contains(t, r.Warnings, WarningVeryHighFreight)
	assert.Contains(t, r.Warnings, WarningVeryLargeVolume)
	assert.Greater(t, r.AnomalyScore, s.Artifact().forest.Threshold())
}

func TestPredictClampsToFloor(t *testing.T) {
	cfg := testConfig()
	cfg.PredictionFloor = 1000
	s := NewService(syntheticSource(600), cfg)
	_, err := s.Train(context.Background())
	require.NoError(t, err)

	r, err := s.Predict(context.Background(), goldenRequest())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, r.PredictedDays)
	assert.Contains(t, r.Warnings, WarningPredictionClamped)
}

func TestPredictUsesCache(t *testing.T) {
	c := cache.New[Result](time.Minute, time.Hour)
	defer c.Close()
	s := trainedService(t, WithCache(c))
	ctx := context.Background()

	r1, err := s.Predict(ctx, goldenRequest())
	require.NoError(t, err)
	r2, err := s.Predict(ctx, goldenRequest())
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	hits, misses := c.GetMetrics()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	// Results handed out do not alias the cached entry
	r2.Warnings = append(r2.Warnings, "mutated")
	r3, err := s.Predict(ctx, goldenRequest())
	require.NoError(t, err)
	assert.NotContains(t, r3.Warnings, "mutated")

	// Cache hits are counted like fresh predictions
	light := goldenRequest()
	light.WeightG = 50
	warned := testutil.ToFloat64(metrics.PredictionWarnings.WithLabelValues(WarningVeryLowWeight))
	ok := testutil.ToFloat64(metrics.Predictions.WithLabelValues(metrics.OutcomeOK))
	for i := 0; i < 3; i++ {
		r, err := s.Predict(ctx, light)
		require.NoError(t, err)
		require.Contains(t, r.Warnings, WarningVeryLowWeight)
	}
	assert.Equal(t, warned+3, testutil.ToFloat64(metrics.PredictionWarnings.WithLabelValues(WarningVeryLowWeight)))
	assert.Equal(t, ok+3, testutil.ToFloat64(metrics.Predictions.WithLabelValues(metrics.OutcomeOK)))
	hits, _ = c.GetMetrics()
	assert.Equal(t, int64(4), hits)

	// A new model starts with an empty cache
	_, err = s.Train(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Size())
}

func TestTrainRejectsConcurrentRun(t *testing.T) {
	src := newBlockingSource(dataset.Synthetic(600, 42, dataset.DefaultSyntheticOptions()))
	s := NewService(src, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := s.Train(context.Background())
		done <- err
	}()
	<-src.started

	_, err := s.Train(context.Background())
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	close(src.release)
	require.NoError(t, <-done)
	assert.True(t, s.Readiness().Ready)
}

func TestTrainTimeoutKeepsPreviousArtifact(t *testing.T) {
	records := dataset.Synthetic(600, 42, dataset.DefaultSyntheticOptions())
	src := newBlockingSource(records)
	close(src.release)
	s := NewService(src, testConfig())
	_, err := s.Train(context.Background())
	require.NoError(t, err)
	published := s.Artifact()

	// A second source that never returns
	s.source = newBlockingSource(records)
	s.config.Timeout = 50 * time.Millisecond
	_, err = s.Train(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Same(t, published, s.Artifact())

	r, err := s.Predict(context.Background(), goldenRequest())
	require.NoError(t, err)
	assert.Equal(t, published.Version, r.ModelVersion)
}

func TestTrainFailures(t *testing.T) {
	ctx := context.Background()

	// Too few delivered orders
	s := NewService(syntheticSource(30), testConfig())
	_, err := s.Train(ctx)
	assert.ErrorIs(t, err, regression.ErrInsufficientData)
	assert.False(t, s.Readiness().Ready)

	// Every order took exactly the same time
	records := dataset.Synthetic(300, 42, dataset.DefaultSyntheticOptions())
	for i := range records {
		days := 5.0
		records[i].DeliveryDays = &days
	}
	s = NewService(&dataset.StaticSource{Records: records}, testConfig())
	_, err = s.Train(ctx)
	assert.ErrorIs(t, err, regression.ErrDegenerateTarget)
	assert.Nil(t, s.Artifact())
}

func TestFailedRetrainKeepsServing(t *testing.T) {
	s := trainedService(t)
	published := s.Artifact()

	s.source = &dataset.StaticSource{}
	_, err := s.Train(context.Background())
	assert.ErrorIs(t, err, regression.ErrInsufficientData)
	assert.Same(t, published, s.Artifact())
}

func TestBuildTrainingSet(t *testing.T) {
	days := 4.0
	negative := -1.0
	purchased := time.Date(2018, 2, 1, 10, 0, 0, 0, time.UTC)
	base := features.RawOrderRecord{
		PurchasedAt:       purchased,
		PaymentApprovedAt: purchased.Add(time.Hour),
		Customer:          geo.Point{Lat: -23.5, Lng: -46.6},
		Seller:            geo.Point{Lat: -22.9, Lng: -43.2},
		WeightG:           500,
		LengthCm:          10,
		WidthCm:           10,
		HeightCm:          10,
		FreightValue:      15,
		DeliveryDays:      &days,
	}

	small := base
	small.OrderID = "small"
	large := base
	large.OrderID = "large"
	large.HeightCm = 30
	missing := base
	missing.OrderID = "missing"
	missing.HeightCm = 0
	undelivered := base
	undelivered.DeliveryDays = nil
	invalid := base
	invalid.Customer.Lat = 200
	badTarget := base
	badTarget.DeliveryDays = &negative
	clamped := base
	clamped.OrderID = "clamped"
	clamped.PaymentApprovedAt = purchased.Add(-time.Hour)

	set, err := buildTrainingSet([]features.RawOrderRecord{small, large, missing, undelivered, invalid, badTarget, clamped})
	require.NoError(t, err)

	assert.Equal(t, 7, set.quality.Loaded)
	assert.Equal(t, 1, set.quality.Undelivered)
	assert.Equal(t, 2, set.quality.Invalid)
	assert.Equal(t, 1, set.quality.PaymentLagClamped)
	assert.Equal(t, 1, set.quality.VolumeImputed)
	// Observed volumes 1000, 3000, 1000
	assert.Equal(t, 1000.0, set.quality.ImputedVolumeCm3)
	require.Len(t, set.vectors, 4)
	assert.Equal(t, 1000.0, set.vectors[2].VolumeCm3)
	assert.Equal(t, "missing", set.records[2].OrderID)
	assert.Equal(t, 0.0, set.vectors[3].PaymentLagDays)

	onlyMissing := []features.RawOrderRecord{missing}
	_, err = buildTrainingSet(onlyMissing)
	assert.ErrorIs(t, err, regression.ErrInsufficientData)
}

func TestArtifactSummaryWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model", "summary.json")
	cfg := testConfig()
	cfg.ArtifactPath = path
	s := NewService(syntheticSource(600), cfg)
	a, err := s.Train(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, a.Version, summary.Version)
	assert.Equal(t, features.Names, summary.FeatureNames)
	assert.Len(t, summary.Outliers, a.Quality.Outliers)
	assert.Equal(t, a.Metrics.MAE, summary.Metrics.MAE)

	assert.Empty(t, a.Summary(false).Outliers)
}

func TestRunTrainsOnceWithoutInterval(t *testing.T) {
	s := NewService(syntheticSource(600), testConfig())
	s.Run(context.Background(), 0)
	assert.True(t, s.Readiness().Ready)
}

func TestRunRetrainsPeriodically(t *testing.T) {
	s := NewService(syntheticSource(300), testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	go s.Run(ctx, 10*time.Millisecond)
	deadline := time.After(30 * time.Second)
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case <-deadline:
			t.Fatal("service did not retrain")
		case <-time.After(5 * time.Millisecond):
			if a := s.Artifact(); a != nil {
				seen[a.Version] = true
			}
		}
	}
	cancel()
}

func TestRangeWarnings(t *testing.T) {
	v := features.Vector{DistanceKm: 5, WeightG: 50, FreightValue: 10, VolumeCm3: 100}
	assert.Equal(t, []string{WarningVerySmallDistance, WarningVeryLowWeight}, rangeWarnings(v))

	v = features.Vector{DistanceKm: 500, WeightG: 1000, FreightValue: 30, VolumeCm3: 4000}
	assert.Empty(t, rangeWarnings(v))
}
