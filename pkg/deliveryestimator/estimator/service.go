package estimator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/cache"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/dataset"
)

// Service trains delivery time models and serves predictions from the most
// recently published one.
type Service struct {
	source   dataset.Source
	config   Config
	clock    clock.PassiveClock
	cache    *cache.Cache[Result]
	artifact atomic.Pointer[Artifact]
	training *semaphore.Weighted
}

// Option customizes a Service
type Option func(*Service)

// WithClock sets the clock used to stamp artifacts
func WithClock(c clock.PassiveClock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithCache enables result caching. Entries are keyed by model version so a
// new model never serves stale results.
func WithCache(c *cache.Cache[Result]) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// NewService creates a service that trains from source. The service is not
// ready until Train succeeds.
func NewService(source dataset.Source, config Config, opts ...Option) *Service {
	s := &Service{
		source:   source,
		config:   config,
		clock:    clock.RealClock{},
		training: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Artifact returns the published artifact, or nil before the first training run completes.
func (s *Service) Artifact() *Artifact {
	return s.artifact.Load()
}

// Readiness reports whether predictions can be served and with what model quality.
func (s *Service) Readiness() Readiness {
	a := s.artifact.Load()
	if a == nil {
		return Readiness{}
	}
	return Readiness{
		Ready:        true,
		Records:      a.Metrics.TrainingRecords,
		R2Score:      a.Metrics.R2Score,
		MAE:          a.Metrics.MAE,
		ModelVersion: a.Version,
		TrainedAt:    a.TrainedAt,
	}
}

// Run trains once, then again every interval until ctx is done. A
// non-positive interval trains once and returns.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.trainAndLog(ctx)
		return
	}
	wait.UntilWithContext(ctx, s.trainAndLog, interval)
}

func (s *Service) trainAndLog(ctx context.Context) {
	if _, err := s.Train(ctx); err != nil {
		if errors.Is(err, ErrTrainingInProgress) {
			klog.V(2).InfoS("Skipping scheduled training, a run is already in progress")
			return
		}
		klog.ErrorS(err, "Scheduled training failed", "ready", s.artifact.Load() != nil)
	}
}
