package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"k8s.io/client-go/util/flowcontrol"
	"k8s.io/component-base/logs"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/cache"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/config"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/dataset"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/estimator"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/server"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (or set "+config.ConfigPathEnv+")")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")

	klog.InitFlags(nil)
	flag.Parse()

	if showVersion {
		fmt.Println(version.Print("delivery-estimator"))
		os.Exit(0)
	}

	logs.InitLogs()
	defer logs.FlushLogs()

	if configPath != "" {
		os.Setenv(config.ConfigPathEnv, configPath)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		os.Exit(1)
	}
	applyVerbosity(cfg.Observability.Verbosity())

	klog.InfoS("Starting delivery estimator",
		"version", version.Info(),
		"build", version.BuildContext(),
		"addr", cfg.Server.Addr,
		"datasetDriver", cfg.Dataset.Driver,
		"datasetPath", cfg.Dataset.Path,
		"retrainInterval", cfg.Training.RetrainInterval)

	source, err := dataset.Open(cfg.Dataset.Driver, cfg.Dataset.Path)
	if err != nil {
		klog.ErrorS(err, "Failed to open dataset", "driver", cfg.Dataset.Driver, "path", cfg.Dataset.Path)
		os.Exit(1)
	}
	defer source.Close()

	predictions := cache.New[estimator.Result](cfg.Server.CacheTTL, cfg.Server.MaxCacheAge)
	defer predictions.Close()

	svc := estimator.NewService(source, estimator.Config{
		Anomaly:         cfg.Training.Anomaly,
		Regression:      cfg.Training.Regression,
		Timeout:         cfg.Training.Timeout,
		PredictionFloor: cfg.Training.PredictionFloor,
		ArtifactPath:    cfg.Training.ArtifactPath,
	}, estimator.WithCache(predictions))

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Training runs in the background; the API answers 503 until the first model is published.
	go svc.Run(ctx, cfg.Training.RetrainInterval)

	var opts []server.HandlerOption
	if cfg.Server.RateLimitQPS > 0 {
		opts = append(opts, server.WithRateLimiter(
			flowcontrol.NewTokenBucketRateLimiter(float32(cfg.Server.RateLimitQPS), cfg.Server.RateLimitBurst)))
	}
	var metricsHandler http.Handler
	if cfg.Observability.MetricsEnabled {
		metricsHandler = promhttp.Handler()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewRouter(server.New(svc, opts...), cfg.Observability.MetricsPath, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	klog.InfoS("Starting HTTP server", "addr", cfg.Server.Addr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "HTTP server error")
			cancel()
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	klog.InfoS("Shutting down HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Error shutting down HTTP server")
	}

	klog.InfoS("Delivery estimator stopped")
}

// applyVerbosity raises klog verbosity from the configured log level unless
// -v was given explicitly.
func applyVerbosity(level int) {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			explicit = true
		}
	})
	if explicit || level == 0 {
		return
	}
	if err := flag.Set("v", strconv.Itoa(level)); err != nil {
		klog.ErrorS(err, "Failed to set log verbosity", "level", level)
	}
}
