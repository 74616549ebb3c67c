package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/common/version"
	"k8s.io/client-go/util/flowcontrol"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/estimator"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/metrics"
)

const serviceName = "Delivery Time Estimation API"

// maxBodyBytes bounds the size of a prediction request body.
const maxBodyBytes = 1 << 16

// Service defines the estimator operations exposed over HTTP.
type Service interface {
	Predict(ctx context.Context, req features.Request) (estimator.Result, error)
	Train(ctx context.Context) (*estimator.Artifact, error)
	Readiness() estimator.Readiness
	Artifact() *estimator.Artifact
}

// Handler wires estimator endpoints to the service.
type Handler struct {
	service Service
	limiter flowcontrol.RateLimiter
}

// HandlerOption customizes a Handler
type HandlerOption func(*Handler)

// WithRateLimiter throttles POST /predict with limiter
func WithRateLimiter(limiter flowcontrol.RateLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = limiter
	}
}

// New constructs a handler with its dependencies.
func New(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{service: service}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts estimator endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.HandleInfo)
	r.Get("/health", h.HandleHealth)
	r.Get("/model", h.HandleModel)
	r.With(h.rateLimit).Post("/predict", h.HandlePredict)
	r.Post("/admin/retrain", h.HandleRetrain)
}

// NewRouter returns the full HTTP surface. metricsHandler is mounted at
// metricsPath when not nil.
func NewRouter(h *Handler, metricsPath string, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	if metricsHandler != nil {
		r.Method(http.MethodGet, metricsPath, metricsHandler)
	}
	return r
}

// HandleInfo handles GET / requests.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	status := "operational"
	if !h.service.Readiness().Ready {
		status = "warming_up"
	}
	writeJSON(w, http.StatusOK, InfoResponse{
		Service: serviceName,
		Version: version.Version,
		Status:  status,
		Endpoints: map[string]string{
			"health":  "/health",
			"predict": "/predict (POST)",
			"model":   "/model",
			"retrain": "/admin/retrain (POST)",
			"metrics": "/metrics",
		},
	})
}

// HandleHealth handles GET /health requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	readiness := h.service.Readiness()
	status := http.StatusOK
	if !readiness.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, FromReadiness(readiness))
}

// HandleModel handles GET /model requests. ?outliers=true includes the
// orders excluded from training.
func (h *Handler) HandleModel(w http.ResponseWriter, r *http.Request) {
	a := h.service.Artifact()
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:  "not_ready",
			Detail: "Prediction engine is still warming up",
		})
		return
	}
	writeJSON(w, http.StatusOK, a.Summary(r.URL.Query().Get("outliers") == "true"))
}

// HandlePredict handles POST /predict requests.
func (h *Handler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)

	var req PredictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(&req)
	if err == nil && dec.More() {
		err = errors.New("unexpected data after JSON body")
	}
	if err != nil {
		metrics.Predictions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		klog.V(2).InfoS("Rejected malformed prediction request", "requestID", requestID, "error", err)
		writeError(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "invalid_request",
			Detail: err.Error(),
		})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		metrics.Predictions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		klog.V(2).InfoS("Rejected incomplete prediction request", "requestID", requestID, "error", errs.ToAggregate())
		writeError(w, http.StatusUnprocessableEntity, fromFieldErrors("invalid_request", "missing required fields", errs))
		return
	}

	result, err := h.service.Predict(ctx, req.ToDomain())
	if err != nil {
		var invalid *features.InvalidInputError
		switch {
		case errors.As(err, &invalid):
			writeError(w, http.StatusUnprocessableEntity, fromFieldErrors("invalid_feature_input", err.Error(), invalid.Errs))
		case errors.Is(err, estimator.ErrServiceNotReady):
			writeError(w, http.StatusServiceUnavailable, ErrorResponse{
				Error:  "not_ready",
				Detail: "Prediction engine is still warming up",
			})
		default:
			metrics.Predictions.WithLabelValues(metrics.OutcomeError).Inc()
			klog.ErrorS(err, "Prediction failed", "requestID", requestID)
			writeError(w, http.StatusInternalServerError, ErrorResponse{
				Error:  "internal",
				Detail: "prediction failed",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, FromResult(result))
}

// HandleRetrain handles POST /admin/retrain requests.
func (h *Handler) HandleRetrain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	// Training outlives the request; the service timeout still bounds it.
	artifact, err := h.service.Train(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, estimator.ErrTrainingInProgress) {
			writeError(w, http.StatusConflict, ErrorResponse{
				Error:  "training_in_progress",
				Detail: err.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, ErrorResponse{
			Error:  "training_failed",
			Detail: err.Error(),
		})
		return
	}

	klog.InfoS("Retrained on request", "version", artifact.Version, "duration", time.Since(start))
	writeJSON(w, http.StatusOK, RetrainResponse{
		HealthResponse: FromReadiness(h.service.Readiness()),
		ModelVersion:   artifact.Version,
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.TryAccept() {
			metrics.Predictions.WithLabelValues(metrics.OutcomeRateLimited).Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, ErrorResponse{
				Error:  "rate_limited",
				Detail: "too many prediction requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.V(2).InfoS("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, body ErrorResponse) {
	writeJSON(w, status, body)
}
