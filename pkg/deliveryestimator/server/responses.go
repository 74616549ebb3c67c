package server

import (
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/estimator"
)

const predictionMessage = "Validated prediction available"

// Readiness status values.
const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

// PredictResponse is the JSON body returned by POST /predict.
type PredictResponse struct {
	PredictedDays float64  `json:"predicted_days"`
	R2Score       float64  `json:"r2_score"`
	MAE           float64  `json:"mae"`
	Warnings      []string `json:"warnings"`
	Message       string   `json:"message"`
	ModelVersion  string   `json:"model_version,omitempty"`
}

// FromResult maps a prediction onto its wire shape.
func FromResult(r estimator.Result) PredictResponse {
	warnings := r.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return PredictResponse{
		PredictedDays: r.PredictedDays,
		R2Score:       r.R2Score,
		MAE:           r.MAE,
		Warnings:      warnings,
		Message:       predictionMessage,
		ModelVersion:  r.ModelVersion,
	}
}

// HealthResponse is the JSON body returned by GET /health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Records int      `json:"records"`
	R2Score *float64 `json:"r2_score"`
	MAE     *float64 `json:"mae"`
}

// FromReadiness maps service readiness onto its wire shape. Metrics are null
// until a model is published.
func FromReadiness(r estimator.Readiness) HealthResponse {
	if !r.Ready {
		return HealthResponse{Status: StatusNotReady}
	}
	r2, mae := r.R2Score, r.MAE
	return HealthResponse{
		Status:  StatusReady,
		Records: r.Records,
		R2Score: &r2,
		MAE:     &mae,
	}
}

// RetrainResponse is the JSON body returned by POST /admin/retrain.
type RetrainResponse struct {
	HealthResponse
	ModelVersion string `json:"model_version"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error  string       `json:"error"`
	Detail string       `json:"detail"`
	Field  string       `json:"field,omitempty"`
	Fields []FieldError `json:"fields,omitempty"`
}

func fromFieldErrors(code, detail string, errs field.ErrorList) ErrorResponse {
	resp := ErrorResponse{Error: code, Detail: detail}
	for _, e := range errs {
		resp.Fields = append(resp.Fields, FieldError{Field: e.Field, Message: e.ErrorBody()})
	}
	if len(errs) > 0 {
		resp.Field = errs[0].Field
	}
	return resp
}

// InfoResponse is the JSON body returned by GET /.
type InfoResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
}
