package server

import (
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/geo"
)

// PredictRequest is the JSON body of POST /predict. Every field is required;
// pointers tell a missing field apart from a zero value.
type PredictRequest struct {
	ProductWeightG *float64 `json:"product_weight_g"`
	ProductVolCm3  *float64 `json:"product_vol_cm3"`
	DistanceKm     *float64 `json:"distance_km"`
	CustomerLat    *float64 `json:"customer_lat"`
	CustomerLng    *float64 `json:"customer_lng"`
	SellerLat      *float64 `json:"seller_lat"`
	SellerLng      *float64 `json:"seller_lng"`
	PaymentLagDays *float64 `json:"payment_lag_days"`
	IsWeekendOrder *bool    `json:"is_weekend_order"`
	FreightValue   *float64 `json:"freight_value"`
	PurchaseMonth  *int     `json:"purchase_month"`
}

// Validate reports missing fields. Range checks happen in the feature builder.
func (r *PredictRequest) Validate() field.ErrorList {
	var errs field.ErrorList
	required := []struct {
		name    string
		present bool
	}{
		{"product_weight_g", r.ProductWeightG != nil},
		{"product_vol_cm3", r.ProductVolCm3 != nil},
		{"distance_km", r.DistanceKm != nil},
		{"customer_lat", r.CustomerLat != nil},
		{"customer_lng", r.CustomerLng != nil},
		{"seller_lat", r.SellerLat != nil},
		{"seller_lng", r.SellerLng != nil},
		{"payment_lag_days", r.PaymentLagDays != nil},
		{"is_weekend_order", r.IsWeekendOrder != nil},
		{"freight_value", r.FreightValue != nil},
		{"purchase_month", r.PurchaseMonth != nil},
	}
	for _, f := range required {
		if !f.present {
			errs = append(errs, field.Required(field.NewPath(f.name), "field is required"))
		}
	}
	return errs
}

// ToDomain converts a validated request. Call Validate first.
func (r *PredictRequest) ToDomain() features.Request {
	return features.Request{
		WeightG:        *r.ProductWeightG,
		VolumeCm3:      *r.ProductVolCm3,
		DistanceKm:     *r.DistanceKm,
		Customer:       geo.Point{Lat: *r.CustomerLat, Lng: *r.CustomerLng},
		Seller:         geo.Point{Lat: *r.SellerLat, Lng: *r.SellerLng},
		PaymentLagDays: *r.PaymentLagDays,
		IsWeekend:      *r.IsWeekendOrder,
		FreightValue:   *r.FreightValue,
		PurchaseMonth:  *r.PurchaseMonth,
	}
}
