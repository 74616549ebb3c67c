package features

import (
	"time"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/geo"
)

// Names lists the model inputs in the order produced by Vector.Slice.
var Names = []string{
	"distance_km",
	"purchase_month",
	"payment_lag_days",
	"package_volume_cm3",
	"package_weight_g",
	"is_weekend_order",
	"freight_value",
}

// NumFeatures is the width of every feature row.
var NumFeatures = len(Names)

// RawOrderRecord is one historical order as read from a dataset source.
type RawOrderRecord struct {
	OrderID           string
	PurchasedAt       time.Time
	PaymentApprovedAt time.Time
	Customer          geo.Point
	Seller            geo.Point
	WeightG           float64
	LengthCm          float64
	WidthCm           float64
	HeightCm          float64
	FreightValue      float64
	// DeliveryDays is the observed delivery duration; nil for undelivered orders.
	DeliveryDays *float64
}

// Request carries the attributes of one order to estimate.
type Request struct {
	WeightG   float64
	VolumeCm3 float64
	// DistanceKm is what the caller believes the distance is. It is checked but
	// the feature value is always recomputed from the coordinates.
	DistanceKm     float64
	Customer       geo.Point
	Seller         geo.Point
	PaymentLagDays float64
	IsWeekend      bool
	FreightValue   float64
	PurchaseMonth  int
}

// Vector is a validated model input. Values are never modified after construction.
type Vector struct {
	DistanceKm     float64 `json:"distance_km"`
	PurchaseMonth  int     `json:"purchase_month"`
	PaymentLagDays float64 `json:"payment_lag_days"`
	VolumeCm3      float64 `json:"package_volume_cm3"`
	WeightG        float64 `json:"package_weight_g"`
	IsWeekend      bool    `json:"is_weekend_order"`
	FreightValue   float64 `json:"freight_value"`
}

// Slice returns the vector as a row in Names order.
func (v Vector) Slice() []float64 {
	weekend := 0.0
	if v.IsWeekend {
		weekend = 1
	}
	return []float64{
		v.DistanceKm,
		float64(v.PurchaseMonth),
		v.PaymentLagDays,
		v.VolumeCm3,
		v.WeightG,
		weekend,
		v.FreightValue,
	}
}

// Flags reports data-quality corrections applied while building a vector.
type Flags struct {
	// PaymentLagClamped is set when payment approval preceded purchase and the lag was forced to 0.
	PaymentLagClamped bool
	// VolumeMissing is set when a package dimension was not positive. The
	// returned vector then has VolumeCm3 == 0 and needs imputation.
	VolumeMissing bool
}
