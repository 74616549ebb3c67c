package features

import (
	"fmt"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/geo"
)

// MaxPaymentLagDays bounds the payment lag accepted on a request.
const MaxPaymentLagDays = 60.0

const day = 24 * time.Hour

var (
	customerLatPath = field.NewPath("customer_lat")
	customerLngPath = field.NewPath("customer_lng")
	sellerLatPath   = field.NewPath("seller_lat")
	sellerLngPath   = field.NewPath("seller_lng")
)

// FromRecord derives the feature vector of a historical order.
func FromRecord(r RawOrderRecord) (Vector, Flags, error) {
	var errs field.ErrorList
	var flags Flags

	errs = append(errs, validatePoint(r.Customer, customerLatPath, customerLngPath)...)
	errs = append(errs, validatePoint(r.Seller, sellerLatPath, sellerLngPath)...)
	errs = append(errs, validateNonNegative(field.NewPath("product_weight_g"), r.WeightG)...)
	errs = append(errs, validateNonNegative(field.NewPath("freight_value"), r.FreightValue)...)
	if r.PurchasedAt.IsZero() {
		errs = append(errs, field.Required(field.NewPath("purchased_at"), "purchase timestamp is required"))
	}
	if r.PaymentApprovedAt.IsZero() {
		errs = append(errs, field.Required(field.NewPath("payment_approved_at"), "payment approval timestamp is required"))
	}
	for _, d := range []struct {
		name  string
		value float64
	}{{"product_length_cm", r.LengthCm}, {"product_width_cm", r.WidthCm}, {"product_height_cm", r.HeightCm}} {
		if !isFinite(d.value) {
			errs = append(errs, field.Invalid(field.NewPath(d.name), d.value, "must be a finite number"))
		}
	}
	if err := newInvalidInputError(errs); err != nil {
		return Vector{}, flags, err
	}

	lag := r.PaymentApprovedAt.Sub(r.PurchasedAt)
	if lag < 0 {
		lag = 0
		flags.PaymentLagClamped = true
	}

	volume := r.LengthCm * r.WidthCm * r.HeightCm
	if r.LengthCm <= 0 || r.WidthCm <= 0 || r.HeightCm <= 0 {
		volume = 0
		flags.VolumeMissing = true
	}

	weekday := r.PurchasedAt.Weekday()
	return Vector{
		DistanceKm:     geo.Distance(r.Customer, r.Seller),
		PurchaseMonth:  int(r.PurchasedAt.Month()),
		PaymentLagDays: float64(lag) / float64(day),
		VolumeCm3:      volume,
		WeightG:        r.WeightG,
		IsWeekend:      weekday == time.Saturday || weekday == time.Sunday,
		FreightValue:   r.FreightValue,
	}, flags, nil
}

// FromRequest validates an inference request and derives its feature vector.
// Distance is recomputed from the coordinates. A missing volume is rejected
// since there is no training distribution to impute from at this point.
func FromRequest(req Request) (Vector, error) {
	var errs field.ErrorList

	errs = append(errs, validatePoint(req.Customer, customerLatPath, customerLngPath)...)
	errs = append(errs, validatePoint(req.Seller, sellerLatPath, sellerLngPath)...)
	errs = append(errs, validateNonNegative(field.NewPath("product_weight_g"), req.WeightG)...)
	errs = append(errs, validateNonNegative(field.NewPath("distance_km"), req.DistanceKm)...)
	errs = append(errs, validateNonNegative(field.NewPath("freight_value"), req.FreightValue)...)

	volumePath := field.NewPath("product_vol_cm3")
	if volErrs := validateNonNegative(volumePath, req.VolumeCm3); len(volErrs) > 0 {
		errs = append(errs, volErrs...)
	} else if req.VolumeCm3 == 0 {
		errs = append(errs, field.Invalid(volumePath, req.VolumeCm3, "package volume is missing"))
	}

	lagPath := field.NewPath("payment_lag_days")
	if lagErrs := validateNonNegative(lagPath, req.PaymentLagDays); len(lagErrs) > 0 {
		errs = append(errs, lagErrs...)
	} else if req.PaymentLagDays > MaxPaymentLagDays {
		errs = append(errs, field.Invalid(lagPath, req.PaymentLagDays,
			fmt.Sprintf("must be at most %g", MaxPaymentLagDays)))
	}

	if req.PurchaseMonth < 1 || req.PurchaseMonth > 12 {
		errs = append(errs, field.Invalid(field.NewPath("purchase_month"), req.PurchaseMonth, "must be between 1 and 12"))
	}

	if err := newInvalidInputError(errs); err != nil {
		return Vector{}, err
	}

	return Vector{
		DistanceKm:     geo.Distance(req.Customer, req.Seller),
		PurchaseMonth:  req.PurchaseMonth,
		PaymentLagDays: req.PaymentLagDays,
		VolumeCm3:      req.VolumeCm3,
		WeightG:        req.WeightG,
		IsWeekend:      req.IsWeekend,
		FreightValue:   req.FreightValue,
	}, nil
}

func validatePoint(p geo.Point, latPath, lngPath *field.Path) field.ErrorList {
	var errs field.ErrorList
	if !isFinite(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		errs = append(errs, field.Invalid(latPath, p.Lat, "latitude must be between -90 and 90"))
	}
	if !isFinite(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		errs = append(errs, field.Invalid(lngPath, p.Lng, "longitude must be between -180 and 180"))
	}
	return errs
}

func validateNonNegative(path *field.Path, value float64) field.ErrorList {
	if !isFinite(value) {
		return field.ErrorList{field.Invalid(path, value, "must be a finite number")}
	}
	if value < 0 {
		return field.ErrorList{field.Invalid(path, value, "must be non-negative")}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
