package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/geo"
)

type city struct {
	name   string
	center geo.Point
	// weight is the relative share of orders placed from or shipped to the city.
	weight float64
}

var cities = []city{
	{"sao paulo", geo.Point{Lat: -23.55, Lng: -46.63}, 40},
	{"rio de janeiro", geo.Point{Lat: -22.91, Lng: -43.17}, 14},
	{"belo horizonte", geo.Point{Lat: -19.92, Lng: -43.94}, 10},
	{"curitiba", geo.Point{Lat: -25.43, Lng: -49.27}, 7},
	{"porto alegre", geo.Point{Lat: -30.03, Lng: -51.22}, 6},
	{"brasilia", geo.Point{Lat: -15.79, Lng: -47.88}, 5},
	{"salvador", geo.Point{Lat: -12.97, Lng: -38.50}, 5},
	{"recife", geo.Point{Lat: -8.05, Lng: -34.88}, 4},
	{"fortaleza", geo.Point{Lat: -3.73, Lng: -38.53}, 4},
	{"manaus", geo.Point{Lat: -3.12, Lng: -60.02}, 2},
	{"belem", geo.Point{Lat: -1.46, Lng: -48.49}, 3},
}

// SyntheticOptions tunes the data-quality defects injected by Synthetic.
type SyntheticOptions struct {
	// NegativeLagRate is the share of orders whose payment precedes the purchase.
	NegativeLagRate float64
	// MissingDimensionRate is the share of orders with a zero package dimension.
	MissingDimensionRate float64
	// UndeliveredRate is the share of orders without a delivery duration.
	UndeliveredRate float64
}

// DefaultSyntheticOptions mirrors the defect rates seen in marketplace exports.
func DefaultSyntheticOptions() SyntheticOptions {
	return SyntheticOptions{
		NegativeLagRate:      0.01,
		MissingDimensionRate: 0.02,
		UndeliveredRate:      0.03,
	}
}

// Synthetic generates n plausible marketplace orders. The same seed always
// yields the same records.
func Synthetic(n int, seed int64, opts SyntheticOptions) []features.RawOrderRecord {
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)
	span := int64(2 * 365 * 24 * time.Hour)

	records := make([]features.RawOrderRecord, n)
	for i := range records {
		customer := jitter(pickCity(rng).center, rng)
		seller := jitter(pickCity(rng).center, rng)
		distance := geo.Distance(customer, seller)

		purchased := start.Add(time.Duration(rng.Int63n(span))).Truncate(time.Second)
		lagHours := rng.ExpFloat64() * 30
		if rng.Float64() < opts.NegativeLagRate {
			lagHours = -1 - rng.Float64()*20
		}
		approved := purchased.Add(time.Duration(lagHours * float64(time.Hour))).Truncate(time.Second)

		weight := math.Round(math.Exp(6.5 + rng.NormFloat64()*0.9))
		length := math.Round(15 + rng.Float64()*45)
		width := math.Round(10 + rng.Float64()*30)
		height := math.Round(2 + rng.Float64()*30)
		if rng.Float64() < opts.MissingDimensionRate {
			height = 0
		}
		freight := math.Round((8+distance*0.012+weight*0.002+rng.Float64()*25)*100) / 100

		weekday := purchased.Weekday()
		weekend := 0.0
		if weekday == time.Saturday || weekday == time.Sunday {
			weekend = 1
		}
		days := 3 + distance/220 + lagHours/24*0.8 + weekend*1.2 + weight/8000 + rng.NormFloat64()*1.5
		if m := purchased.Month(); m == time.November || m == time.December {
			days += 2
		}
		days = math.Max(1, math.Round(days*10)/10)

		record := features.RawOrderRecord{
			OrderID:           fmt.Sprintf("synthetic-%d-%06d", seed, i),
			PurchasedAt:       purchased,
			PaymentApprovedAt: approved,
			Customer:          customer,
			Seller:            seller,
			WeightG:           weight,
			LengthCm:          length,
			WidthCm:           width,
			HeightCm:          height,
			FreightValue:      freight,
		}
		if rng.Float64() >= opts.UndeliveredRate {
			record.DeliveryDays = &days
		}
		records[i] = record
	}
	return records
}

func pickCity(rng *rand.Rand) city {
	total := 0.0
	for _, c := range cities {
		total += c.weight
	}
	target := rng.Float64() * total
	for _, c := range cities {
		target -= c.weight
		if target < 0 {
			return c
		}
	}
	return cities[len(cities)-1]
}

func jitter(p geo.Point, rng *rand.Rand) geo.Point {
	return geo.Point{
		Lat: math.Round((p.Lat+rng.NormFloat64()*0.15)*1e4) / 1e4,
		Lng: math.Round((p.Lng+rng.NormFloat64()*0.15)*1e4) / 1e4,
	}
}
