package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	saoPaulo := Point{Lat: -23.5505, Lng: -46.6333}
	rio := Point{Lat: -22.9068, Lng: -43.1729}

	tests := []struct {
		name     string
		a, b     Point
		expected float64
		delta    float64
	}{
		{
			name:     "same point",
			a:        saoPaulo,
			b:        saoPaulo,
			expected: 0,
			delta:    1e-9,
		},
		{
			name:     "sao paulo to rio",
			a:        saoPaulo,
			b:        rio,
			expected: 361,
			delta:    5,
		},
		{
			name:     "quarter meridian",
			a:        Point{Lat: 0, Lng: 0},
			b:        Point{Lat: 90, Lng: 0},
			expected: math.Pi * EarthRadiusKm / 2,
			delta:    1e-6,
		},
		{
			name:     "antipodal",
			a:        Point{Lat: 0, Lng: 0},
			b:        Point{Lat: 0, Lng: 180},
			expected: math.Pi * EarthRadiusKm,
			delta:    1e-6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Distance(tt.a, tt.b), tt.delta)
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][2]Point{
		{{Lat: -23.5505, Lng: -46.6333}, {Lat: -3.7319, Lng: -38.5267}},
		{{Lat: -30.0346, Lng: -51.2177}, {Lat: -1.4558, Lng: -48.4902}},
		{{Lat: 51.5, Lng: -0.12}, {Lat: -33.86, Lng: 151.2}},
	}
	for _, p := range pairs {
		ab := Distance(p[0], p[1])
		ba := Distance(p[1], p[0])
		assert.InDelta(t, ab, ba, 1e-9)
		assert.Greater(t, ab, 0.0)
	}
}
