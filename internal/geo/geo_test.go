package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine_KnownDistances(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantMeters             float64
		tolerance              float64
	}{
		{name: "same point", lat1: 34.05, lon1: -118.24, lat2: 34.05, lon2: -118.24, wantMeters: 0, tolerance: 0.001},
		{name: "equator quarter", lat1: 0, lon1: 0, lat2: 0, lon2: 90, wantMeters: math.Pi / 2 * earthRadiusMeters, tolerance: 1},
		{name: "pole to pole", lat1: 90, lon1: 0, lat2: -90, lon2: 0, wantMeters: math.Pi * earthRadiusMeters, tolerance: 1},
		{name: "across the antimeridian", lat1: 0, lon1: 179.99, lat2: 0, lon2: -179.99, wantMeters: 2224, tolerance: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.wantMeters, got, tt.tolerance)
		})
	}
}

func TestDestination_RoundTrip(t *testing.T) {
	lat, lon := 41.8799279, -87.6295735
	lat2, lon2 := Destination(lat, lon, 45, 3000)
	assert.InDelta(t, 3000, Haversine(lat, lon, lat2, lon2), 0.5)
}

func TestDegreesForDistance(t *testing.T) {
	t.Run("equator", func(t *testing.T) {
		// 3000 m is ~0.02698 degrees of longitude at the equator
		assert.InDelta(t, 0.02698, DegreesForDistance(0, 0, 3000), 0.0001)
	})

	t.Run("widens with latitude", func(t *testing.T) {
		assert.Greater(t, DegreesForDistance(60, 10, 3000), DegreesForDistance(0, 10, 3000))
	})

	t.Run("no wraparound near the antimeridian", func(t *testing.T) {
		east := DegreesForDistance(0, 179.999, 3000)
		west := DegreesForDistance(0, -179.999, 3000)
		assert.InDelta(t, 0.02698, east, 0.0001)
		assert.InDelta(t, 0.02698, west, 0.0001)
	})
}
