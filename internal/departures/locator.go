package departures

import (
	"context"
	"fmt"
	"sort"

	"transit-departures/internal/geo"
	"transit-departures/internal/gtfs"
)

// SearchRadiusM is the radius of the initial stop query.
const SearchRadiusM = 3000.0

// Limits are the maximum walking distances at which a stop may anchor a
// direction pattern, split by bus and everything else.
type Limits struct {
	BusM   float64
	OtherM float64
}

// LimitsFor tightens the distance limits as the number of nearby stops
// grows. Each threshold only ever lowers a limit.
func LimitsFor(stopCount int) Limits {
	l := Limits{BusM: SearchRadiusM, OtherM: SearchRadiusM}
	if stopCount > 100 {
		l.BusM = 1500
		l.OtherM = 2000
	}
	if stopCount > 800 {
		l.BusM = 1200
	}
	if stopCount > 1500 {
		l.OtherM = 1500
	}
	return l
}

// allows reports whether a stop distanceM away may anchor a pattern of
// routeType.
func (l Limits) allows(routeType int16, distanceM float64) bool {
	if gtfs.IsBus(routeType) {
		return distanceM <= l.BusM
	}
	return distanceM <= l.OtherM
}

// locate runs the spatial stop query and returns the stops sorted by
// distance together with the limits derived from their count.
func (s *Service) locate(ctx context.Context, lat, lon float64) ([]gtfs.StopDistance, Limits, error) {
	radiusDeg := geo.DegreesForDistance(lat, lon, SearchRadiusM)
	stops, err := s.store.NearbyStops(ctx, lat, lon, radiusDeg)
	if err != nil {
		return nil, Limits{}, fmt.Errorf("nearby stops: %w", err)
	}
	return sortByDistance(lat, lon, stops), LimitsFor(len(stops)), nil
}

// sortByDistance pairs each stop with its haversine distance from the point
// and orders them nearest first. Equal distances keep query order.
func sortByDistance(lat, lon float64, stops []gtfs.Stop) []gtfs.StopDistance {
	out := make([]gtfs.StopDistance, 0, len(stops))
	for _, st := range stops {
		out = append(out, gtfs.StopDistance{
			Stop:      st,
			DistanceM: geo.Haversine(lat, lon, st.Lat, st.Lon),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out
}
