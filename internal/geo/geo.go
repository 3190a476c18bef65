package geo

import "math"

const earthRadiusMeters = 6371008.8

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Destination returns the point reached from (lat, lon) after travelling
// distanceM meters along the great circle with the given initial bearing.
func Destination(lat, lon, bearingDeg, distanceM float64) (float64, float64) {
	phi1 := toRad(lat)
	lambda1 := toRad(lon)
	theta := toRad(bearingDeg)
	delta := distanceM / earthRadiusMeters

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1), math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))
	return toDeg(phi2), toDeg(lambda2)
}

// DegreesForDistance expresses distanceM as a longitude span in degrees at
// the given point. It steps towards the prime meridian (west when lon > 0,
// east otherwise) so the destination never crosses the antimeridian.
func DegreesForDistance(lat, lon, distanceM float64) float64 {
	bearing := 90.0
	if lon > 0 {
		bearing = -90.0
	}
	_, lon2 := Destination(lat, lon, bearing, distanceM)
	return math.Abs(lon2 - lon)
}
