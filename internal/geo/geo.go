// Package geo provides the small set of geometric helpers the tracker needs:
// great-circle distance between two points, and a geohash for client-side
// clustering.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// earthRadiusMeters is the mean Earth radius used for the haversine formula.
const earthRadiusMeters = 6_371_000.0

// GeohashPrecision is the character length of geohashes produced by Hash.
const GeohashPrecision = 9

// HaversineMeters returns the great-circle distance between two decimal
// degree coordinates, in meters. It returns (0, false) if any input is
// non-finite (NaN or +/-Inf), since a distance against a bad coordinate is
// meaningless rather than merely large.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) (float64, bool) {
	for _, v := range []float64{lat1, lon1, lat2, lon2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
	}

	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c, true
}

// Hash returns the geohash string for a position at GeohashPrecision
// characters, used by the (out-of-scope) map UI for client-side clustering.
func Hash(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, GeohashPrecision)
}
