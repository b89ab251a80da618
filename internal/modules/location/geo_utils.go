// README: Pure geographic helpers (great-circle distance, nearest path sample).
package location

import (
	"math"

	"carpool/internal/types"
)

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance in metres between two points.
func HaversineM(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// MinDistanceM returns the smallest distance from p to any sample of path, or +Inf
// for an empty path.
func MinDistanceM(p types.Point, path []types.Point) float64 {
	best := math.Inf(1)
	for _, s := range path {
		if d := HaversineM(p, s); d < best {
			best = d
		}
	}
	return best
}
