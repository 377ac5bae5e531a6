// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"

	"dispatch/internal/types"
)

const earthRadiusKm = 6371.0

// MaxIndexLat is the Web Mercator latitude limit; Redis GEO rejects points beyond it.
const MaxIndexLat = 85.05112878

// HaversineKm returns the great-circle distance in kilometres between two points.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// BearingDeg returns the initial bearing from a to b in degrees, normalised to [0, 360).
func BearingDeg(a, b types.Point) float64 {
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)

	deg := radiansToDegrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// Valid reports whether p is inside WGS84 bounds and not the 0/0 sentinel.
func Valid(p types.Point) bool {
	if p.IsZero() {
		return false
	}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Indexable reports whether p is valid and can be stored in a GEO index.
func Indexable(p types.Point) bool {
	return Valid(p) && math.Abs(p.Lat) <= MaxIndexLat
}

// Within reports whether b lies within radiusKm of a.
func Within(a, b types.Point, radiusKm float64) bool {
	return HaversineKm(a, b) <= radiusKm
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func radiansToDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
