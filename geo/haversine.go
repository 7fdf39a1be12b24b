// Package geo implements the distance and travel-time oracle: great-circle
// math, regional barrier adjustments, the time-of-day speed profile, and a
// cached client for the external routing service.
package geo

import (
	"math"

	"github.com/openroute/gasflow/core"
)

const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance between two points in km.
func HaversineKM(a, b core.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// Centroid returns the mean coordinate of the given points.
func Centroid(points []core.Location) core.Location {
	if len(points) == 0 {
		return core.Location{}
	}
	var lat, lng float64
	for _, p := range points {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(points))
	return core.Location{Lat: lat / n, Lng: lng / n}
}
