package geo

import "github.com/openroute/gasflow/core"

// Barrier adjustment multipliers. A pair crossing a mountain range is far
// slower than its great-circle distance suggests; rivers less so.
const (
	MountainFactor       = 3.0
	RiverFactor          = 1.5
	IncompatibleTWFactor = 10.0
)

// MountainRange is a bounding box treated as impassable terrain.
type MountainRange struct {
	Name   string
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// RiverCrossing is a segment of river tested against the straight line
// between two stops.
type RiverCrossing struct {
	Name string
	A    core.Location
	B    core.Location
}

// Barriers holds the configured geographic barriers for a service region.
type Barriers struct {
	Ranges []MountainRange
	Rivers []RiverCrossing
}

// AdjustedDistanceKM applies barrier multipliers to the haversine distance
// between a and b. When considerTimeWindows is set and the two windows do
// not overlap, the pair is additionally penalized so clustering keeps
// time-incompatible stops apart.
func (b Barriers) AdjustedDistanceKM(from, to core.Location, fromTW, toTW core.TimeWindow, considerTimeWindows bool) float64 {
	dist := HaversineKM(from, to)

	if b.crossesRange(from, to) {
		dist *= MountainFactor
	} else if b.crossesRiver(from, to) {
		dist *= RiverFactor
	}

	if considerTimeWindows && !fromTW.Overlaps(toTW) {
		dist *= IncompatibleTWFactor
	}
	return dist
}

// crossesRange reports whether the segment from-to passes through any
// configured mountain bounding box strictly between the endpoints.
func (b Barriers) crossesRange(from, to core.Location) bool {
	for _, r := range b.Ranges {
		if r.contains(from) || r.contains(to) {
			// An endpoint inside the box is a stop in the mountains, not a
			// crossing.
			continue
		}
		if segmentIntersectsBox(from, to, r) {
			return true
		}
	}
	return false
}

func (b Barriers) crossesRiver(from, to core.Location) bool {
	for _, river := range b.Rivers {
		if segmentsIntersect(from, to, river.A, river.B) {
			return true
		}
	}
	return false
}

func (r MountainRange) contains(p core.Location) bool {
	return p.Lat >= r.MinLat && p.Lat <= r.MaxLat && p.Lng >= r.MinLng && p.Lng <= r.MaxLng
}

// segmentIntersectsBox samples the segment and tests containment. Barrier
// boxes are large relative to the sampling step, so this is robust enough
// for dispatch purposes.
func segmentIntersectsBox(from, to core.Location, r MountainRange) bool {
	const steps = 20
	for i := 1; i < steps; i++ {
		t := float64(i) / steps
		p := core.Location{
			Lat: from.Lat + (to.Lat-from.Lat)*t,
			Lng: from.Lng + (to.Lng-from.Lng)*t,
		}
		if r.contains(p) {
			return true
		}
	}
	return false
}

// segmentsIntersect is the standard orientation test on lat/lng treated as
// planar coordinates, adequate at city scale.
func segmentsIntersect(p1, p2, q1, q2 core.Location) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(a, b, c core.Location) float64 {
	return (b.Lng-a.Lng)*(c.Lat-a.Lat) - (b.Lat-a.Lat)*(c.Lng-a.Lng)
}
