// Package cluster groups delivery stops into VRP subproblems. Density
// clustering follows the haversine metric with barrier-adjusted distances;
// constrained clustering layers size caps and geographic span checks on top.
package cluster

import (
	"math"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/geo"
)

// Cluster is a group of stops solved as one VRP subproblem.
type Cluster struct {
	ID           int
	Stops        []core.Stop
	Center       core.Location
	RadiusKM     float64
	DensityScore float64 // members per πr²
	Demand       map[string]int
}

// Options configures the distance metric used while clustering.
type Options struct {
	Barriers            geo.Barriers
	ConsiderTimeWindows bool
}

// Clusterer groups stops under a shared distance metric.
type Clusterer struct {
	opts   Options
	logger core.Logger
}

// New creates a Clusterer. A nil logger is replaced with a no-op.
func New(opts Options, logger core.Logger) *Clusterer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Clusterer{opts: opts, logger: logger}
}

// distance is the effective pairwise distance: haversine with barrier and
// time-window multipliers applied.
func (c *Clusterer) distance(a, b core.Stop) float64 {
	return c.opts.Barriers.AdjustedDistanceKM(a.Location, b.Location, a.Window, b.Window, c.opts.ConsiderTimeWindows)
}

// finalize computes the derived cluster fields: center, radius, density
// score and aggregated demand.
func finalize(id int, stops []core.Stop) Cluster {
	points := make([]core.Location, len(stops))
	for i, s := range stops {
		points[i] = s.Location
	}
	center := geo.Centroid(points)

	var radius float64
	demand := make(map[string]int)
	for _, s := range stops {
		if d := geo.HaversineKM(s.Location, center); d > radius {
			radius = d
		}
		for product, qty := range s.Demand {
			demand[product] += qty
		}
	}

	// Clamp the radius for the score so singletons do not divide by zero.
	scoreRadius := math.Max(radius, 0.1)
	density := float64(len(stops)) / (math.Pi * scoreRadius * scoreRadius)

	return Cluster{
		ID:           id,
		Stops:        stops,
		Center:       center,
		RadiusKM:     radius,
		DensityScore: density,
		Demand:       demand,
	}
}

// renumber assigns sequential ids so ids are globally unique across a
// combined result.
func renumber(clusters []Cluster) []Cluster {
	for i := range clusters {
		clusters[i].ID = i
	}
	return clusters
}
