package cluster

import (
	"math"

	"github.com/openroute/gasflow/core"
)

// ConstrainedOptions tunes Constrained clustering.
type ConstrainedOptions struct {
	// MaxClusterSize caps cluster membership; over-sized clusters are
	// sub-partitioned with count-based clustering.
	MaxClusterSize int

	// TargetDensity (stops per km²) drives the derived epsilon.
	TargetDensity float64

	// MinSamples for the initial density pass.
	MinSamples int

	// VerifyBarriers additionally splits clusters whose geographic span
	// exceeds the thresholds below.
	VerifyBarriers bool
	MaxLatSpan     float64
	MaxLngSpan     float64
}

// Constrained clusters stops by density with an epsilon derived from the
// target density, then enforces size caps and, optionally, geographic span
// limits so no cluster straddles a barrier.
func (c *Clusterer) Constrained(stops []core.Stop, opts ConstrainedOptions) []Cluster {
	if len(stops) == 0 {
		return nil
	}
	if opts.MaxClusterSize < 1 {
		opts.MaxClusterSize = 30
	}
	if opts.TargetDensity <= 0 {
		opts.TargetDensity = 5
	}
	if opts.MinSamples < 1 {
		opts.MinSamples = 2
	}
	if opts.MaxLatSpan <= 0 {
		opts.MaxLatSpan = 0.3
	}
	if opts.MaxLngSpan <= 0 {
		opts.MaxLngSpan = 0.3
	}

	// eps = sqrt(n / (targetDensity · π)), clamped to [0.5, 5] km.
	eps := math.Sqrt(float64(len(stops)) / (opts.TargetDensity * math.Pi))
	if eps < 0.5 {
		eps = 0.5
	}
	if eps > 5 {
		eps = 5
	}

	clusters := c.Density(stops, eps, opts.MinSamples)

	// Enforce the size cap by sub-partitioning over-sized clusters.
	var sized []Cluster
	for _, cl := range clusters {
		if len(cl.Stops) <= opts.MaxClusterSize {
			sized = append(sized, cl)
			continue
		}
		parts := int(math.Ceil(float64(len(cl.Stops)) / float64(opts.MaxClusterSize)))
		sized = append(sized, c.ByCount(cl.Stops, parts)...)
	}

	if opts.VerifyBarriers {
		sized = c.splitWideClusters(sized, opts)
	}

	c.logger.Debug("Constrained clustering complete", map[string]interface{}{
		"stops":    len(stops),
		"eps_km":   eps,
		"clusters": len(sized),
	})
	return renumber(sized)
}

// splitWideClusters recursively bisects clusters whose latitude or
// longitude span exceeds the configured thresholds.
func (c *Clusterer) splitWideClusters(clusters []Cluster, opts ConstrainedOptions) []Cluster {
	var out []Cluster
	for _, cl := range clusters {
		out = append(out, c.splitWide(cl, opts, 0)...)
	}
	return out
}

func (c *Clusterer) splitWide(cl Cluster, opts ConstrainedOptions, depth int) []Cluster {
	latSpan, lngSpan := span(cl.Stops)
	if len(cl.Stops) <= 1 || depth > 8 ||
		(latSpan <= opts.MaxLatSpan && lngSpan <= opts.MaxLngSpan) {
		return []Cluster{cl}
	}

	var out []Cluster
	for _, half := range c.ByCount(cl.Stops, 2) {
		out = append(out, c.splitWide(half, opts, depth+1)...)
	}
	return out
}

func span(stops []core.Stop) (latSpan, lngSpan float64) {
	if len(stops) == 0 {
		return 0, 0
	}
	minLat, maxLat := stops[0].Location.Lat, stops[0].Location.Lat
	minLng, maxLng := stops[0].Location.Lng, stops[0].Location.Lng
	for _, s := range stops[1:] {
		minLat = math.Min(minLat, s.Location.Lat)
		maxLat = math.Max(maxLat, s.Location.Lat)
		minLng = math.Min(minLng, s.Location.Lng)
		maxLng = math.Max(maxLng, s.Location.Lng)
	}
	return maxLat - minLat, maxLng - minLng
}
