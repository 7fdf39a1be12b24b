package cluster

import "github.com/openroute/gasflow/core"

const (
	noise     = -2
	unvisited = -1
)

// Density performs density-based clustering on the haversine metric. Stops
// within epsKm of a core point (one with at least minSamples neighbors,
// itself included) join its cluster; chains of such points merge. Noise
// points each become their own singleton cluster rather than being dropped,
// so every stop is always assigned.
func (c *Clusterer) Density(stops []core.Stop, epsKm float64, minSamples int) []Cluster {
	if len(stops) == 0 {
		return nil
	}
	if minSamples < 1 {
		minSamples = 1
	}

	labels := make([]int, len(stops))
	for i := range labels {
		labels[i] = unvisited
	}

	nextLabel := 0
	for i := range stops {
		if labels[i] != unvisited {
			continue
		}

		neighbors := c.regionQuery(stops, i, epsKm)
		if len(neighbors) < minSamples {
			labels[i] = noise
			continue
		}

		labels[i] = nextLabel
		// Expand the cluster over the neighbor frontier.
		for frontier := 0; frontier < len(neighbors); frontier++ {
			j := neighbors[frontier]
			if labels[j] == noise {
				labels[j] = nextLabel
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = nextLabel

			more := c.regionQuery(stops, j, epsKm)
			if len(more) >= minSamples {
				neighbors = append(neighbors, more...)
			}
		}
		nextLabel++
	}

	// Promote remaining noise to singleton clusters.
	for i := range labels {
		if labels[i] == noise {
			labels[i] = nextLabel
			nextLabel++
		}
	}

	grouped := make(map[int][]core.Stop)
	for i, label := range labels {
		grouped[label] = append(grouped[label], stops[i])
	}

	clusters := make([]Cluster, 0, nextLabel)
	for label := 0; label < nextLabel; label++ {
		if members, ok := grouped[label]; ok {
			clusters = append(clusters, finalize(len(clusters), members))
		}
	}
	return clusters
}

// regionQuery returns indices of all stops within epsKm of stops[i],
// including i itself.
func (c *Clusterer) regionQuery(stops []core.Stop, i int, epsKm float64) []int {
	var out []int
	for j := range stops {
		if c.distance(stops[i], stops[j]) <= epsKm {
			out = append(out, j)
		}
	}
	return out
}
