package cluster

import (
	"sort"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/geo"
)

const kmeansMaxIterations = 50

// ByCount partitions stops into at most k clusters with a k-means style
// refinement over the haversine metric. k is bounded above by |stops|.
// Initialization is deterministic: stops are sorted by coordinate and the
// seeds are evenly spaced, so repeated runs agree.
func (c *Clusterer) ByCount(stops []core.Stop, k int) []Cluster {
	if len(stops) == 0 {
		return nil
	}
	if k < 1 {
		k = 1
	}
	if k > len(stops) {
		k = len(stops)
	}

	ordered := make([]core.Stop, len(stops))
	copy(ordered, stops)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Location.Lat != ordered[j].Location.Lat {
			return ordered[i].Location.Lat < ordered[j].Location.Lat
		}
		return ordered[i].Location.Lng < ordered[j].Location.Lng
	})

	centroids := make([]core.Location, k)
	for i := 0; i < k; i++ {
		centroids[i] = ordered[i*len(ordered)/k].Location
	}

	assignments := make([]int, len(ordered))
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, s := range ordered {
			best := 0
			bestDist := geo.HaversineKM(s.Location, centroids[0])
			for j := 1; j < k; j++ {
				if d := geo.HaversineKM(s.Location, centroids[j]); d < bestDist {
					best, bestDist = j, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for j := 0; j < k; j++ {
			var members []core.Location
			for i, a := range assignments {
				if a == j {
					members = append(members, ordered[i].Location)
				}
			}
			if len(members) > 0 {
				centroids[j] = geo.Centroid(members)
			}
		}
	}

	grouped := make(map[int][]core.Stop)
	for i, a := range assignments {
		grouped[a] = append(grouped[a], ordered[i])
	}

	clusters := make([]Cluster, 0, k)
	for j := 0; j < k; j++ {
		if members, ok := grouped[j]; ok {
			clusters = append(clusters, finalize(len(clusters), members))
		}
	}
	return clusters
}
