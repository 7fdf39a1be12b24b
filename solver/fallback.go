package solver

import "math"

// nearestNeighborFallback greedily fills vehicles in order, repeatedly
// appending the nearest unassigned stop that stays feasible. It is fully
// deterministic and is used both as the emergency fallback and as the
// efficiency baseline for scoring.
func (in *instance) nearestNeighborFallback() *state {
	st := &state{routes: make([][]int, len(in.p.Vehicles))}
	remaining := make(map[int]bool, len(in.p.Stops))
	for i := range in.p.Stops {
		remaining[i] = true
	}

	for vi := range in.p.Vehicles {
		cur := 0 // depot
		for {
			bestStop, bestDist := -1, math.Inf(1)
			for i := range in.p.Stops {
				if !remaining[i] {
					continue
				}
				d := in.distKM[cur][i+1]
				if d < bestDist || (d == bestDist && (bestStop == -1 || i < bestStop)) {
					trial := append(append([]int(nil), st.routes[vi]...), i)
					if !in.feasible(vi, trial) {
						continue
					}
					bestStop, bestDist = i, d
				}
			}
			if bestStop == -1 {
				break
			}
			st.routes[vi] = append(st.routes[vi], bestStop)
			delete(remaining, bestStop)
			cur = bestStop + 1
		}
	}
	return st
}

// baselineDistance is the nearest-neighbor tour length, computed once per
// instance.
func (in *instance) baselineDistance() float64 {
	if in.baselineSet {
		return in.baseline
	}
	st := in.nearestNeighborFallback()
	total := 0.0
	for vi, seq := range st.routes {
		if dist, _, _, ok := in.schedule(in.p.Vehicles[vi], seq); ok {
			total += dist
		}
	}
	in.baseline = total
	in.baselineSet = true
	return total
}
