package solver

import (
	"math"
	"time"
)

// edge is an undirected arc between two point indices (0 = depot).
type edge struct{ a, b int }

func mkEdge(a, b int) edge {
	if a > b {
		a, b = b, a
	}
	return edge{a, b}
}

// routeEdges lists the point edges a sequence traverses, including the
// depot legs.
func (in *instance) routeEdges(seq []int) []edge {
	if len(seq) == 0 {
		return nil
	}
	edges := make([]edge, 0, len(seq)+1)
	cur := 0
	for _, stopIdx := range seq {
		edges = append(edges, mkEdge(cur, stopIdx+1))
		cur = stopIdx + 1
	}
	edges = append(edges, mkEdge(cur, 0))
	return edges
}

// augRouteCost is the route cost plus the GLS penalty term.
func (in *instance) augRouteCost(vi int, seq []int, pen map[edge]float64, lambda float64) float64 {
	cost := in.routeCost(vi, seq)
	if math.IsInf(cost, 1) {
		return cost
	}
	for _, e := range in.routeEdges(seq) {
		cost += lambda * pen[e]
	}
	return cost
}

// guidedLocalSearch improves st in place until the deadline. Returns true
// only if at least one full penalty pass completed, which is what the
// Optimized flag reports.
func (in *instance) guidedLocalSearch(st *state, deadline time.Time) bool {
	pen := make(map[edge]float64)
	lambda := in.glsLambda(st)

	best := st.clone()
	bestCost := in.cost(best)
	passes := 0

	for time.Now().Before(deadline) {
		in.descend(st, pen, lambda, deadline)

		if c := in.cost(st); c < bestCost {
			bestCost = c
			best = st.clone()
		}
		if time.Now().After(deadline) {
			break
		}
		passes++
		in.penalizeWorstEdge(st, pen)
	}

	st.routes = best.routes
	return passes >= 1
}

// glsLambda scales penalties to a fraction of the average edge cost.
func (in *instance) glsLambda(st *state) float64 {
	total, edges := 0.0, 0
	for vi, seq := range st.routes {
		c := in.routeCost(vi, seq)
		if !math.IsInf(c, 1) {
			total += c
			edges += len(seq) + 1
		}
	}
	if edges == 0 || total == 0 {
		return 1
	}
	return 0.2 * total / float64(edges)
}

// penalizeWorstEdge bumps the penalty on the edge with maximal GLS utility
// length/(1+penalty) in the current solution.
func (in *instance) penalizeWorstEdge(st *state, pen map[edge]float64) {
	var worst edge
	worstUtil := -1.0
	for _, seq := range st.routes {
		for _, e := range in.routeEdges(seq) {
			util := in.distKM[e.a][e.b] / (1 + pen[e])
			if util > worstUtil {
				worstUtil = util
				worst = e
			}
		}
	}
	if worstUtil > 0 {
		pen[worst]++
	}
}

// descend runs first-improvement local search (insert unassigned, relocate,
// 2-opt) on the augmented objective until no move improves or time is up.
func (in *instance) descend(st *state, pen map[edge]float64, lambda float64, deadline time.Time) {
	for {
		if time.Now().After(deadline) {
			return
		}
		if in.tryInsertUnassigned(st) {
			continue
		}
		if in.tryRelocate(st, pen, lambda, deadline) {
			continue
		}
		if in.tryTwoOpt(st, pen, lambda, deadline) {
			continue
		}
		return
	}
}

// tryInsertUnassigned inserts one unassigned stop at its cheapest feasible
// position. Removing a disjunction penalty always pays for a feasible
// insertion.
func (in *instance) tryInsertUnassigned(st *state) bool {
	assigned := st.assigned()
	best := candidate{delta: math.Inf(1), priority: math.MinInt32}
	for i := range in.p.Stops {
		if assigned[i] {
			continue
		}
		if c := in.bestInsertion(st, i); c.valid() && c.better(best) {
			best = c
		}
	}
	if !best.valid() {
		return false
	}
	seq := st.routes[best.vi]
	trial := make([]int, 0, len(seq)+1)
	trial = append(trial, seq[:best.pos]...)
	trial = append(trial, best.stopIdx)
	trial = append(trial, seq[best.pos:]...)
	st.routes[best.vi] = trial
	return true
}

// tryRelocate moves one stop to a cheaper feasible position in any route.
func (in *instance) tryRelocate(st *state, pen map[edge]float64, lambda float64, deadline time.Time) bool {
	for a := range st.routes {
		for i := 0; i < len(st.routes[a]); i++ {
			if time.Now().After(deadline) {
				return false
			}
			stopIdx := st.routes[a][i]
			removed := append(append([]int(nil), st.routes[a][:i]...), st.routes[a][i+1:]...)
			baseA := in.augRouteCost(a, st.routes[a], pen, lambda)
			removedCost := in.augRouteCost(a, removed, pen, lambda)

			for b := range st.routes {
				target := st.routes[b]
				if b == a {
					target = removed
				}
				baseB := in.augRouteCost(b, target, pen, lambda)
				for pos := 0; pos <= len(target); pos++ {
					if b == a && pos == i {
						continue
					}
					trial := make([]int, 0, len(target)+1)
					trial = append(trial, target[:pos]...)
					trial = append(trial, stopIdx)
					trial = append(trial, target[pos:]...)
					if !in.feasible(b, trial) {
						continue
					}
					var gain float64
					if b == a {
						gain = baseA - in.augRouteCost(a, trial, pen, lambda)
					} else {
						gain = (baseA + baseB) - (removedCost + in.augRouteCost(b, trial, pen, lambda))
					}
					if gain > 1e-9 {
						if b == a {
							st.routes[a] = trial
						} else {
							st.routes[a] = removed
							st.routes[b] = trial
						}
						return true
					}
				}
			}
		}
	}
	return false
}

// tryTwoOpt reverses one intra-route segment when that lowers the
// augmented cost and stays feasible.
func (in *instance) tryTwoOpt(st *state, pen map[edge]float64, lambda float64, deadline time.Time) bool {
	for vi, seq := range st.routes {
		if len(seq) < 3 {
			continue
		}
		base := in.augRouteCost(vi, seq, pen, lambda)
		for i := 0; i < len(seq)-1; i++ {
			if time.Now().After(deadline) {
				return false
			}
			for j := i + 1; j < len(seq); j++ {
				trial := append([]int(nil), seq...)
				for l, r := i, j; l < r; l, r = l+1, r-1 {
					trial[l], trial[r] = trial[r], trial[l]
				}
				if !in.feasible(vi, trial) {
					continue
				}
				if base-in.augRouteCost(vi, trial, pen, lambda) > 1e-9 {
					st.routes[vi] = trial
					return true
				}
			}
		}
	}
	return false
}
