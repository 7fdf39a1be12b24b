package solver

import (
	"math"
	"sync"
	"time"
)

// candidate is one evaluated insertion: stop stopIdx into vehicle vi at
// position pos, costing delta.
type candidate struct {
	stopIdx  int
	vi       int
	pos      int
	delta    float64
	priority int
	routeLen int
	firstLat float64
}

func (c candidate) valid() bool { return !math.IsInf(c.delta, 1) }

// better orders candidates: higher priority first, then lower delta, then
// deterministic tie-breaks (shorter route, lowest first-stop latitude),
// then stable indices.
func (c candidate) better(o candidate) bool {
	if c.priority != o.priority {
		return c.priority > o.priority
	}
	if c.delta != o.delta {
		return c.delta < o.delta
	}
	if c.routeLen != o.routeLen {
		return c.routeLen < o.routeLen
	}
	if c.firstLat != o.firstLat {
		return c.firstLat < o.firstLat
	}
	if c.stopIdx != o.stopIdx {
		return c.stopIdx < o.stopIdx
	}
	if c.vi != o.vi {
		return c.vi < o.vi
	}
	return c.pos < o.pos
}

// bestInsertion finds the cheapest feasible insertion of one stop across
// all vehicles and positions.
func (in *instance) bestInsertion(st *state, stopIdx int) candidate {
	best := candidate{stopIdx: stopIdx, delta: math.Inf(1), priority: in.p.Stops[stopIdx].Priority}

	for vi, seq := range st.routes {
		base := in.routeCost(vi, seq)
		for pos := 0; pos <= len(seq); pos++ {
			trial := make([]int, 0, len(seq)+1)
			trial = append(trial, seq[:pos]...)
			trial = append(trial, stopIdx)
			trial = append(trial, seq[pos:]...)
			if !in.feasible(vi, trial) {
				continue
			}
			delta := in.routeCost(vi, trial) - base
			c := candidate{
				stopIdx:  stopIdx,
				vi:       vi,
				pos:      pos,
				delta:    delta,
				priority: in.p.Stops[stopIdx].Priority,
				routeLen: len(seq),
				firstLat: in.firstStopLat(trial),
			}
			if c.better(best) {
				best = c
			}
		}
	}
	return best
}

func (in *instance) firstStopLat(seq []int) float64 {
	if len(seq) == 0 {
		return 0
	}
	return in.p.Stops[seq[0]].Location.Lat
}

// cheapestInsertion builds the initial solution. Each round evaluates every
// unassigned stop's best insertion in parallel, then commits the globally
// best one; stops with no feasible insertion are dropped from the pool
// (routes only tighten as they fill, so infeasibility is permanent).
func (in *instance) cheapestInsertion(deadline time.Time) *state {
	st := &state{routes: make([][]int, len(in.p.Vehicles))}

	pool := make([]int, len(in.p.Stops))
	for i := range pool {
		pool[i] = i
	}

	for len(pool) > 0 && time.Now().Before(deadline) {
		candidates := make([]candidate, len(pool))
		var wg sync.WaitGroup
		for k, stopIdx := range pool {
			wg.Add(1)
			go func(k, stopIdx int) {
				defer wg.Done()
				candidates[k] = in.bestInsertion(st, stopIdx)
			}(k, stopIdx)
		}
		wg.Wait()

		best := candidate{delta: math.Inf(1), priority: math.MinInt32}
		next := pool[:0]
		for _, c := range candidates {
			if !c.valid() {
				continue
			}
			next = append(next, c.stopIdx)
			if c.better(best) {
				best = c
			}
		}
		pool = next

		if !best.valid() {
			break
		}
		seq := st.routes[best.vi]
		trial := make([]int, 0, len(seq)+1)
		trial = append(trial, seq[:best.pos]...)
		trial = append(trial, best.stopIdx)
		trial = append(trial, seq[best.pos:]...)
		st.routes[best.vi] = trial

		for k, stopIdx := range pool {
			if stopIdx == best.stopIdx {
				pool = append(pool[:k], pool[k+1:]...)
				break
			}
		}
	}
	return st
}
