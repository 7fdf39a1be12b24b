package solver

import (
	"context"
	"math"
	"time"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/geo"
)

const (
	defaultMaxShift = 480 * time.Minute
	maxWait         = 30 * time.Minute
)

// instance is one prepared solve: distance and time matrices over
// [depot, stop 1..n], plus the cost weights.
type instance struct {
	p       Problem
	distKM  [][]float64 // point index 0 is the depot, stop i is index i+1
	timeMin [][]int
	weights CostWeights

	baseline    float64
	baselineSet bool
}

// state is a candidate solution: per-vehicle ordered stop indices.
type state struct {
	routes [][]int // indices into p.Stops
}

func (s *state) clone() *state {
	routes := make([][]int, len(s.routes))
	for i, r := range s.routes {
		routes[i] = append([]int(nil), r...)
	}
	return &state{routes: routes}
}

func (s *state) assigned() map[int]bool {
	out := make(map[int]bool)
	for _, r := range s.routes {
		for _, idx := range r {
			out[idx] = true
		}
	}
	return out
}

// build prepares the matrices. The time matrix bakes the time-of-day speed
// profile at solve start.
func (s *Solver) build(ctx context.Context, p Problem) (*instance, error) {
	points := make([]core.Location, 0, len(p.Stops)+1)
	points = append(points, p.Depot)
	for _, stop := range p.Stops {
		points = append(points, stop.Location)
	}

	n := len(points)
	distKM := make([][]float64, n)

	if s.matrix != nil {
		meters, err := s.matrix.DistanceMatrix(ctx, points)
		if err != nil {
			return nil, err
		}
		for i := range distKM {
			distKM[i] = make([]float64, n)
			for j := range distKM[i] {
				distKM[i][j] = float64(meters[i][j]) / 1000.0
			}
		}
	} else {
		for i := range distKM {
			distKM[i] = make([]float64, n)
			for j := range distKM[i] {
				if i != j {
					distKM[i][j] = geo.HaversineKM(points[i], points[j]) * 1.3
				}
			}
		}
	}

	timeMin := make([][]int, n)
	for i := range timeMin {
		timeMin[i] = make([]int, n)
		for j := range timeMin[i] {
			if i != j {
				timeMin[i][j] = s.profile.TravelMinutes(distKM[i][j], p.StartTime)
			}
		}
	}

	return &instance{
		p:       p,
		distKM:  distKM,
		timeMin: timeMin,
		weights: WeightsFor(p.Mode),
	}, nil
}

// schedule walks a sequence and returns its distance, duration and arrival
// times, or ok=false when a time window or the shift limit is violated.
// Waiting before a window opens is allowed up to 30 minutes; service time
// is incurred upon arrival.
func (in *instance) schedule(v core.Vehicle, seq []int) (distanceKM float64, minutes int, arrivals []time.Time, ok bool) {
	maxShift := v.MaxShift
	if maxShift <= 0 {
		maxShift = defaultMaxShift
	}

	now := in.p.StartTime
	cur := 0 // depot
	arrivals = make([]time.Time, 0, len(seq))

	for _, stopIdx := range seq {
		point := stopIdx + 1
		distanceKM += in.distKM[cur][point]
		arrive := now.Add(time.Duration(in.timeMin[cur][point]) * time.Minute)

		w := in.p.Stops[stopIdx].Window
		if !w.Start.IsZero() && arrive.Before(w.Start) {
			if w.Start.Sub(arrive) > maxWait {
				return 0, 0, nil, false
			}
			arrive = w.Start
		}
		if !w.End.IsZero() && arrive.After(w.End) {
			return 0, 0, nil, false
		}

		arrivals = append(arrivals, arrive)
		now = arrive.Add(in.p.Stops[stopIdx].ServiceTime)
		cur = point
	}

	// Return leg to the depot.
	if len(seq) > 0 {
		distanceKM += in.distKM[cur][0]
		now = now.Add(time.Duration(in.timeMin[cur][0]) * time.Minute)
	}

	minutes = int(now.Sub(in.p.StartTime) / time.Minute)
	if time.Duration(minutes)*time.Minute > maxShift {
		return 0, 0, nil, false
	}
	return distanceKM, minutes, arrivals, true
}

// capacityFeasible checks per-product demand against the vehicle capacity.
// A nil capacity map means unconstrained.
func (in *instance) capacityFeasible(v core.Vehicle, seq []int) bool {
	if v.Capacity == nil {
		return true
	}
	load := make(map[string]int)
	for _, stopIdx := range seq {
		for product, qty := range in.p.Stops[stopIdx].Demand {
			load[product] += qty
		}
	}
	for product, qty := range load {
		if qty > v.Capacity[product] {
			return false
		}
	}
	return true
}

// feasible combines capacity and schedule checks.
func (in *instance) feasible(vehicleIdx int, seq []int) bool {
	v := in.p.Vehicles[vehicleIdx]
	if !in.capacityFeasible(v, seq) {
		return false
	}
	_, _, _, ok := in.schedule(v, seq)
	return ok
}

// routeCost is the weighted cost of one route.
func (in *instance) routeCost(vehicleIdx int, seq []int) float64 {
	dist, minutes, _, ok := in.schedule(in.p.Vehicles[vehicleIdx], seq)
	if !ok {
		return math.Inf(1)
	}
	return in.weights.Distance*dist + in.weights.Time*float64(minutes)
}

// cost is the full weighted objective including disjunction penalties for
// unassigned stops.
func (in *instance) cost(st *state) float64 {
	total := 0.0
	for vi, seq := range st.routes {
		total += in.routeCost(vi, seq)
	}
	assigned := st.assigned()
	for i, stop := range in.p.Stops {
		if !assigned[i] {
			total += in.weights.Priority * disjunctionPenalty(stop.Priority)
		}
	}
	return total
}

// solution materializes a state, computes the score, and applies the
// deterministic output ordering.
func (in *instance) solution(st *state, optimized bool) *Solution {
	sol := &Solution{Optimized: optimized}

	assigned := st.assigned()
	for i, stop := range in.p.Stops {
		if !assigned[i] {
			sol.Unassigned = append(sol.Unassigned, stop)
		}
	}

	for vi, seq := range st.routes {
		if len(seq) == 0 {
			continue
		}
		dist, minutes, arrivals, ok := in.schedule(in.p.Vehicles[vi], seq)
		if !ok {
			// Should not happen for a state built through feasible moves.
			continue
		}
		route := VehicleRoute{
			Vehicle:    in.p.Vehicles[vi],
			Arrivals:   arrivals,
			DistanceKM: dist,
			Minutes:    minutes,
		}
		cur := 0
		for _, stopIdx := range seq {
			route.Stops = append(route.Stops, in.p.Stops[stopIdx])
			route.LegKM = append(route.LegKM, in.distKM[cur][stopIdx+1])
			cur = stopIdx + 1
		}
		sol.Routes = append(sol.Routes, route)
		sol.DistanceKM += dist
	}

	sol.Score = in.score(st, optimized)
	return sol
}

// score combines assignment completeness with route efficiency measured
// against the nearest-neighbor baseline. Fallback (non-optimized) results
// are capped at 0.5 so callers can tell them apart.
func (in *instance) score(st *state, optimized bool) float64 {
	assigned := len(st.assigned())
	total := len(in.p.Stops)
	if total == 0 {
		return 1
	}
	ratio := float64(assigned) / float64(total)

	actual := 0.0
	for vi, seq := range st.routes {
		if dist, _, _, ok := in.schedule(in.p.Vehicles[vi], seq); ok {
			actual += dist
		}
	}

	efficiency := 1.0
	if actual > 0 {
		baseline := in.baselineDistance()
		if baseline > 0 {
			efficiency = math.Min(1, baseline/actual)
		}
	}

	score := 0.5*ratio + 0.5*efficiency
	if !optimized {
		score = math.Min(score, 0.5)
	}
	return score
}
