package dispatch

import (
	"time"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/geo"
	"github.com/openroute/gasflow/solver"
)

const (
	overloadFactor     = 1.2
	underloadFactor    = 0.8
	maxRebalancePasses = 50
)

// workloadScore weighs a vehicle's load: 0.3 on stop count, 0.3 on demand,
// 0.4 on working time. Components are normalized against the fleet mean so
// the weights compare like with like.
func workloadScore(r solver.VehicleRoute, meanStops, meanDemand, meanMinutes float64) float64 {
	score := 0.0
	if meanStops > 0 {
		score += 0.3 * float64(len(r.Stops)) / meanStops
	}
	if meanDemand > 0 {
		score += 0.3 * float64(routeDemand(r)) / meanDemand
	}
	if meanMinutes > 0 {
		score += 0.4 * float64(r.Minutes) / meanMinutes
	}
	return score
}

func routeDemand(r solver.VehicleRoute) int {
	total := 0
	for _, s := range r.Stops {
		total += s.TotalDemand()
	}
	return total
}

// rebalance moves trailing stops from overloaded vehicles (score above
// 1.2x the mean) to underloaded ones (below 0.8x) until the fleet evens
// out or no legal move remains. Moves respect the receiver's capacity.
func (o *Orchestrator) rebalance(routes []solver.VehicleRoute, depot core.Location) []solver.VehicleRoute {
	if len(routes) < 2 {
		return routes
	}

	for pass := 0; pass < maxRebalancePasses; pass++ {
		meanStops, meanDemand, meanMinutes := fleetMeans(routes)
		scores := make([]float64, len(routes))
		meanScore := 0.0
		for i, r := range routes {
			scores[i] = workloadScore(r, meanStops, meanDemand, meanMinutes)
			meanScore += scores[i]
		}
		meanScore /= float64(len(routes))

		donor, receiver := -1, -1
		worst := overloadFactor * meanScore
		for i, s := range scores {
			if s > worst && len(routes[i].Stops) > 1 {
				worst = s
				donor = i
			}
		}
		if donor < 0 {
			break
		}
		best := underloadFactor * meanScore
		for i, s := range scores {
			if i != donor && s < best {
				best = s
				receiver = i
			}
		}
		if receiver < 0 {
			break
		}

		moved := routes[donor].Stops[len(routes[donor].Stops)-1]
		if !fitsCapacity(routes[receiver], moved) {
			break
		}
		routes[donor].Stops = routes[donor].Stops[:len(routes[donor].Stops)-1]
		routes[receiver].Stops = append(routes[receiver].Stops, moved)
		o.recost(&routes[donor], depot)
		o.recost(&routes[receiver], depot)
	}
	return routes
}

func fleetMeans(routes []solver.VehicleRoute) (stops, demand, minutes float64) {
	n := float64(len(routes))
	for _, r := range routes {
		stops += float64(len(r.Stops))
		demand += float64(routeDemand(r))
		minutes += float64(r.Minutes)
	}
	return stops / n, demand / n, minutes / n
}

// fitsCapacity reports whether the vehicle can absorb the stop on top of
// its current load. A nil capacity map means unlimited.
func fitsCapacity(r solver.VehicleRoute, stop core.Stop) bool {
	if r.Vehicle.Capacity == nil {
		return true
	}
	load := make(map[string]int)
	for _, s := range r.Stops {
		for code, qty := range s.Demand {
			load[code] += qty
		}
	}
	for code, qty := range stop.Demand {
		if load[code]+qty > r.Vehicle.Capacity[code] {
			return false
		}
	}
	return true
}

// recost recomputes distance, minutes and arrival estimates after a stop
// moved. Road distances are approximated from haversine with the winding
// factor; the solver's matrix is not re-queried here.
func (o *Orchestrator) recost(r *solver.VehicleRoute, depot core.Location) {
	r.DistanceKM = 0
	r.Arrivals = r.Arrivals[:0]
	r.LegKM = r.LegKM[:0]
	if len(r.Stops) == 0 {
		r.Minutes = 0
		return
	}

	roadFactor := o.routing.RoadFactor
	if roadFactor < 1 {
		roadFactor = 1.3
	}
	speed := 30.0 // km/h, conservative urban average

	at := depot
	clock := r.Stops[0].Window.Start
	minutes := 0
	for i := range r.Stops {
		leg := geo.HaversineKM(at, r.Stops[i].Location) * roadFactor
		travel := int(leg / speed * 60)
		r.DistanceKM += leg
		r.LegKM = append(r.LegKM, leg)
		minutes += travel
		clock = clock.Add(time.Duration(travel) * time.Minute)
		r.Arrivals = append(r.Arrivals, clock)
		clock = clock.Add(r.Stops[i].ServiceTime)
		minutes += int(r.Stops[i].ServiceTime / time.Minute)
		at = r.Stops[i].Location
	}
	back := geo.HaversineKM(at, depot) * roadFactor
	r.DistanceKM += back
	minutes += int(back / speed * 60)
	r.Minutes = minutes
}
