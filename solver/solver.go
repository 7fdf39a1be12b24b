// Package solver assigns stops to vehicles and orders them under capacity,
// time-window and shift constraints. The pipeline is parallel cheapest
// insertion for the initial solution followed by guided local search, all
// bounded by a wall-clock deadline. When no feasible solution emerges the
// deterministic nearest-neighbor fallback is used and the result carries a
// lowered optimization score.
package solver

import (
	"context"
	"time"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/geo"
)

// Mode selects the optimization objective.
type Mode string

const (
	ModeDistance Mode = "distance"
	ModeTime     Mode = "time"
	ModeFuel     Mode = "fuel"
)

// Problem is one VRP instance, typically a single geographic cluster.
type Problem struct {
	Stops    []core.Stop
	Vehicles []core.Vehicle
	Depot    core.Location
	Mode     Mode

	// StartTime anchors the schedule; the time-of-day speed profile is
	// baked into the time matrix relative to it at solve start.
	StartTime time.Time

	// Budget caps the wall clock for this instance. Zero means the dynamic
	// per-cluster budget min(30s, 5s + 0.1s·|stops|).
	Budget time.Duration
}

// VehicleRoute is one vehicle's ordered execution. LegKM[i] is the road
// distance from the previous point (the depot for i == 0) to Stops[i],
// taken from the same matrix the solve costed against.
type VehicleRoute struct {
	Vehicle    core.Vehicle
	Stops      []core.Stop
	Arrivals   []time.Time
	LegKM      []float64
	DistanceKM float64
	Minutes    int
}

// Solution is the solver output. Unassigned stops are surfaced, never
// dropped.
type Solution struct {
	Routes     []VehicleRoute
	Unassigned []core.Stop
	DistanceKM float64
	Score      float64
	Optimized  bool
	Warnings   []string
}

// MatrixProvider supplies road distances; geo.Oracle satisfies it.
type MatrixProvider interface {
	DistanceMatrix(ctx context.Context, points []core.Location) ([][]int, error)
}

// Solver holds the shared collaborators for solving instances.
type Solver struct {
	matrix  MatrixProvider
	profile geo.SpeedProfile
	logger  core.Logger
}

// New creates a Solver. matrix may be nil, in which case haversine
// distances with the default road factor are used.
func New(matrix MatrixProvider, profile geo.SpeedProfile, logger core.Logger) *Solver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if profile.SpeedsKMH == nil {
		profile = geo.DefaultSpeedProfile(core.RoutingConfig{PeakFactor: 1.5})
	}
	return &Solver{matrix: matrix, profile: profile, logger: logger}
}

// DynamicBudget returns the per-cluster wall-clock budget for n stops:
// min(30s, 5s + 0.1s·n).
func DynamicBudget(n int) time.Duration {
	budget := 5*time.Second + time.Duration(n)*100*time.Millisecond
	if budget > 30*time.Second {
		budget = 30 * time.Second
	}
	return budget
}

// Solve runs the full pipeline for one instance.
func (s *Solver) Solve(ctx context.Context, p Problem) (*Solution, error) {
	if len(p.Stops) == 0 {
		return &Solution{Score: 1, Optimized: true}, nil
	}
	if len(p.Vehicles) == 0 {
		return &Solution{
			Unassigned: p.Stops,
			Warnings:   []string{"no vehicles available"},
		}, nil
	}

	budget := p.Budget
	if budget <= 0 {
		budget = DynamicBudget(len(p.Stops))
	}
	deadline := time.Now().Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	inst, err := s.build(ctx, p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	state := inst.cheapestInsertion(deadline)

	if len(state.assigned()) == 0 && len(p.Stops) > 0 {
		// Nothing could be inserted feasibly; fall back.
		fb := inst.nearestNeighborFallback()
		sol := inst.solution(fb, false)
		sol.Warnings = append(sol.Warnings, "no feasible insertion; nearest-neighbor fallback used")
		return sol, nil
	}

	improved := inst.guidedLocalSearch(state, deadline)

	sol := inst.solution(state, improved)
	s.logger.Debug("VRP solve finished", map[string]interface{}{
		"stops":       len(p.Stops),
		"vehicles":    len(p.Vehicles),
		"unassigned":  len(sol.Unassigned),
		"distance_km": sol.DistanceKM,
		"score":       sol.Score,
		"elapsed_ms":  time.Since(start).Milliseconds(),
	})
	return sol, nil
}
