// Package dispatch turns a day's confirmed orders into persisted routes.
// The orchestrator assembles stops, clusters them, fans the clusters out to
// the solver with bounded parallelism, balances vehicle workloads, and
// materializes the result while streaming progress milestones to
// subscribers. A total solver failure degrades to round-robin assignment
// rather than an error.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openroute/gasflow/cluster"
	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/geo"
	"github.com/openroute/gasflow/solver"
)

// OrderSource supplies the day's confirmed orders; store.OrderRepo
// satisfies it.
type OrderSource interface {
	ConfirmedByDate(ctx context.Context, date time.Time) ([]core.Order, error)
}

// CustomerSource resolves customers in bulk; store.CustomerRepo satisfies it.
type CustomerSource interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]core.Customer, error)
}

// RouteStore persists materialized routes; store.RouteRepo satisfies it.
type RouteStore interface {
	CreateWithStops(ctx context.Context, route *core.Route) error
	UpdateStatus(ctx context.Context, id string, from, to core.RouteStatus) error
}

// RouteSolver solves one cluster instance; *solver.Solver satisfies it.
type RouteSolver interface {
	Solve(ctx context.Context, p solver.Problem) (*solver.Solution, error)
}

// Options tunes one orchestrator instance.
type Options struct {
	Depot core.Location
	Mode  solver.Mode

	// MaxParallel bounds concurrent cluster solves. Default 4.
	MaxParallel int

	// EarlyAcceptRatio is the fraction of cluster tasks whose completion
	// marks the 80% milestone. Default 0.8.
	EarlyAcceptRatio float64

	// ClusterBudget overrides the dynamic per-cluster wall clock. Zero
	// keeps min(30s, 5s + 0.1s per stop).
	ClusterBudget time.Duration
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Orders    OrderSource
	Customers CustomerSource
	Routes    RouteStore
	Clusterer *cluster.Clusterer
	Solver    RouteSolver
	Business  core.BusinessConfig
	Routing   core.RoutingConfig
	Logger    core.Logger
}

// Result is the outcome of one optimization request. Status is
// "optimized", "partial" (some orders unassigned) or "planned" (solver
// failed entirely, round-robin fallback).
type Result struct {
	OptimizationID   string
	Status           string
	Routes           []core.Route
	UnassignedOrders []string
	Warnings         []string
	Score            float64
}

// Orchestrator coordinates one optimization request end to end.
type Orchestrator struct {
	orders    OrderSource
	customers CustomerSource
	routes    RouteStore
	clusterer *cluster.Clusterer
	solver    RouteSolver
	business  core.BusinessConfig
	routing   core.RoutingConfig
	logger    core.Logger
	opts      Options
	progress  *broadcaster

	mu       sync.Mutex
	runs     map[string]*runState
	routeSeq map[string]int // date -> last issued route number
}

// runState remembers enough of a finished optimization to re-solve
// affected clusters when live status updates arrive.
type runState struct {
	date     time.Time
	clusters []cluster.Cluster
	fleet    [][]core.Vehicle
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.EarlyAcceptRatio <= 0 || opts.EarlyAcceptRatio > 1 {
		opts.EarlyAcceptRatio = 0.8
	}
	if opts.Mode == "" {
		opts.Mode = solver.ModeDistance
	}
	return &Orchestrator{
		orders:    deps.Orders,
		customers: deps.Customers,
		routes:    deps.Routes,
		clusterer: deps.Clusterer,
		solver:    deps.Solver,
		business:  deps.Business,
		routing:   deps.Routing,
		logger:    deps.Logger,
		opts:      opts,
		progress:  newBroadcaster(),
		runs:      make(map[string]*runState),
		routeSeq:  make(map[string]int),
	}
}

// Subscribe returns a progress event channel and its cancel function.
func (o *Orchestrator) Subscribe() (<-chan ProgressEvent, func()) {
	return o.progress.Subscribe()
}

// Optimize runs the full pipeline for one delivery date.
func (o *Orchestrator) Optimize(ctx context.Context, date time.Time, vehicles []core.Vehicle) (*Result, error) {
	optID := uuid.NewString()
	result := &Result{OptimizationID: optID, Status: "optimized"}
	o.progress.emit(optID, 0, "optimization queued")

	stops, warnings, err := o.assembleStops(ctx, date)
	if err != nil {
		return nil, err
	}
	result.Warnings = warnings
	o.progress.emit(optID, 10, fmt.Sprintf("assembled %d stops", len(stops)))

	if len(stops) == 0 {
		o.progress.emit(optID, 100, "no confirmed orders for date")
		result.Score = 1
		return result, nil
	}
	if len(vehicles) == 0 {
		o.progress.emit(optID, 100, "no vehicles available")
		result.Status = "partial"
		for _, s := range stops {
			result.UnassignedOrders = append(result.UnassignedOrders, s.OrderID)
		}
		result.Warnings = append(result.Warnings, "no vehicles available")
		return result, nil
	}

	clusters := o.clusterer.Constrained(stops, cluster.ConstrainedOptions{
		MaxClusterSize: o.business.MaxStopsPerRoute,
	})
	o.progress.emit(optID, 20, fmt.Sprintf("grouped into %d clusters", len(clusters)))

	fleet := distributeVehicles(clusters, vehicles)
	o.progress.emit(optID, 30, "solving clusters")

	solutions, solveWarnings := o.solveClusters(ctx, optID, date, clusters, fleet)
	result.Warnings = append(result.Warnings, solveWarnings...)

	var (
		routes     []solver.VehicleRoute
		unassigned []core.Stop
		failed     int
		weighted   float64
		solvedN    int
	)
	for i, sol := range solutions {
		if sol == nil {
			failed++
			unassigned = append(unassigned, clusters[i].Stops...)
			continue
		}
		routes = append(routes, sol.Routes...)
		unassigned = append(unassigned, sol.Unassigned...)
		result.Warnings = append(result.Warnings, sol.Warnings...)
		weighted += sol.Score * float64(len(clusters[i].Stops))
		solvedN += len(clusters[i].Stops)
	}

	if failed == len(clusters) {
		// Nothing solved: degrade to an even round-robin so drivers still
		// get a plan.
		routes = o.roundRobin(stops, vehicles)
		unassigned = nil
		result.Status = "planned"
		result.Score = 0
		result.Warnings = append(result.Warnings, "solver failed for all clusters; round-robin fallback applied")
		o.logger.Error("Optimization fell back to round-robin", map[string]interface{}{
			"optimization_id": optID,
			"clusters":        len(clusters),
		})
	} else if solvedN > 0 {
		result.Score = weighted / float64(solvedN)
	}

	routes = o.rebalance(routes, o.opts.Depot)

	for _, s := range unassigned {
		result.UnassignedOrders = append(result.UnassignedOrders, s.OrderID)
	}
	if result.Status == "optimized" && len(result.UnassignedOrders) > 0 {
		result.Status = "partial"
	}

	persisted, err := o.materialize(ctx, date, routes, result)
	if err != nil {
		return nil, err
	}
	result.Routes = persisted

	o.mu.Lock()
	o.runs[optID] = &runState{date: date, clusters: clusters, fleet: fleet}
	o.mu.Unlock()

	o.progress.emit(optID, 100, fmt.Sprintf("materialized %d routes (%s)", len(persisted), result.Status))
	o.logger.Info("Optimization finished", map[string]interface{}{
		"optimization_id": optID,
		"status":          result.Status,
		"routes":          len(persisted),
		"unassigned":      len(result.UnassignedOrders),
		"score":           result.Score,
	})
	return result, nil
}

// solveClusters fans cluster instances out to the solver with bounded
// parallelism. A nil entry marks a failed cluster. Milestones 40/50/80
// track completed task fractions; 80 is the early-accept threshold.
func (o *Orchestrator) solveClusters(ctx context.Context, optID string, date time.Time, clusters []cluster.Cluster, fleet [][]core.Vehicle) ([]*solver.Solution, []string) {
	solutions := make([]*solver.Solution, len(clusters))
	warnings := make([]string, 0)
	var warnMu sync.Mutex
	var done int64

	start := time.Date(date.Year(), date.Month(), date.Day(), o.business.DeliveryStartHour, 0, 0, 0, date.Location())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxParallel)
	for i := range clusters {
		g.Go(func() error {
			defer func() {
				frac := float64(atomic.AddInt64(&done, 1)) / float64(len(clusters))
				switch {
				case frac >= o.opts.EarlyAcceptRatio:
					o.progress.emit(optID, 80, "accepting solve")
				case frac >= 0.5:
					o.progress.emit(optID, 50, "half of clusters solved")
				case frac >= 0.25:
					o.progress.emit(optID, 40, "solving clusters")
				}
			}()

			if len(fleet[i]) == 0 {
				warnMu.Lock()
				warnings = append(warnings, fmt.Sprintf("cluster %d: no vehicle available", clusters[i].ID))
				warnMu.Unlock()
				solutions[i] = &solver.Solution{Unassigned: clusters[i].Stops}
				return nil
			}

			sol, err := o.solver.Solve(gctx, solver.Problem{
				Stops:     clusters[i].Stops,
				Vehicles:  fleet[i],
				Depot:     o.opts.Depot,
				Mode:      o.opts.Mode,
				StartTime: start,
				Budget:    o.clusterBudget(len(clusters[i].Stops)),
			})
			if err != nil {
				warnMu.Lock()
				warnings = append(warnings, fmt.Sprintf("cluster %d: solve failed: %v", clusters[i].ID, err))
				warnMu.Unlock()
				return nil
			}
			solutions[i] = sol
			return nil
		})
	}
	// Workers only report failures through the solutions slice.
	_ = g.Wait()
	return solutions, warnings
}

func (o *Orchestrator) clusterBudget(stops int) time.Duration {
	if o.opts.ClusterBudget > 0 {
		return o.opts.ClusterBudget
	}
	return solver.DynamicBudget(stops)
}

// distributeVehicles splits the fleet across clusters proportionally to
// stop counts, biggest cluster first. With fewer vehicles than clusters the
// smallest clusters go without and their stops surface as unassigned.
func distributeVehicles(clusters []cluster.Cluster, vehicles []core.Vehicle) [][]core.Vehicle {
	fleet := make([][]core.Vehicle, len(clusters))
	if len(clusters) == 0 || len(vehicles) == 0 {
		return fleet
	}

	order := make([]int, len(clusters))
	total := 0
	for i := range clusters {
		order[i] = i
		total += len(clusters[i].Stops)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(clusters[order[a]].Stops) > len(clusters[order[b]].Stops)
	})

	assigned := 0
	for _, ci := range order {
		if assigned >= len(vehicles) {
			break
		}
		share := len(vehicles) * len(clusters[ci].Stops) / total
		if share < 1 {
			share = 1
		}
		if share > len(vehicles)-assigned {
			share = len(vehicles) - assigned
		}
		fleet[ci] = vehicles[assigned : assigned+share]
		assigned += share
	}
	// Leftovers strengthen the biggest cluster.
	if assigned < len(vehicles) {
		fleet[order[0]] = append(append([]core.Vehicle(nil), fleet[order[0]]...), vehicles[assigned:]...)
	}
	return fleet
}

// roundRobin deals stops to vehicles in rotation, ignoring optimality.
func (o *Orchestrator) roundRobin(stops []core.Stop, vehicles []core.Vehicle) []solver.VehicleRoute {
	routes := make([]solver.VehicleRoute, len(vehicles))
	for i, v := range vehicles {
		routes[i].Vehicle = v
	}
	for i, s := range stops {
		vi := i % len(vehicles)
		routes[vi].Stops = append(routes[vi].Stops, s)
	}
	out := routes[:0]
	for i := range routes {
		if len(routes[i].Stops) > 0 {
			o.recost(&routes[i], o.opts.Depot)
			out = append(out, routes[i])
		}
	}
	return out
}

// materialize persists one core.Route per non-empty vehicle route. Route
// numbers are unique per date; status follows the result status.
func (o *Orchestrator) materialize(ctx context.Context, date time.Time, routes []solver.VehicleRoute, result *Result) ([]core.Route, error) {
	status := core.RouteOptimized
	if result.Status == "planned" {
		status = core.RoutePlanned
	}

	roadFactor := o.routing.RoadFactor
	if roadFactor < 1 {
		roadFactor = 1.3
	}

	// Route numbers are reserved up front so they stay unique per date
	// across optimization and re-optimization runs.
	nonEmpty := 0
	for _, vr := range routes {
		if len(vr.Stops) > 0 {
			nonEmpty++
		}
	}
	dateKey := date.Format("20060102")
	o.mu.Lock()
	n := o.routeSeq[dateKey]
	o.routeSeq[dateKey] = n + nonEmpty
	o.mu.Unlock()

	persisted := make([]core.Route, 0, nonEmpty)
	for _, vr := range routes {
		if len(vr.Stops) == 0 {
			continue
		}
		n++
		route := core.Route{
			ID:                uuid.NewString(),
			RouteNumber:       fmt.Sprintf("%s-%02d", dateKey, n),
			Date:              date,
			DriverID:          vr.Vehicle.DriverID,
			Status:            status,
			TotalDistanceKM:   vr.DistanceKM,
			EstimatedDuration: time.Duration(vr.Minutes) * time.Minute,
			OptimizationScore: result.Score,
		}

		prev := o.opts.Depot
		for i, stop := range vr.Stops {
			arrival := time.Time{}
			if i < len(vr.Arrivals) {
				arrival = vr.Arrivals[i]
			}
			// Persist the leg distance the solve costed against; the
			// haversine approximation only covers routes built without one.
			leg := geo.HaversineKM(prev, stop.Location) * roadFactor
			if i < len(vr.LegKM) {
				leg = vr.LegKM[i]
			}
			route.Stops = append(route.Stops, core.RouteStop{
				RouteID:            route.ID,
				OrderID:            stop.OrderID,
				Sequence:           i + 1,
				EstimatedArrival:   arrival,
				ServiceDuration:    stop.ServiceTime,
				DistanceFromPrevKM: leg,
			})
			prev = stop.Location
		}

		if err := o.routes.CreateWithStops(ctx, &route); err != nil {
			return nil, err
		}
		persisted = append(persisted, route)
	}
	return persisted, nil
}

// Reoptimize re-solves the clusters of a finished optimization that
// contain the given orders, typically after a live status update. New
// routes are materialized as optimized; existing routes are left to the
// caller to retire.
func (o *Orchestrator) Reoptimize(ctx context.Context, optimizationID string, orderIDs []string) (*Result, error) {
	o.mu.Lock()
	run, ok := o.runs[optimizationID]
	o.mu.Unlock()
	if !ok {
		return nil, &core.DomainError{Op: "dispatch.Reoptimize", Kind: "not_found",
			ID: optimizationID, Err: core.ErrNotFound}
	}

	affected := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		affected[id] = true
	}
	var clusters []cluster.Cluster
	var fleet [][]core.Vehicle
	for i, cl := range run.clusters {
		for _, s := range cl.Stops {
			if affected[s.OrderID] {
				clusters = append(clusters, cl)
				fleet = append(fleet, run.fleet[i])
				break
			}
		}
	}
	if len(clusters) == 0 {
		return &Result{OptimizationID: optimizationID, Status: "optimized", Score: 1}, nil
	}

	reID := uuid.NewString()
	result := &Result{OptimizationID: reID, Status: "optimized"}
	o.progress.emit(reID, 0, fmt.Sprintf("re-solving %d clusters", len(clusters)))

	solutions, warnings := o.solveClusters(ctx, reID, run.date, clusters, fleet)
	result.Warnings = warnings

	var routes []solver.VehicleRoute
	var weighted float64
	var solvedN int
	for i, sol := range solutions {
		if sol == nil {
			result.Status = "partial"
			for _, s := range clusters[i].Stops {
				result.UnassignedOrders = append(result.UnassignedOrders, s.OrderID)
			}
			continue
		}
		routes = append(routes, sol.Routes...)
		for _, s := range sol.Unassigned {
			result.UnassignedOrders = append(result.UnassignedOrders, s.OrderID)
		}
		weighted += sol.Score * float64(len(clusters[i].Stops))
		solvedN += len(clusters[i].Stops)
	}
	if solvedN > 0 {
		result.Score = weighted / float64(solvedN)
	}
	if len(result.UnassignedOrders) > 0 {
		result.Status = "partial"
	}

	persisted, err := o.materialize(ctx, run.date, routes, result)
	if err != nil {
		return nil, err
	}
	result.Routes = persisted
	o.progress.emit(reID, 100, fmt.Sprintf("re-materialized %d routes", len(persisted)))
	return result, nil
}

// StartRoute transitions a route from optimized to in_progress. The
// orchestrator owns this transition; stop-level updates drive the rest of
// the lifecycle.
func (o *Orchestrator) StartRoute(ctx context.Context, routeID string) error {
	return o.routes.UpdateStatus(ctx, routeID, core.RouteOptimized, core.RouteInProgress)
}
