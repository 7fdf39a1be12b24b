package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openroute/gasflow/core"
)

// RouteRepo persists routes with their stop sequences. A route and its
// stops are written in one transaction, and the sequence numbers must form
// a contiguous permutation of 1..N.
type RouteRepo struct {
	router *Router
	logger core.Logger
}

func NewRouteRepo(router *Router, logger core.Logger) *RouteRepo {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RouteRepo{router: router, logger: logger}
}

// CreateWithStops validates sequence contiguity and inserts the route and
// every stop atomically.
func (r *RouteRepo) CreateWithStops(ctx context.Context, route *core.Route) error {
	if err := validateSequences(route.Stops); err != nil {
		return &core.DomainError{Op: "store.RouteRepo.CreateWithStops", Kind: "validation", ID: route.ID, Err: err}
	}

	tx, err := r.router.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return &core.DomainError{Op: "store.RouteRepo.CreateWithStops", Kind: "transient", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO routes (id, route_number, date, driver_id, status,
			total_distance_km, estimated_duration_minutes, polyline, optimization_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		route.ID, route.RouteNumber, route.Date, route.DriverID, route.Status,
		route.TotalDistanceKM, int(route.EstimatedDuration/time.Minute),
		route.Polyline, route.OptimizationScore)
	if err != nil {
		return &core.DomainError{Op: "store.RouteRepo.CreateWithStops", Kind: "transient", ID: route.ID, Err: err}
	}

	for _, stop := range route.Stops {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO route_stops (route_id, order_id, sequence,
				estimated_arrival, service_duration_minutes, distance_from_previous_km)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			route.ID, stop.OrderID, stop.Sequence,
			stop.EstimatedArrival, int(stop.ServiceDuration/time.Minute), stop.DistanceFromPrevKM)
		if err != nil {
			return &core.DomainError{Op: "store.RouteRepo.CreateWithStops", Kind: "transient", ID: route.ID, Err: err}
		}
	}
	return tx.Commit()
}

// validateSequences checks the 1..N contiguous permutation invariant.
func validateSequences(stops []core.RouteStop) error {
	seen := make(map[int]bool, len(stops))
	for _, s := range stops {
		if s.Sequence < 1 || s.Sequence > len(stops) {
			return fmt.Errorf("sequence %d out of range 1..%d: %w", s.Sequence, len(stops), core.ErrValidation)
		}
		if seen[s.Sequence] {
			return fmt.Errorf("duplicate sequence %d: %w", s.Sequence, core.ErrValidation)
		}
		seen[s.Sequence] = true
	}
	return nil
}

// UpdateStatus performs a compare-and-set status transition. The dispatch
// orchestrator owns optimized -> in_progress; stop updates push toward
// completed.
func (r *RouteRepo) UpdateStatus(ctx context.Context, id string, from, to core.RouteStatus) error {
	res, err := r.router.Writer().ExecContext(ctx,
		`UPDATE routes SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return &core.DomainError{Op: "store.RouteRepo.UpdateStatus", Kind: "transient", ID: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &core.DomainError{Op: "store.RouteRepo.UpdateStatus", Kind: "transient", ID: id, Err: err}
	}
	if n == 0 {
		return &core.DomainError{
			Op:      "store.RouteRepo.UpdateStatus",
			Kind:    "validation",
			ID:      id,
			Message: fmt.Sprintf("route is not in status %s", from),
			Err:     core.ErrInvalidStatusTransition,
		}
	}
	return nil
}

type routeRow struct {
	ID                string           `db:"id"`
	RouteNumber       string           `db:"route_number"`
	Date              time.Time        `db:"date"`
	DriverID          string           `db:"driver_id"`
	Status            core.RouteStatus `db:"status"`
	TotalDistanceKM   float64          `db:"total_distance_km"`
	DurationMinutes   int              `db:"estimated_duration_minutes"`
	Polyline          string           `db:"polyline"`
	OptimizationScore float64          `db:"optimization_score"`
}

type routeStopRow struct {
	RouteID            string    `db:"route_id"`
	OrderID            string    `db:"order_id"`
	Sequence           int       `db:"sequence"`
	EstimatedArrival   time.Time `db:"estimated_arrival"`
	ServiceMinutes     int       `db:"service_duration_minutes"`
	DistanceFromPrevKM float64   `db:"distance_from_previous_km"`
}

// GetByID returns a route with its stops in sequence order.
func (r *RouteRepo) GetByID(ctx context.Context, id string) (*core.Route, error) {
	db := r.router.Reader()

	var row routeRow
	err := db.GetContext(ctx, &row, `
		SELECT id, route_number, date, driver_id, status, total_distance_km,
			estimated_duration_minutes, polyline, optimization_score
		FROM routes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DomainError{Op: "store.RouteRepo.GetByID", Kind: "not_found", ID: id, Err: core.ErrRouteNotFound}
	}
	if err != nil {
		return nil, &core.DomainError{Op: "store.RouteRepo.GetByID", Kind: "transient", ID: id, Err: err}
	}

	var stopRows []routeStopRow
	err = db.SelectContext(ctx, &stopRows, `
		SELECT route_id, order_id, sequence, estimated_arrival,
			service_duration_minutes, distance_from_previous_km
		FROM route_stops WHERE route_id = $1 ORDER BY sequence`, id)
	if err != nil {
		return nil, &core.DomainError{Op: "store.RouteRepo.GetByID", Kind: "transient", ID: id, Err: err}
	}

	route := &core.Route{
		ID:                row.ID,
		RouteNumber:       row.RouteNumber,
		Date:              row.Date,
		DriverID:          row.DriverID,
		Status:            row.Status,
		TotalDistanceKM:   row.TotalDistanceKM,
		EstimatedDuration: time.Duration(row.DurationMinutes) * time.Minute,
		Polyline:          row.Polyline,
		OptimizationScore: row.OptimizationScore,
	}
	for _, s := range stopRows {
		route.Stops = append(route.Stops, core.RouteStop{
			RouteID:            s.RouteID,
			OrderID:            s.OrderID,
			Sequence:           s.Sequence,
			EstimatedArrival:   s.EstimatedArrival,
			ServiceDuration:    time.Duration(s.ServiceMinutes) * time.Minute,
			DistanceFromPrevKM: s.DistanceFromPrevKM,
		})
	}
	return route, nil
}
