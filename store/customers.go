package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openroute/gasflow/core"
)

// CustomerRepo reads and mutates delivery accounts.
type CustomerRepo struct {
	router *Router
	logger core.Logger
}

func NewCustomerRepo(router *Router, logger core.Logger) *CustomerRepo {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CustomerRepo{router: router, logger: logger}
}

type customerRow struct {
	ID              string    `db:"id"`
	Code            string    `db:"customer_code"`
	Name            string    `db:"name"`
	Address         string    `db:"address"`
	Lat             float64   `db:"lat"`
	Lng             float64   `db:"lng"`
	CreditLimit     float64   `db:"credit_limit"`
	CurrentBalance  float64   `db:"current_balance"`
	IsCreditBlocked bool      `db:"is_credit_blocked"`
	IsTerminated    bool      `db:"is_terminated"`
	IsRestaurant    bool      `db:"is_restaurant"`
	Area            string    `db:"area"`
	WindowStart     int       `db:"delivery_start_hour"`
	WindowEnd       int       `db:"delivery_end_hour"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (row customerRow) toCustomer() core.Customer {
	return core.Customer{
		ID:              row.ID,
		Code:            row.Code,
		Name:            row.Name,
		Address:         row.Address,
		Location:        core.Location{Lat: row.Lat, Lng: row.Lng},
		CreditLimit:     row.CreditLimit,
		CurrentBalance:  row.CurrentBalance,
		IsCreditBlocked: row.IsCreditBlocked,
		IsTerminated:    row.IsTerminated,
		IsRestaurant:    row.IsRestaurant,
		Area:            row.Area,
		DeliveryWindow:  core.ClockWindow{StartHour: row.WindowStart, EndHour: row.WindowEnd},
		UpdatedAt:       row.UpdatedAt,
	}
}

const customerColumns = `id, customer_code, name, address, lat, lng,
	credit_limit, current_balance, is_credit_blocked, is_terminated,
	is_restaurant, area, delivery_start_hour, delivery_end_hour, updated_at`

func (r *CustomerRepo) GetByID(ctx context.Context, id string) (*core.Customer, error) {
	var row customerRow
	err := r.router.Reader().GetContext(ctx, &row,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DomainError{Op: "store.CustomerRepo.GetByID", Kind: "not_found", ID: id, Err: core.ErrCustomerNotFound}
	}
	if err != nil {
		return nil, &core.DomainError{Op: "store.CustomerRepo.GetByID", Kind: "transient", ID: id, Err: err}
	}
	c := row.toCustomer()
	return &c, nil
}

// GetByIDs returns the customers keyed by id; missing ids are simply absent.
func (r *CustomerRepo) GetByIDs(ctx context.Context, ids []string) (map[string]core.Customer, error) {
	if len(ids) == 0 {
		return map[string]core.Customer{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+customerColumns+` FROM customers WHERE id IN (?)`, ids)
	if err != nil {
		return nil, &core.DomainError{Op: "store.CustomerRepo.GetByIDs", Kind: "fatal", Err: err}
	}

	db := r.router.Reader()
	var rows []customerRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, &core.DomainError{Op: "store.CustomerRepo.GetByIDs", Kind: "transient", Err: err}
	}

	out := make(map[string]core.Customer, len(rows))
	for _, row := range rows {
		out[row.ID] = row.toCustomer()
	}
	return out, nil
}

// AdjustBalance applies a delta to the customer's running balance under the
// row lock. Credit policy is enforced by the caller before the mutation.
func (r *CustomerRepo) AdjustBalance(ctx context.Context, id string, delta float64) error {
	tx, err := r.router.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return &core.DomainError{Op: "store.CustomerRepo.AdjustBalance", Kind: "transient", Err: err}
	}
	defer tx.Rollback()

	var balance float64
	err = tx.GetContext(ctx, &balance, `SELECT current_balance FROM customers WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.DomainError{Op: "store.CustomerRepo.AdjustBalance", Kind: "not_found", ID: id, Err: core.ErrCustomerNotFound}
	}
	if err != nil {
		return &core.DomainError{Op: "store.CustomerRepo.AdjustBalance", Kind: "transient", ID: id, Err: err}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE customers SET current_balance = $1, updated_at = $2 WHERE id = $3`,
		balance+delta, time.Now().UTC(), id)
	if err != nil {
		return &core.DomainError{Op: "store.CustomerRepo.AdjustBalance", Kind: "transient", ID: id, Err: err}
	}
	return tx.Commit()
}
