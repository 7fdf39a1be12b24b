package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openroute/gasflow/core"
)

// OrderRepo persists orders and their line items. Status transitions are
// serialized through the order's row lock.
type OrderRepo struct {
	router *Router
	logger core.Logger
}

func NewOrderRepo(router *Router, logger core.Logger) *OrderRepo {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OrderRepo{router: router, logger: logger}
}

const orderColumns = `id, order_number, customer_id, status, payment_status,
	scheduled_date, total_amount, final_amount, created_at, updated_at`

// Create inserts the order and its line items in one transaction.
func (r *OrderRepo) Create(ctx context.Context, o *core.Order) error {
	tx, err := r.router.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return &core.DomainError{Op: "store.OrderRepo.Create", Kind: "transient", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	if o.Status == "" {
		o.Status = core.OrderPending
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, customer_id, status, payment_status,
			scheduled_date, total_amount, final_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.OrderNumber, o.CustomerID, o.Status, o.PaymentStatus,
		o.ScheduledDate, o.TotalAmount, o.FinalAmount, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return &core.DomainError{Op: "store.OrderRepo.Create", Kind: "transient", ID: o.ID, Err: err}
	}

	for _, item := range o.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, gas_product_id, product_code, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, item.GasProductID, item.ProductCode, item.Quantity, item.UnitPrice)
		if err != nil {
			return &core.DomainError{Op: "store.OrderRepo.Create", Kind: "transient", ID: o.ID, Err: err}
		}
	}
	return tx.Commit()
}

// GetByID returns the order with its line items pre-loaded.
func (r *OrderRepo) GetByID(ctx context.Context, id string) (*core.Order, error) {
	db := r.router.Reader()

	var o core.Order
	err := db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.DomainError{Op: "store.OrderRepo.GetByID", Kind: "not_found", ID: id, Err: core.ErrOrderNotFound}
	}
	if err != nil {
		return nil, &core.DomainError{Op: "store.OrderRepo.GetByID", Kind: "transient", ID: id, Err: err}
	}

	items, err := r.itemsFor(ctx, db, []string{id})
	if err != nil {
		return nil, err
	}
	o.Items = items[id]
	return &o, nil
}

// UpdateStatus moves an order through its state machine under a row lock.
func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, to core.OrderStatus) error {
	tx, err := r.router.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return &core.DomainError{Op: "store.OrderRepo.UpdateStatus", Kind: "transient", Err: err}
	}
	defer tx.Rollback()

	var current core.OrderStatus
	err = tx.GetContext(ctx, &current, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.DomainError{Op: "store.OrderRepo.UpdateStatus", Kind: "not_found", ID: id, Err: core.ErrOrderNotFound}
	}
	if err != nil {
		return &core.DomainError{Op: "store.OrderRepo.UpdateStatus", Kind: "transient", ID: id, Err: err}
	}

	if !current.CanTransitionTo(to) {
		return &core.DomainError{
			Op:      "store.OrderRepo.UpdateStatus",
			Kind:    "validation",
			ID:      id,
			Message: string(current) + " -> " + string(to),
			Err:     core.ErrInvalidStatusTransition,
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		to, time.Now().UTC(), id)
	if err != nil {
		return &core.DomainError{Op: "store.OrderRepo.UpdateStatus", Kind: "transient", ID: id, Err: err}
	}
	return tx.Commit()
}

// ConfirmedByDate lists confirmed orders scheduled for the given date with
// their line items pre-loaded, for day assembly.
func (r *OrderRepo) ConfirmedByDate(ctx context.Context, date time.Time) ([]core.Order, error) {
	db := r.router.Reader()

	var orders []core.Order
	err := db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND scheduled_date = $2
		ORDER BY created_at`, core.OrderConfirmed, date)
	if err != nil {
		return nil, &core.DomainError{Op: "store.OrderRepo.ConfirmedByDate", Kind: "transient", Err: err}
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := r.itemsFor(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (r *OrderRepo) itemsFor(ctx context.Context, db *sqlx.DB, orderIDs []string) (map[string][]core.OrderItem, error) {
	query, args, err := sqlx.In(`
		SELECT order_id, gas_product_id, product_code, quantity, unit_price
		FROM order_items WHERE order_id IN (?) ORDER BY order_id, product_code`, orderIDs)
	if err != nil {
		return nil, &core.DomainError{Op: "store.OrderRepo.itemsFor", Kind: "fatal", Err: err}
	}

	var items []core.OrderItem
	if err := db.SelectContext(ctx, &items, db.Rebind(query), args...); err != nil {
		return nil, &core.DomainError{Op: "store.OrderRepo.itemsFor", Kind: "transient", Err: err}
	}

	out := make(map[string][]core.OrderItem, len(orderIDs))
	for _, item := range items {
		out[item.OrderID] = append(out[item.OrderID], item)
	}
	return out, nil
}
