// README: Order store backed by PostgreSQL; compare-and-set transitions, joins a context transaction when present.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/infra"
	"dispatch/internal/types"
)

// SQLSTATE lock_not_available, raised when lock_timeout elapses.
const pgLockNotAvailable = "55P03"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const orderColumns = `
	id, customer_id, driver_id, status, status_version,
	pickup_lat, pickup_lng, delivery_lat, delivery_lng,
	urgent, requeue_count, failure_reason,
	created_at, ready_at, assigned_at, picked_up_at, delivered_at, cancelled_at`

func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, driver_id, status, status_version,
			pickup_lat, pickup_lng, delivery_lat, delivery_lng,
			urgent, created_at, ready_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(o.ID),
		string(o.CustomerID),
		toStringPtr(o.DriverID),
		string(o.Status),
		o.StatusVersion,
		o.Pickup.Lat, o.Pickup.Lng,
		o.Delivery.Lat, o.Delivery.Lng,
		o.Urgent,
		o.CreatedAt,
		o.ReadyAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := infra.TxorDB(ctx, s.db).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Bind atomically attaches driverID to a ready, unbound order. It reports
// false when the order is missing, already bound, or not ready. When called
// inside a transaction, lockTimeout bounds the wait for the row lock.
func (s *Store) Bind(ctx context.Context, orderID, driverID types.ID, lockTimeout time.Duration) (bool, error) {
	q := infra.TxorDB(ctx, s.db)
	if lockTimeout > 0 && infra.InTx(ctx) {
		if _, err := q.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", lockTimeout.Milliseconds())); err != nil {
			return false, fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	tag, err := q.Exec(ctx, `
		UPDATE orders
		SET driver_id = $2,
		    status = 'assigned',
		    status_version = status_version + 1,
		    assigned_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'ready' AND driver_id IS NULL`,
		string(orderID), string(driverID),
	)
	if err != nil {
		if isLockTimeout(err) {
			return false, ErrContention
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Unbind returns an assigned order held by driverID to ready.
func (s *Store) Unbind(ctx context.Context, orderID, driverID types.ID) (bool, error) {
	tag, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		UPDATE orders
		SET driver_id = NULL,
		    status = 'ready',
		    status_version = status_version + 1,
		    ready_at = NOW(),
		    assigned_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND driver_id = $2 AND status = 'assigned'`,
		string(orderID), string(driverID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus is an optimistic compare-and-set on (status, status_version).
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	tag, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    ready_at = CASE WHEN $1 = 'ready' THEN NOW() ELSE ready_at END,
		    picked_up_at = CASE WHEN $1 = 'picked_up' THEN NOW() ELSE picked_up_at END,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN NOW() ELSE delivered_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAssignmentFailure bumps the requeue counter of a still-unbound ready
// order and moves it to failed once the counter exceeds maxRequeues.
func (s *Store) RecordAssignmentFailure(ctx context.Context, id types.ID, reason string, maxRequeues int) (int, Status, error) {
	var count int
	var status string
	err := infra.TxorDB(ctx, s.db).QueryRow(ctx, `
		UPDATE orders
		SET requeue_count = requeue_count + 1,
		    failure_reason = $2,
		    status = CASE WHEN requeue_count + 1 > $3 THEN 'failed' ELSE status END,
		    status_version = status_version + 1,
		    ready_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'ready' AND driver_id IS NULL
		RETURNING requeue_count, status`,
		string(id), reason, maxRequeues,
	).Scan(&count, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", ErrConflict
	}
	if err != nil {
		return 0, "", err
	}
	return count, Status(status), nil
}

func (s *Store) ListActiveByDriver(ctx context.Context, driverID types.ID) ([]Order, error) {
	rows, err := infra.TxorDB(ctx, s.db).Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE driver_id = $1 AND status IN ('assigned', 'picked_up')
		ORDER BY assigned_at`, string(driverID))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListStaleReady returns unbound ready orders that have waited since before cutoff, urgent first.
func (s *Store) ListStaleReady(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	rows, err := infra.TxorDB(ctx, s.db).Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'ready' AND driver_id IS NULL AND ready_at < $1
		ORDER BY urgent DESC, ready_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		INSERT INTO order_events (
			order_id, from_status, to_status, driver_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		toStringPtr(e.DriverID),
		e.Reason,
		e.CreatedAt,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := infra.TxorDB(ctx, s.db).Query(ctx, `
		SELECT id, order_id, from_status, to_status, driver_id, COALESCE(reason, ''), created_at
		FROM order_events WHERE order_id = $1 ORDER BY id`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var oid, from, to string
		var driverID *string
		if err := rows.Scan(&e.ID, &oid, &from, &to, &driverID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OrderID = types.ID(oid)
		e.FromStatus = Status(from)
		e.ToStatus = Status(to)
		if driverID != nil {
			d := types.ID(*driverID)
			e.DriverID = &d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var id, customerID, status string
	var driverID *string
	err := row.Scan(
		&id, &customerID, &driverID, &status, &o.StatusVersion,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Delivery.Lat, &o.Delivery.Lng,
		&o.Urgent, &o.RequeueCount, &o.FailureReason,
		&o.CreatedAt, &o.ReadyAt, &o.AssignedAt, &o.PickedUpAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.CustomerID = types.ID(customerID)
	o.Status = Status(status)
	if driverID != nil {
		d := types.ID(*driverID)
		o.DriverID = &d
	}
	return &o, nil
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
