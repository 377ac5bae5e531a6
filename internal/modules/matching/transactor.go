// README: Assignment transactor; binds order and driver capacity in one short transaction.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatch/internal/infra"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

type OrderBinder interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Bind(ctx context.Context, orderID, driverID types.ID, lockTimeout time.Duration) (bool, error)
	AppendEvent(ctx context.Context, e *order.Event) error
}

type Capacity interface {
	IncrementActive(ctx context.Context, id types.ID, limit int) (bool, error)
}

type Transactor struct {
	tx          infra.TxManager
	orders      OrderBinder
	capacity    Capacity
	lockTimeout time.Duration
}

func NewTransactor(tx infra.TxManager, orders OrderBinder, capacity Capacity, lockTimeout time.Duration) *Transactor {
	return &Transactor{tx: tx, orders: orders, capacity: capacity, lockTimeout: lockTimeout}
}

// Assign binds driverID to orderID and takes one of the driver's slots. It
// returns ErrAlreadyAssigned when the order is not bindable and
// ErrDriverUnavailable when the driver has no free slot; neither leaves a
// partial write behind.
func (t *Transactor) Assign(ctx context.Context, orderID, driverID types.ID, limit int) error {
	return t.tx.Do(ctx, func(ctx context.Context) error {
		bound, err := t.orders.Bind(ctx, orderID, driverID, t.lockTimeout)
		if errors.Is(err, order.ErrContention) {
			return ErrAlreadyAssigned
		}
		if err != nil {
			return fmt.Errorf("bind order: %w", err)
		}
		if !bound {
			if _, err := t.orders.Get(ctx, orderID); errors.Is(err, order.ErrNotFound) {
				return err
			}
			return ErrAlreadyAssigned
		}

		ok, err := t.capacity.IncrementActive(ctx, driverID, limit)
		if err != nil {
			return fmt.Errorf("reserve driver slot: %w", err)
		}
		if !ok {
			return ErrDriverUnavailable
		}

		return t.orders.AppendEvent(ctx, &order.Event{
			OrderID:    orderID,
			FromStatus: order.StatusReady,
			ToStatus:   order.StatusAssigned,
			DriverID:   &driverID,
			Reason:     "matched",
			CreatedAt:  time.Now(),
		})
	})
}
