// README: Order service implements the assignment-facing state transitions.
package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/infra"
	"dispatch/internal/types"
)

// Roster is the slice of the driver roster the order flow needs.
type Roster interface {
	DecrementActive(ctx context.Context, id types.ID) error
	CompleteDelivery(ctx context.Context, id types.ID, at time.Time) error
}

type Service struct {
	store       *Store
	roster      Roster
	tx          infra.TxManager
	log         *zap.Logger
	maxRequeues int
}

func NewService(store *Store, roster Roster, tx infra.TxManager, log *zap.Logger, maxRequeues int) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, roster: roster, tx: tx, log: log, maxRequeues: maxRequeues}
}

type CreateCommand struct {
	CustomerID types.ID
	Pickup     types.Point
	Delivery   types.Point
	Urgent     bool
	// Ready creates the order directly in the ready state.
	Ready bool
}

type ReleaseCommand struct {
	OrderID  types.ID
	DriverID types.ID
	Reason   string
}

type CancelCommand struct {
	OrderID types.ID
	Reason  string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.CustomerID == "" {
		return "", ErrBadRequest
	}
	now := time.Now()
	o := &Order{
		ID:         newID(),
		CustomerID: cmd.CustomerID,
		Status:     StatusPending,
		Pickup:     cmd.Pickup,
		Delivery:   cmd.Delivery,
		Urgent:     cmd.Urgent,
		CreatedAt:  now,
	}
	if cmd.Ready {
		o.Status = StatusReady
		o.ReadyAt = &now
	}
	if err := s.store.Create(ctx, o); err != nil {
		return "", err
	}
	s.appendEvent(ctx, &Event{OrderID: o.ID, FromStatus: StatusNone, ToStatus: o.Status, CreatedAt: now})
	return o.ID, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// MarkReady moves a pending order into the matchable pool.
func (s *Service) MarkReady(ctx context.Context, id types.ID) error {
	return s.transition(ctx, id, StatusReady, nil, "")
}

// Release clears the binding of an assigned order and frees the driver's slot.
func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) error {
	if cmd.OrderID == "" || cmd.DriverID == "" {
		return ErrBadRequest
	}
	return s.tx.Do(ctx, func(ctx context.Context) error {
		ok, err := s.store.Unbind(ctx, cmd.OrderID, cmd.DriverID)
		if err != nil {
			return err
		}
		if !ok {
			return s.classifyMiss(ctx, cmd.OrderID)
		}
		if err := s.roster.DecrementActive(ctx, cmd.DriverID); err != nil {
			return fmt.Errorf("free driver slot: %w", err)
		}
		return s.store.AppendEvent(ctx, &Event{
			OrderID:    cmd.OrderID,
			FromStatus: StatusAssigned,
			ToStatus:   StatusReady,
			DriverID:   &cmd.DriverID,
			Reason:     cmd.Reason,
			CreatedAt:  time.Now(),
		})
	})
}

func (s *Service) PickUp(ctx context.Context, id, driverID types.ID) error {
	return s.transition(ctx, id, StatusPickedUp, &driverID, "")
}

func (s *Service) Deliver(ctx context.Context, id, driverID types.ID) error {
	return s.tx.Do(ctx, func(ctx context.Context) error {
		if err := s.transition(ctx, id, StatusDelivered, &driverID, ""); err != nil {
			return err
		}
		return s.roster.CompleteDelivery(ctx, driverID, time.Now())
	})
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	return s.tx.Do(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, cmd.OrderID, StatusCancelled, nil, cmd.Reason); err != nil {
			return err
		}
		if o.Status == StatusAssigned && o.DriverID != nil {
			return s.roster.DecrementActive(ctx, *o.DriverID)
		}
		return nil
	})
}

// RecordAssignmentFailure requeues an order after matching gave up on it. It
// reports true when the order exceeded its requeue budget and is now failed.
func (s *Service) RecordAssignmentFailure(ctx context.Context, id types.ID, reason string) (bool, error) {
	count, status, err := s.store.RecordAssignmentFailure(ctx, id, reason, s.maxRequeues)
	if err != nil {
		return false, err
	}
	failed := status == StatusFailed
	to := StatusReady
	if failed {
		to = StatusFailed
	}
	s.appendEvent(ctx, &Event{OrderID: id, FromStatus: StatusReady, ToStatus: to, Reason: reason, CreatedAt: time.Now()})
	s.log.Info("assignment failure recorded",
		zap.String("order_id", string(id)),
		zap.Int("requeues", count),
		zap.Bool("failed", failed),
		zap.String("reason", reason),
	)
	return failed, nil
}

func (s *Service) ListActiveByDriver(ctx context.Context, driverID types.ID) ([]Order, error) {
	return s.store.ListActiveByDriver(ctx, driverID)
}

func (s *Service) ListStaleReady(ctx context.Context, waitedFor time.Duration, limit int) ([]Order, error) {
	return s.store.ListStaleReady(ctx, time.Now().Add(-waitedFor), limit)
}

func (s *Service) transition(ctx context.Context, id types.ID, to Status, driverID *types.ID, reason string) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, to) {
		return ErrInvalidState
	}
	if driverID != nil && !o.BoundTo(*driverID) {
		return ErrConflict
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, to, o.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.appendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   to,
		DriverID:   o.DriverID,
		Reason:     reason,
		CreatedAt:  time.Now(),
	})
	return nil
}

// classifyMiss explains why a conditional update touched no rows.
func (s *Service) classifyMiss(ctx context.Context, id types.ID) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *Service) appendEvent(ctx context.Context, e *Event) {
	if err := s.store.AppendEvent(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("append order event", zap.String("order_id", string(e.OrderID)), zap.Error(err))
	}
}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}
