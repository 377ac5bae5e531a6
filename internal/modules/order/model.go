// README: Order aggregate, status definitions and the state machine.
package order

import (
	"errors"
	"time"

	"dispatch/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusAssigned  Status = "assigned"
	StatusPickedUp  Status = "picked_up"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("order not found")
	ErrConflict     = errors.New("order state conflict")
	ErrBadRequest   = errors.New("bad request")
	// ErrContention is returned when a row lock could not be taken within lock_timeout.
	ErrContention = errors.New("order row locked by another transaction")
)

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	DriverID      *types.ID
	Status        Status
	StatusVersion int
	Pickup        types.Point
	Delivery      types.Point
	Urgent        bool
	RequeueCount  int
	FailureReason *string
	CreatedAt     time.Time
	ReadyAt       *time.Time
	AssignedAt    *time.Time
	PickedUpAt    *time.Time
	DeliveredAt   *time.Time
	CancelledAt   *time.Time
}

// BoundTo reports whether the order is currently held by driverID.
func (o *Order) BoundTo(driverID types.ID) bool {
	return o.DriverID != nil && *o.DriverID == driverID
}

// Target is where the bound driver is heading next: pickup before collection, delivery after.
func (o *Order) Target() types.Point {
	if o.Status == StatusPickedUp {
		return o.Delivery
	}
	return o.Pickup
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	DriverID   *types.ID
	Reason     string
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:  {StatusReady, StatusCancelled},
	StatusReady:    {StatusAssigned, StatusCancelled, StatusFailed},
	StatusAssigned: {StatusPickedUp, StatusReady, StatusCancelled},
	StatusPickedUp: {StatusDelivered, StatusFailed},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusFailed:
		return true
	}
	return false
}
