// Package notify fans dispatch events out to external transports.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/types"
)

type EventType string

const (
	EventDriverAssigned   EventType = "driver_assigned"
	EventAssignmentFailed EventType = "assignment_failed"
	EventLocationUpdate   EventType = "location_update"
	EventETAUpdate        EventType = "eta_update"
)

type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OrderID    types.ID       `json:"order_id,omitempty"`
	DriverID   types.ID       `json:"driver_id,omitempty"`
	UserID     types.ID       `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func NewEvent(t EventType) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]any{},
	}
}

// RoutingKey is "<type>.<order id>", falling back to the driver id for driver-scoped events.
func (e Event) RoutingKey() string {
	subject := e.OrderID
	if subject == "" {
		subject = e.DriverID
	}
	return fmt.Sprintf("%s.%s", e.Type, subject)
}

// Publisher accepts events for asynchronous delivery.
type Publisher interface {
	Publish(e Event) error
}

// Sink delivers one event to one transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }
