// README: Location update, acknowledgement and snapshot types.
package location

import (
	"errors"
	"time"

	"dispatch/internal/types"
)

var (
	ErrInvalidLocation = errors.New("invalid location")
	ErrClockSkew       = errors.New("location timestamp too far in the future")
	ErrStaleLocation   = errors.New("location sample is stale")
)

type Update struct {
	DriverID   types.ID
	Position   types.Point
	Heading    float64
	Speed      float64
	Accuracy   float64
	CapturedAt time.Time
}

type Ack struct {
	DriverID   types.ID  `json:"driver_id"`
	Accepted   bool      `json:"accepted"`
	CapturedAt time.Time `json:"captured_at"`
	// Superseded is set when a newer sample was already stored.
	Superseded bool `json:"superseded,omitempty"`
	Snapshot   bool `json:"snapshot,omitempty"`
	ETAUpdates int  `json:"eta_updates,omitempty"`
}

type Snapshot struct {
	ID         int64
	DriverID   types.ID
	Position   types.Point
	Heading    float64
	Speed      float64
	Accuracy   float64
	CapturedAt time.Time
	RecordedAt time.Time
}

// Nearby is a live location with its distance from a search center.
type Nearby struct {
	Location   types.LiveLocation
	DistanceKm float64
}

// Fresh reports whether l was captured within maxAge of now.
func Fresh(l types.LiveLocation, now time.Time, maxAge time.Duration) bool {
	return maxAge <= 0 || l.Age(now) <= maxAge
}
