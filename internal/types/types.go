// README: Shared value types used across modules (IDs, coordinates, live driver positions).
package types

import "time"

type ID string

func (id ID) String() string {
	return string(id)
}

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether p is the 0/0 sentinel used for "no coordinates".
func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

// LiveLocation is the most recent position pushed by a driver.
// Heading is degrees from north, Speed is km/h, Accuracy is metres.
type LiveLocation struct {
	DriverID   ID        `json:"driver_id"`
	Position   Point     `json:"position"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

// Age returns how old the sample is relative to now.
func (l LiveLocation) Age(now time.Time) time.Duration {
	return now.Sub(l.CapturedAt)
}
