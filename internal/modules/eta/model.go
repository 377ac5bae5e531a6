// README: ETA estimate value and errors.
package eta

import (
	"errors"
	"time"
)

var (
	ErrLocationNotFound    = errors.New("driver location not found")
	ErrProviderUnavailable = errors.New("routing provider unavailable")
	ErrInvalidDestination  = errors.New("invalid destination")
)

type Source string

const (
	SourceProvider  Source = "provider"
	SourceHeuristic Source = "heuristic"
)

type Estimate struct {
	ETA        time.Time     `json:"eta"`
	Duration   time.Duration `json:"duration"`
	DistanceKm float64       `json:"distance_km"`
	Source     Source        `json:"source"`
	// Degraded is set when the provider was configured but could not answer.
	Degraded bool `json:"degraded"`
}

// Minutes rounds the duration up to whole minutes.
func (e Estimate) Minutes() int {
	m := int(e.Duration / time.Minute)
	if e.Duration%time.Minute != 0 {
		m++
	}
	return m
}
