// README: Distance/speed heuristic with region speeds, time-of-day traffic factors and a stop buffer.
package eta

import (
	"math"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/geo"
	"dispatch/internal/types"
)

const (
	DefaultUrbanSpeedKmh = 30.0
	bufferPerKm          = 30 * time.Second
	maxBuffer            = 10 * time.Minute
)

// Region overrides the base speed inside a circle.
type Region struct {
	Name     string
	Center   types.Point
	RadiusKm float64
	SpeedKmh float64
}

// RegionsFromConfig converts configured speed regions.
func RegionsFromConfig(cfg []config.SpeedRegion) []Region {
	out := make([]Region, 0, len(cfg))
	for _, r := range cfg {
		out = append(out, Region{
			Name:     r.Name,
			Center:   types.Point{Lat: r.Lat, Lng: r.Lng},
			RadiusKm: r.RadiusKm,
			SpeedKmh: r.SpeedKmh,
		})
	}
	return out
}

type Heuristic struct {
	regions      []Region
	defaultSpeed float64
}

func NewHeuristic(defaultSpeedKmh float64, regions ...Region) *Heuristic {
	if defaultSpeedKmh <= 0 {
		defaultSpeedKmh = DefaultUrbanSpeedKmh
	}
	return &Heuristic{regions: regions, defaultSpeed: defaultSpeedKmh}
}

// BaseSpeed returns the speed of the first region containing p, or the default.
func (h *Heuristic) BaseSpeed(p types.Point) float64 {
	for _, r := range h.regions {
		if r.SpeedKmh > 0 && geo.Within(r.Center, p, r.RadiusKm) {
			return r.SpeedKmh
		}
	}
	return h.defaultSpeed
}

// Estimate computes now + travel time + stop buffer.
func (h *Heuristic) Estimate(from, to types.Point, now time.Time) Estimate {
	distance := geo.HaversineKm(from, to)
	speed := h.BaseSpeed(from) * TrafficFactor(now)

	travel := time.Duration(distance / speed * float64(time.Hour))
	total := travel + StopBuffer(distance)
	return Estimate{
		ETA:        now.Add(total),
		Duration:   total,
		DistanceKm: distance,
		Source:     SourceHeuristic,
	}
}

// TrafficFactor scales the base speed by hour of day; below 1 is slower.
func TrafficFactor(t time.Time) float64 {
	h := t.Hour()
	weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday

	if h >= 22 || h < 6 {
		return 1.25
	}
	if weekend {
		if h >= 9 && h < 21 {
			return 0.85
		}
		return 1.0
	}
	switch {
	case (h >= 7 && h < 10) || (h >= 17 && h < 20):
		return 0.6
	case h >= 10 && h < 17:
		return 0.85
	}
	return 1.0
}

// StopBuffer adds handling time proportional to distance, capped.
func StopBuffer(distanceKm float64) time.Duration {
	if distanceKm <= 0 || math.IsNaN(distanceKm) {
		return 0
	}
	b := time.Duration(distanceKm * float64(bufferPerKm))
	if b > maxBuffer {
		return maxBuffer
	}
	return b
}
