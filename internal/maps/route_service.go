// README: Google Maps Directions client used as the ETA routing provider.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"dispatch/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// TravelDuration returns the driving duration (in traffic when available) and distance in km.
func (s *RouteService) TravelDuration(ctx context.Context, origin, destination types.Point, departAt time.Time) (time.Duration, float64, error) {
	r := &maps.DirectionsRequest{
		Origin:        latLng(origin),
		Destination:   latLng(destination),
		Mode:          maps.TravelModeDriving,
		DepartureTime: departureTime(departAt),
		TrafficModel:  maps.TrafficModelBestGuess,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	d := leg.Duration
	if leg.DurationInTraffic > 0 {
		d = leg.DurationInTraffic
	}
	return d, float64(leg.Distance.Meters) / 1000.0, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

// departureTime renders a unix timestamp; the API rejects past times, so those become "now".
func departureTime(t time.Time) string {
	if t.IsZero() || t.Before(time.Now()) {
		return "now"
	}
	return strconv.FormatInt(t.Unix(), 10)
}
