package maps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dispatch/internal/types"
)

func TestLatLng(t *testing.T) {
	assert.Equal(t, "25.034000,121.564500", latLng(types.Point{Lat: 25.034, Lng: 121.5645}))
	assert.Equal(t, "-33.868800,151.209300", latLng(types.Point{Lat: -33.8688, Lng: 151.2093}))
}

func TestDepartureTime(t *testing.T) {
	assert.Equal(t, "now", departureTime(time.Time{}))
	assert.Equal(t, "now", departureTime(time.Now().Add(-time.Minute)))

	future := time.Now().Add(time.Hour).Truncate(time.Second)
	assert.NotEqual(t, "now", departureTime(future))
}

func TestNewRouteService_RequiresKey(t *testing.T) {
	_, err := NewRouteService("")
	assert.Error(t, err)
}
