package matching

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/geo"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/roster"
	"dispatch/internal/types"
)

func newTestFinder(w *world) *Finder {
	f := NewFinder(w, w)
	f.now = func() time.Time { return testNow }
	return f
}

func TestFinder_FiltersIneligible(t *testing.T) {
	w := newWorld()
	fresh := testNow.Add(-time.Minute)

	w.addDriver(onlineDriver("ok", 4.6), offset(pickup, 1), fresh)
	w.addDriver(onlineDriver("far", 4.9), offset(pickup, 8), fresh)
	w.addDriver(onlineDriver("lowrating", 3.5), offset(pickup, 1), fresh)
	w.addDriver(onlineDriver("stale", 4.9), offset(pickup, 1), testNow.Add(-time.Hour))
	busy := onlineDriver("busy", 4.9)
	busy.ActiveAssignments = 2
	w.addDriver(busy, offset(pickup, 1), fresh)
	offline := onlineDriver("offline", 4.9)
	offline.IsOnline = false
	w.addDriver(offline, offset(pickup, 1), fresh)
	inactive := onlineDriver("inactive", 4.9)
	inactive.IsActive = false
	w.addDriver(inactive, offset(pickup, 1), fresh)
	w.addDriver(onlineDriver("excluded", 4.9), offset(pickup, 1), fresh)
	// located but unknown to the roster
	w.locs["ghost"] = types.LiveLocation{DriverID: "ghost", Position: pickup, CapturedAt: fresh}

	req := AssignmentRequest{OrderID: "o1", Pickup: pickup}
	req.Exclude("excluded")
	crit := CriteriaFromConfig(testConfig())

	got, err := newTestFinder(w).Find(context.Background(), req, crit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", string(got[0].DriverID))
	assert.InDelta(t, 1.0, got[0].DistanceKm, 0.05)
}

// limitLog records the limit of every Nearby call.
type limitLog struct {
	*world
	limits []int
}

func (l *limitLog) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]location.Nearby, int, error) {
	l.limits = append(l.limits, limit)
	return l.world.Nearby(ctx, center, radiusKm, limit)
}

func TestFinder_LooksPastBusyNearestPage(t *testing.T) {
	w := newWorld()
	for i := 0; i < nearbyPage+50; i++ {
		busy := onlineDriver(types.ID(fmt.Sprintf("busy%03d", i)), 4.9)
		busy.ActiveAssignments = 2
		w.addDriver(busy, offset(pickup, 0.5+float64(i)*0.005), testNow)
	}
	w.addDriver(onlineDriver("free", 4.5), offset(pickup, 3), testNow)

	locator := &limitLog{world: w}
	f := NewFinder(locator, w)
	f.now = func() time.Time { return testNow }

	got, err := f.Find(context.Background(), AssignmentRequest{OrderID: "o1", Pickup: pickup}, CriteriaFromConfig(testConfig()))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ID("free"), got[0].DriverID)
	assert.Equal(t, []int{nearbyPage, nearbyPage * 4}, locator.limits)
}

func TestFinder_SinglePageWhenIndexExhausted(t *testing.T) {
	w := newWorld()
	busy := onlineDriver("busy", 4.9)
	busy.ActiveAssignments = 2
	w.addDriver(busy, offset(pickup, 1), testNow)

	locator := &limitLog{world: w}
	f := NewFinder(locator, w)
	f.now = func() time.Time { return testNow }

	got, err := f.Find(context.Background(), AssignmentRequest{OrderID: "o1", Pickup: pickup}, CriteriaFromConfig(testConfig()))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []int{nearbyPage}, locator.limits)
}

func TestFinder_UrgentWidensRadius(t *testing.T) {
	w := newWorld()
	w.addDriver(onlineDriver("d6", 4.6), offset(pickup, 6), testNow)
	crit := CriteriaFromConfig(testConfig())
	f := newTestFinder(w)

	got, err := f.Find(context.Background(), AssignmentRequest{OrderID: "o", Pickup: pickup}, crit)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.Find(context.Background(), AssignmentRequest{OrderID: "o", Pickup: pickup, Urgent: true}, crit)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFinder_ReferencePointOverridesPickup(t *testing.T) {
	w := newWorld()
	elsewhere := types.Point{Lat: 24.15, Lng: 120.67}
	w.addDriver(onlineDriver("d1", 4.6), offset(elsewhere, 0.5), testNow)

	req := AssignmentRequest{OrderID: "o", Pickup: pickup, Reference: elsewhere}
	got, err := newTestFinder(w).Find(context.Background(), req, CriteriaFromConfig(testConfig()))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// TestFinder_GeneratedPoolsNeverYieldIneligible draws random driver pools and
// checks every returned candidate against each eligibility rule.
func TestFinder_GeneratedPoolsNeverYieldIneligible(t *testing.T) {
	rnd := rand.New(rand.NewPCG(2024, 7))
	crit := CriteriaFromConfig(testConfig())

	for round := 0; round < 200; round++ {
		w := newWorld()
		excluded := map[types.ID]bool{}
		req := AssignmentRequest{OrderID: "o", Pickup: pickup}
		for i := 0; i < 25; i++ {
			id := types.ID(fmt.Sprintf("r%d-d%d", round, i))
			p := roster.Profile{
				ID:                id,
				Rating:            rnd.Float64() * 5,
				ActiveAssignments: rnd.IntN(4),
				Tier:              roster.Tier(rnd.IntN(4)),
				IsActive:          rnd.IntN(10) > 0,
				IsOnline:          rnd.IntN(10) > 1,
			}
			age := time.Duration(rnd.IntN(30)) * time.Minute
			w.addDriver(p, offset(pickup, rnd.Float64()*12), testNow.Add(-age))
			if rnd.IntN(8) == 0 {
				req.Exclude(id)
				excluded[id] = true
			}
		}

		got, err := newTestFinder(w).Find(context.Background(), req, crit)
		require.NoError(t, err)
		for _, c := range got {
			p := w.driver(c.DriverID)
			loc := w.locs[c.DriverID]
			assert.False(t, excluded[c.DriverID], "excluded driver returned")
			assert.LessOrEqual(t, geo.HaversineKm(pickup, loc.Position), crit.MaxRadiusKm)
			assert.GreaterOrEqual(t, p.Rating, crit.MinRating)
			assert.Less(t, p.ActiveAssignments, crit.MaxConcurrent)
			assert.True(t, p.IsActive && p.IsOnline)
			assert.LessOrEqual(t, testNow.Sub(loc.CapturedAt), crit.StaleAfter)
		}
	}
}
