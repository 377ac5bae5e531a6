package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dispatch/internal/modules/eta"
	"dispatch/internal/modules/order"
	"dispatch/internal/notify"
	"dispatch/internal/types"
)

// memStore mirrors the Redis compare-and-set semantics in memory.
type memStore struct {
	mu        sync.Mutex
	latest    map[types.ID]types.LiveLocation
	claimed   map[types.ID]bool
	snapshots []Snapshot
}

func newMemStore() *memStore {
	return &memStore{latest: map[types.ID]types.LiveLocation{}, claimed: map[types.ID]bool{}}
}

func (m *memStore) Put(_ context.Context, l types.LiveLocation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.latest[l.DriverID]; ok && !l.CapturedAt.After(cur.CapturedAt) {
		return false, nil
	}
	m.latest[l.DriverID] = l
	return true, nil
}

func (m *memStore) Latest(_ context.Context, id types.ID) (types.LiveLocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.latest[id]
	return l, ok, nil
}

func (m *memStore) PruneStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, l := range m.latest {
		if !l.CapturedAt.After(cutoff) {
			delete(m.latest, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ClaimSnapshotSlot(_ context.Context, id types.ID, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[id] {
		return false, nil
	}
	m.claimed[id] = true
	return true, nil
}

func (m *memStore) AppendSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

type stubOrders map[types.ID][]order.Order

func (s stubOrders) ListActiveByDriver(_ context.Context, id types.ID) ([]order.Order, error) {
	return s[id], nil
}

type fixedEstimator struct{ d time.Duration }

func (f fixedEstimator) Between(_ context.Context, _, _ types.Point) eta.Estimate {
	return eta.Estimate{Duration: f.d, DistanceKm: 1.234, Source: eta.SourceHeuristic}
}

type capture struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capture) Publish(e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) ofType(t notify.EventType) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	now    = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	origin = types.Point{Lat: 25.0330, Lng: 121.5654}
)

func newTestService(store *memStore, orders BoundOrders, events notify.Publisher) *Service {
	svc := NewService(store, orders, fixedEstimator{d: 6 * time.Minute}, events, zap.NewNop(), Config{
		MaxClockSkew:     30 * time.Second,
		SnapshotInterval: time.Minute,
	})
	svc.now = func() time.Time { return now }
	return svc
}

func TestUpdateDriverLocation_Validation(t *testing.T) {
	svc := newTestService(newMemStore(), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		u    Update
		want error
	}{
		{"missing driver", Update{Position: origin}, ErrInvalidLocation},
		{"zero point", Update{DriverID: "d1"}, ErrInvalidLocation},
		{"latitude out of range", Update{DriverID: "d1", Position: types.Point{Lat: 95, Lng: 10}}, ErrInvalidLocation},
		{"polar latitude", Update{DriverID: "d1", Position: types.Point{Lat: 88, Lng: 10}}, ErrInvalidLocation},
		{"negative speed", Update{DriverID: "d1", Position: origin, Speed: -3}, ErrInvalidLocation},
		{"future timestamp", Update{DriverID: "d1", Position: origin, CapturedAt: now.Add(5 * time.Minute)}, ErrClockSkew},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.UpdateDriverLocation(ctx, tc.u)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUpdateDriverLocation_DefaultsTimestampAndNormalizesHeading(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)

	ack, err := svc.UpdateDriverLocation(context.Background(), Update{DriverID: "d1", Position: origin, Heading: -90})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, now, ack.CapturedAt)

	l, ok, err := store.Latest(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 270, l.Heading, 1e-9)
}

func TestUpdateDriverLocation_OlderSampleIgnored(t *testing.T) {
	store := newMemStore()
	events := &capture{}
	svc := newTestService(store, nil, events)
	ctx := context.Background()

	newer := types.Point{Lat: 25.04, Lng: 121.57}
	_, err := svc.UpdateDriverLocation(ctx, Update{DriverID: "d1", Position: newer, CapturedAt: now.Add(-time.Second)})
	require.NoError(t, err)

	ack, err := svc.UpdateDriverLocation(ctx, Update{DriverID: "d1", Position: origin, CapturedAt: now.Add(-10 * time.Second)})
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.True(t, ack.Superseded)

	l, _, _ := store.Latest(ctx, "d1")
	assert.Equal(t, newer, l.Position)
	assert.Len(t, events.ofType(notify.EventLocationUpdate), 1)
}

func TestUpdateDriverLocation_SnapshotThrottled(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.UpdateDriverLocation(ctx, Update{DriverID: "d1", Position: origin, CapturedAt: now.Add(time.Duration(i-10) * time.Second)})
		require.NoError(t, err)
	}
	assert.Len(t, store.snapshots, 1)
}

func TestUpdateDriverLocation_PublishesETAForBoundOrders(t *testing.T) {
	pickup := types.Point{Lat: 25.05, Lng: 121.55}
	delivery := types.Point{Lat: 25.06, Lng: 121.52}
	orders := stubOrders{"d1": {
		{ID: "o1", CustomerID: "c1", Status: order.StatusAssigned, Pickup: pickup, Delivery: delivery},
		{ID: "o2", CustomerID: "c2", Status: order.StatusPickedUp, Pickup: pickup, Delivery: delivery},
	}}
	events := &capture{}
	svc := newTestService(newMemStore(), orders, events)

	ack, err := svc.UpdateDriverLocation(context.Background(), Update{DriverID: "d1", Position: origin})
	require.NoError(t, err)
	assert.Equal(t, 2, ack.ETAUpdates)

	etas := events.ofType(notify.EventETAUpdate)
	require.Len(t, etas, 2)
	byOrder := map[types.ID]notify.Event{}
	for _, e := range etas {
		byOrder[e.OrderID] = e
	}
	assert.Equal(t, types.ID("c1"), byOrder["o1"].UserID)
	assert.Equal(t, "pickup", byOrder["o1"].Payload["leg"])
	assert.Equal(t, "delivery", byOrder["o2"].Payload["leg"])
	assert.Equal(t, 6, byOrder["o2"].Payload["eta_minutes"])
}

func TestPruneStale(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()

	_, err := svc.UpdateDriverLocation(ctx, Update{DriverID: "old", Position: origin, CapturedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = svc.UpdateDriverLocation(ctx, Update{DriverID: "new", Position: origin})
	require.NoError(t, err)

	n, err := svc.PruneStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, _ := svc.Latest(ctx, "old")
	assert.False(t, ok)
}

func TestFresh(t *testing.T) {
	l := types.LiveLocation{CapturedAt: now.Add(-10 * time.Minute)}
	assert.True(t, Fresh(l, now, 15*time.Minute))
	assert.False(t, Fresh(l, now, 5*time.Minute))
	assert.True(t, Fresh(l, now, 0))
}
