// README: Order state machine and store tests (DB tests need DISPATCH_TEST_DSN).
package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dispatch/internal/infra"
	"dispatch/internal/modules/roster"
	"dispatch/internal/testutil/pgtest"
	"dispatch/internal/types"
)

// TestCanTransition verifies the state machine transition table without a database.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusReady, true},
		{StatusReady, StatusAssigned, true},
		{StatusAssigned, StatusPickedUp, true},
		{StatusPickedUp, StatusDelivered, true},
		// release puts an assigned order back in the pool
		{StatusAssigned, StatusReady, true},
		// requeue budget exhausted
		{StatusReady, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusReady, StatusCancelled, true},
		{StatusAssigned, StatusCancelled, true},
		// terminal states have no outgoing transitions
		{StatusDelivered, StatusReady, false},
		{StatusCancelled, StatusReady, false},
		{StatusFailed, StatusReady, false},
		// skipping states
		{StatusPending, StatusAssigned, false},
		{StatusReady, StatusPickedUp, false},
		{StatusPickedUp, StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusReady.Terminal())
	assert.False(t, StatusAssigned.Terminal())
}

func TestOrderTarget(t *testing.T) {
	o := &Order{Status: StatusAssigned, Pickup: types.Point{Lat: 1, Lng: 1}, Delivery: types.Point{Lat: 2, Lng: 2}}
	assert.Equal(t, o.Pickup, o.Target())
	o.Status = StatusPickedUp
	assert.Equal(t, o.Delivery, o.Target())
}

type testEnv struct {
	svc    *Service
	store  *Store
	roster *roster.Store
}

func setup(t *testing.T, maxRequeues int) testEnv {
	t.Helper()
	db := pgtest.Open(t)
	store := NewStore(db)
	rs := roster.NewStore(db)
	svc := NewService(store, rs, infra.NewTxManager(db), zap.NewNop(), maxRequeues)
	return testEnv{svc: svc, store: store, roster: rs}
}

func mustReadyOrder(t *testing.T, svc *Service) types.ID {
	t.Helper()
	id, err := svc.Create(context.Background(), CreateCommand{
		CustomerID: "c1",
		Pickup:     types.Point{Lat: 25.033, Lng: 121.565},
		Delivery:   types.Point{Lat: 25.0478, Lng: 121.5318},
		Ready:      true,
	})
	require.NoError(t, err)
	return id
}

func TestConcurrentBindSameOrder(t *testing.T) {
	env := setup(t, 3)
	ctx := context.Background()
	for _, d := range []types.ID{"d1", "d2", "d3", "d4"} {
		require.NoError(t, env.roster.Upsert(ctx, roster.Profile{ID: d, Rating: 5, IsActive: true}))
	}
	orderID := mustReadyOrder(t, env.svc)

	var wg sync.WaitGroup
	results := make(chan bool, 4)
	for _, d := range []types.ID{"d1", "d2", "d3", "d4"} {
		wg.Add(1)
		go func(d types.ID) {
			defer wg.Done()
			ok, err := env.store.Bind(ctx, orderID, d, time.Second)
			if err != nil {
				t.Errorf("bind: %v", err)
			}
			results <- ok
		}(d)
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	o, err := env.svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, o.Status)
	require.NotNil(t, o.DriverID)
}

func TestReleaseReturnsOrderToPool(t *testing.T) {
	env := setup(t, 3)
	ctx := context.Background()
	require.NoError(t, env.roster.Upsert(ctx, roster.Profile{ID: "d1", Rating: 5, IsActive: true, ActiveAssignments: 1}))
	orderID := mustReadyOrder(t, env.svc)

	ok, err := env.store.Bind(ctx, orderID, "d1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	err = env.svc.Release(ctx, ReleaseCommand{OrderID: orderID, DriverID: "d2", Reason: "wrong driver"})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, env.svc.Release(ctx, ReleaseCommand{OrderID: orderID, DriverID: "d1", Reason: "vehicle issue"}))

	o, err := env.svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, o.Status)
	assert.Nil(t, o.DriverID)

	p, err := env.roster.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.ActiveAssignments)

	events, err := env.store.ListEvents(ctx, orderID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "vehicle issue", events[len(events)-1].Reason)
}

func TestBindRefusesTerminalOrder(t *testing.T) {
	env := setup(t, 3)
	ctx := context.Background()
	require.NoError(t, env.roster.Upsert(ctx, roster.Profile{ID: "d1", Rating: 5, IsActive: true}))
	orderID := mustReadyOrder(t, env.svc)

	require.NoError(t, env.svc.Cancel(ctx, CancelCommand{OrderID: orderID, Reason: "customer"}))

	ok, err := env.store.Bind(ctx, orderID, "d1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordAssignmentFailureEventuallyFails(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()
	orderID := mustReadyOrder(t, env.svc)

	failed, err := env.svc.RecordAssignmentFailure(ctx, orderID, "no_candidate")
	require.NoError(t, err)
	assert.False(t, failed)

	failed, err = env.svc.RecordAssignmentFailure(ctx, orderID, "no_candidate")
	require.NoError(t, err)
	assert.True(t, failed)

	o, err := env.svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, 2, o.RequeueCount)

	_, err = env.svc.RecordAssignmentFailure(ctx, orderID, "no_candidate")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDeliveryFlowFreesDriver(t *testing.T) {
	env := setup(t, 3)
	ctx := context.Background()
	require.NoError(t, env.roster.Upsert(ctx, roster.Profile{ID: "d1", Rating: 5, IsActive: true, ActiveAssignments: 1}))
	orderID := mustReadyOrder(t, env.svc)
	ok, err := env.store.Bind(ctx, orderID, "d1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	active, err := env.svc.ListActiveByDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	assert.ErrorIs(t, env.svc.PickUp(ctx, orderID, "d2"), ErrConflict)
	require.NoError(t, env.svc.PickUp(ctx, orderID, "d1"))
	require.NoError(t, env.svc.Deliver(ctx, orderID, "d1"))

	p, err := env.roster.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.ActiveAssignments)
	require.NotNil(t, p.LastDeliveryAt)

	active, err = env.svc.ListActiveByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestListStaleReady(t *testing.T) {
	env := setup(t, 3)
	ctx := context.Background()
	id := mustReadyOrder(t, env.svc)

	got, err := env.svc.ListStaleReady(ctx, -time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	got, err = env.svc.ListStaleReady(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
