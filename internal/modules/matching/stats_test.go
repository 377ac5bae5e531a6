package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/testutil/pgtest"
)

func TestAggregate(t *testing.T) {
	from := testNow.Add(-time.Hour)
	to := testNow
	recs := []AttemptRecord{
		{At: from.Add(time.Minute), Success: true, LatencyMs: 10, Attempts: 1, DistanceKm: 2},
		{At: from.Add(2 * time.Minute), Success: true, LatencyMs: 30, Attempts: 2, DistanceKm: 4},
		{At: from.Add(3 * time.Minute), Reason: ReasonExhaustedRetries, LatencyMs: 100, Attempts: 3},
		{At: from.Add(4 * time.Minute), Reason: ReasonAlreadyAssigned, LatencyMs: 5, Attempts: 0},
		// outside the window
		{At: to, Success: true, LatencyMs: 999, Attempts: 1},
		{At: from.Add(-time.Second), Success: true, LatencyMs: 999, Attempts: 1},
	}
	st := Aggregate(recs, from, to)

	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 1, st.Failures[ReasonExhaustedRetries])
	assert.Equal(t, 1, st.Failures[ReasonAlreadyAssigned])
	assert.InDelta(t, 0.5, st.SuccessRate, 1e-9)
	assert.InDelta(t, 36.25, st.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 100, st.P95LatencyMs, 1e-9)
	assert.InDelta(t, 1.5, st.AvgAttempts, 1e-9)
	assert.InDelta(t, 3, st.AvgDistanceKm, 1e-9)
}

func TestAggregate_Empty(t *testing.T) {
	st := Aggregate(nil, testNow.Add(-time.Hour), testNow)
	assert.Zero(t, st.Total)
	assert.Zero(t, st.SuccessRate)
	assert.NotNil(t, st.Failures)
}

func TestPercentile(t *testing.T) {
	vals := make([]float64, 0, 100)
	for i := 100; i >= 1; i-- {
		vals = append(vals, float64(i))
	}
	assert.InDelta(t, 95, percentile(vals, 0.95), 1e-9)
	assert.InDelta(t, 1, percentile([]float64{1}, 0.95), 1e-9)
	assert.Zero(t, percentile(nil, 0.95))
}

func TestStatsStore_RecordAndRange(t *testing.T) {
	ctx := context.Background()
	store := NewStatsStore(pgtest.Redis(t))
	now := time.Now()

	require.NoError(t, store.Record(ctx, AttemptRecord{At: now.Add(-8 * 24 * time.Hour), OrderID: "ancient", Success: true}))
	require.NoError(t, store.Record(ctx, AttemptRecord{At: now.Add(-time.Minute), OrderID: "o1", Success: true, LatencyMs: 12}))
	require.NoError(t, store.Record(ctx, AttemptRecord{At: now.Add(-time.Minute), OrderID: "o2", Reason: ReasonNoCandidate}))

	recs, err := store.Range(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	all, err := store.Range(ctx, now.Add(-30*24*time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, all, 2, "records past retention are trimmed")
}
