// README: Assignment attempt records and their aggregation.
package matching

import (
	"math"
	"sort"
	"time"

	"dispatch/internal/types"
)

type AttemptRecord struct {
	ID         string        `json:"id"`
	At         time.Time     `json:"at"`
	OrderID    types.ID      `json:"order_id"`
	DriverID   types.ID      `json:"driver_id,omitempty"`
	Success    bool          `json:"success"`
	Reason     FailureReason `json:"reason,omitempty"`
	LatencyMs  float64       `json:"latency_ms"`
	Attempts   int           `json:"attempts"`
	DistanceKm float64       `json:"distance_km,omitempty"`
}

type Stats struct {
	From          time.Time             `json:"from"`
	To            time.Time             `json:"to"`
	Total         int                   `json:"total"`
	Successes     int                   `json:"successes"`
	Failures      map[FailureReason]int `json:"failures"`
	SuccessRate   float64               `json:"success_rate"`
	AvgLatencyMs  float64               `json:"avg_latency_ms"`
	P95LatencyMs  float64               `json:"p95_latency_ms"`
	AvgAttempts   float64               `json:"avg_attempts"`
	AvgDistanceKm float64               `json:"avg_distance_km"`
}

// Aggregate summarises records with At in [from, to).
func Aggregate(records []AttemptRecord, from, to time.Time) Stats {
	st := Stats{From: from, To: to, Failures: map[FailureReason]int{}}
	latencies := make([]float64, 0, len(records))
	var sumLatency, sumDistance float64
	var sumAttempts int

	for _, r := range records {
		if r.At.Before(from) || !r.At.Before(to) {
			continue
		}
		st.Total++
		sumLatency += r.LatencyMs
		sumAttempts += r.Attempts
		latencies = append(latencies, r.LatencyMs)
		if r.Success {
			st.Successes++
			sumDistance += r.DistanceKm
			continue
		}
		reason := r.Reason
		if reason == ReasonNone {
			reason = ReasonError
		}
		st.Failures[reason]++
	}
	if st.Total == 0 {
		return st
	}
	st.SuccessRate = float64(st.Successes) / float64(st.Total)
	st.AvgLatencyMs = sumLatency / float64(st.Total)
	st.AvgAttempts = float64(sumAttempts) / float64(st.Total)
	if st.Successes > 0 {
		st.AvgDistanceKm = sumDistance / float64(st.Successes)
	}
	st.P95LatencyMs = percentile(latencies, 0.95)
	return st
}

// percentile uses the nearest-rank method.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
