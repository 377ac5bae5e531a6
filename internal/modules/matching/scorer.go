// README: Composite driver scoring and deterministic ranking.
package matching

import (
	"sort"
	"time"

	"dispatch/internal/modules/roster"
)

const (
	weightProximity = 40.0
	weightQuality   = 25.0
	weightHeadroom  = 20.0
	weightTier      = 10.0
	weightRecency   = 5.0

	maxRating     = 5.0
	recencyWindow = 24 * time.Hour
)

// Score returns a value in [0, 100]; higher is better.
func Score(c DriverCandidate, crit Criteria, radiusKm float64, now time.Time) float64 {
	score := 0.0
	if radiusKm > 0 {
		score += weightProximity * clamp01((radiusKm-c.DistanceKm)/radiusKm)
	}
	score += weightQuality * clamp01(c.Rating/maxRating)
	if crit.MaxConcurrent > 0 {
		limit := float64(crit.MaxConcurrent)
		score += weightHeadroom * clamp01((limit-float64(c.ActiveAssignments))/limit)
	} else {
		score += weightHeadroom
	}
	if crit.TierAware {
		score += weightTier * clamp01(float64(c.Tier)/float64(roster.MaxTier))
	}
	if c.LastDeliveryAt != nil {
		since := now.Sub(*c.LastDeliveryAt)
		score += weightRecency * clamp01(1-since.Hours()/recencyWindow.Hours())
	}
	return score
}

// Rank scores candidates, drops those under the rating floor and sorts best
// first. Ties go to the nearer driver, then the lower id.
func Rank(cands []DriverCandidate, crit Criteria, radiusKm float64, now time.Time) []DriverCandidate {
	out := make([]DriverCandidate, 0, len(cands))
	for _, c := range cands {
		if c.Rating < crit.MinRating {
			continue
		}
		c.Score = Score(c, crit, radiusKm, now)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
