// README: Candidate finder; joins the live GEO index with roster profiles and applies eligibility rules.
package matching

import (
	"context"
	"fmt"
	"time"

	"dispatch/internal/geo"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/roster"
	"dispatch/internal/types"
)

// GEO hits are fetched nearest first, nearbyPage at a time. Filtering happens
// after the fetch, so a page of busy or offline drivers would hide eligible
// ones further out; Find grows the fetch up to maxNearby before giving up.
// Beyond maxNearby indexed drivers inside the radius, farther ones are not seen.
const (
	nearbyPage = 200
	maxNearby  = 5000
)

type Locator interface {
	// Nearby returns samples nearest first and the number of index hits
	// scanned, which can exceed len(result) when samples have expired.
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]location.Nearby, int, error)
}

type ProfileSource interface {
	Profiles(ctx context.Context, ids []types.ID) (map[types.ID]roster.Profile, error)
}

type Finder struct {
	locator  Locator
	profiles ProfileSource
	now      func() time.Time
}

func NewFinder(locator Locator, profiles ProfileSource) *Finder {
	return &Finder{locator: locator, profiles: profiles, now: time.Now}
}

// Find returns eligible drivers for req. An empty result is not an error.
func (f *Finder) Find(ctx context.Context, req AssignmentRequest, crit Criteria) ([]DriverCandidate, error) {
	origin := req.Origin()
	radius := crit.Radius(req.Urgent)

	limit := nearbyPage
	for {
		hits, scanned, err := f.locator.Nearby(ctx, origin, radius, limit)
		if err != nil {
			return nil, fmt.Errorf("nearby drivers: %w", err)
		}
		out, err := f.eligibleAmong(ctx, req, crit, origin, radius, hits)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 || scanned < limit || limit >= maxNearby {
			return out, nil
		}
		limit = min(limit*4, maxNearby)
	}
}

func (f *Finder) eligibleAmong(ctx context.Context, req AssignmentRequest, crit Criteria, origin types.Point, radius float64, hits []location.Nearby) ([]DriverCandidate, error) {
	now := f.now()
	live := make([]location.Nearby, 0, len(hits))
	ids := make([]types.ID, 0, len(hits))
	for _, h := range hits {
		id := h.Location.DriverID
		if req.IsExcluded(id) || !location.Fresh(h.Location, now, crit.StaleAfter) {
			continue
		}
		live = append(live, h)
		ids = append(ids, id)
	}
	if len(live) == 0 {
		return nil, nil
	}

	profiles, err := f.profiles.Profiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load driver profiles: %w", err)
	}

	out := make([]DriverCandidate, 0, len(live))
	for _, h := range live {
		p, ok := profiles[h.Location.DriverID]
		if !ok || !eligible(p, crit) {
			continue
		}
		d := geo.HaversineKm(origin, h.Location.Position)
		if d > radius {
			continue
		}
		out = append(out, DriverCandidate{
			DriverID:          p.ID,
			Position:          h.Location.Position,
			CapturedAt:        h.Location.CapturedAt,
			Rating:            p.Rating,
			ActiveAssignments: p.ActiveAssignments,
			Tier:              p.Tier,
			LastDeliveryAt:    p.LastDeliveryAt,
			DistanceKm:        d,
		})
	}
	return out, nil
}

func eligible(p roster.Profile, crit Criteria) bool {
	if !p.IsActive {
		return false
	}
	if crit.RequireOnline && !p.IsOnline {
		return false
	}
	if p.Rating < crit.MinRating {
		return false
	}
	return crit.MaxConcurrent <= 0 || p.ActiveAssignments < crit.MaxConcurrent
}
