// README: Matching candidates, requests, results and search criteria.
package matching

import (
	"errors"
	"math"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/modules/roster"
	"dispatch/internal/types"
)

var (
	ErrNoCandidate       = errors.New("no eligible driver")
	ErrAlreadyAssigned   = errors.New("order already assigned")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrExhaustedRetries  = errors.New("assignment retries exhausted")
	ErrInvalidRequest    = errors.New("invalid assignment request")
)

type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonNoCandidate       FailureReason = "no_candidate"
	ReasonAlreadyAssigned   FailureReason = "already_assigned"
	ReasonDriverUnavailable FailureReason = "driver_unavailable"
	ReasonExhaustedRetries  FailureReason = "exhausted_retries"
	ReasonInvalidRequest    FailureReason = "invalid_request"
	ReasonNotFound          FailureReason = "not_found"
	ReasonError             FailureReason = "error"
)

type DriverCandidate struct {
	DriverID          types.ID
	Position          types.Point
	CapturedAt        time.Time
	Rating            float64
	ActiveAssignments int
	Tier              roster.Tier
	LastDeliveryAt    *time.Time
	DistanceKm        float64
	Score             float64
}

type AssignmentRequest struct {
	OrderID  types.ID
	Pickup   types.Point
	Delivery types.Point
	// Reference is the search origin; zero means Pickup.
	Reference types.Point
	Urgent    bool
	Excluded  map[types.ID]struct{}
}

func (r AssignmentRequest) Origin() types.Point {
	if r.Reference.IsZero() {
		return r.Pickup
	}
	return r.Reference
}

func (r AssignmentRequest) IsExcluded(id types.ID) bool {
	_, ok := r.Excluded[id]
	return ok
}

func (r *AssignmentRequest) Exclude(id types.ID) {
	if r.Excluded == nil {
		r.Excluded = make(map[types.ID]struct{})
	}
	r.Excluded[id] = struct{}{}
}

type AssignmentResult struct {
	Success    bool          `json:"success"`
	OrderID    types.ID      `json:"order_id"`
	DriverID   types.ID      `json:"driver_id,omitempty"`
	DistanceKm float64       `json:"distance_km,omitempty"`
	Score      float64       `json:"score,omitempty"`
	Attempts   int           `json:"attempts"`
	Reason     FailureReason `json:"reason,omitempty"`
	Latency    time.Duration `json:"latency"`
}

type Criteria struct {
	MaxRadiusKm        float64
	UrgentRadiusFactor float64
	MaxConcurrent      int
	MinRating          float64
	RequireOnline      bool
	StaleAfter         time.Duration
	TierAware          bool
}

func CriteriaFromConfig(cfg config.MatchingConfig) Criteria {
	return Criteria{
		MaxRadiusKm:        cfg.RadiusKm,
		UrgentRadiusFactor: cfg.UrgentRadiusFactor,
		MaxConcurrent:      cfg.MaxConcurrent,
		MinRating:          cfg.MinRating,
		RequireOnline:      cfg.RequireOnline,
		StaleAfter:         cfg.StaleAfter,
		TierAware:          cfg.TierAware,
	}
}

// Radius is the search radius for a request.
func (c Criteria) Radius(urgent bool) float64 {
	if urgent && c.UrgentRadiusFactor > 1 {
		return c.MaxRadiusKm * c.UrgentRadiusFactor
	}
	return c.MaxRadiusKm
}

// Widen relaxes the criteria for retry attempt i (0-based): radius grows by
// 1.5^i and the rating floor drops by 0.5 per attempt, never below zero.
func (c Criteria) Widen(attempt int) Criteria {
	if attempt <= 0 {
		return c
	}
	w := c
	w.MaxRadiusKm = c.MaxRadiusKm * math.Pow(1.5, float64(attempt))
	w.MinRating = math.Max(0, c.MinRating-0.5*float64(attempt))
	return w
}
