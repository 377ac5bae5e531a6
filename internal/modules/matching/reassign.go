// README: Reassignment controller; bounded retries with widening criteria and linear backoff.
package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

type attemptOutcome struct {
	candidate DriverCandidate
	attempts  int
	// lastCause is the error of the final failed attempt.
	lastCause error
}

// assignWithRetry runs up to maxAttempts find/rank/pick/assign rounds.
// NoCandidate widens and retries, DriverUnavailable excludes the driver and
// retries, AlreadyAssigned aborts at once. The order is re-read after every
// backoff so a sequence stops once the order was bound or closed elsewhere.
func (s *Service) assignWithRetry(ctx context.Context, req AssignmentRequest, base Criteria) (attemptOutcome, error) {
	var out attemptOutcome
	maxAttempts := max(1, s.cfg.MaxAttempts)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Duration(attempt)*s.cfg.RetryBackoff); err != nil {
				return out, err
			}
			if err := s.ensureOpen(ctx, req.OrderID); err != nil {
				return out, err
			}
		}
		out.attempts = attempt + 1
		crit := base.Widen(attempt)
		radius := crit.Radius(req.Urgent)

		cands, err := s.finder.Find(ctx, req, crit)
		if err != nil {
			return out, err
		}
		ranked := Rank(cands, crit, radius, s.now())
		pick, err := s.selector.Pick(ranked)
		if errors.Is(err, ErrNoCandidate) {
			out.lastCause = ErrNoCandidate
			s.log.Debug("no candidate",
				zap.String("order_id", string(req.OrderID)),
				zap.Int("attempt", out.attempts),
				zap.Float64("radius_km", radius),
				zap.Float64("min_rating", crit.MinRating),
			)
			continue
		}

		err = s.transactor.Assign(ctx, req.OrderID, pick.DriverID, crit.MaxConcurrent)
		switch {
		case err == nil:
			out.candidate = pick
			out.lastCause = nil
			return out, nil
		case errors.Is(err, ErrDriverUnavailable):
			out.lastCause = err
			req.Exclude(pick.DriverID)
			s.log.Debug("driver unavailable, excluding",
				zap.String("order_id", string(req.OrderID)),
				zap.String("driver_id", string(pick.DriverID)),
				zap.Int("attempt", out.attempts),
			)
		default:
			return out, err
		}
	}
	return out, ErrExhaustedRetries
}

func (s *Service) ensureOpen(ctx context.Context, id types.ID) error {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.DriverID != nil || o.Status != order.StatusReady {
		s.log.Info("order left ready during reassignment",
			zap.String("order_id", string(id)),
			zap.String("status", string(o.Status)),
		)
		return ErrAlreadyAssigned
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
