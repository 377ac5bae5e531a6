// README: Matching service; request/release entry points, stats and the pending-order sweep.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/config"
	"dispatch/internal/geo"
	"dispatch/internal/modules/order"
	"dispatch/internal/notify"
	"dispatch/internal/types"
)

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Release(ctx context.Context, cmd order.ReleaseCommand) error
	RecordAssignmentFailure(ctx context.Context, id types.ID, reason string) (bool, error)
	ListStaleReady(ctx context.Context, waitedFor time.Duration, limit int) ([]order.Order, error)
}

type StatsRecorder interface {
	Record(ctx context.Context, rec AttemptRecord) error
	Range(ctx context.Context, from, to time.Time) ([]AttemptRecord, error)
}

type Service struct {
	orders     Orders
	finder     *Finder
	selector   *Selector
	transactor *Transactor
	stats      StatsRecorder
	events     notify.Publisher
	log        *zap.Logger
	cfg        config.MatchingConfig
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type ServiceDeps struct {
	Orders     Orders
	Finder     *Finder
	Selector   *Selector
	Transactor *Transactor
	Stats      StatsRecorder
	Events     notify.Publisher
	Log        *zap.Logger
}

func NewService(deps ServiceDeps, cfg config.MatchingConfig) *Service {
	s := &Service{
		orders:     deps.Orders,
		finder:     deps.Finder,
		selector:   deps.Selector,
		transactor: deps.Transactor,
		stats:      deps.Stats,
		events:     deps.Events,
		log:        deps.Log,
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.events == nil {
		s.events = notify.Nop{}
	}
	if s.selector == nil {
		s.selector = NewSelector(cfg.TopK, nil)
	}
	return s
}

// RequestAssignment finds and binds a driver for a ready order. reference
// overrides the search origin (defaults to pickup).
func (s *Service) RequestAssignment(ctx context.Context, orderID types.ID, reference *types.Point, urgent bool) (AssignmentResult, error) {
	return s.request(ctx, orderID, reference, urgent, nil)
}

// Release unbinds driverID from the order and re-runs matching without that driver.
func (s *Service) Release(ctx context.Context, orderID, driverID types.ID, reason string) (AssignmentResult, error) {
	if orderID == "" || driverID == "" {
		return AssignmentResult{OrderID: orderID, Reason: ReasonInvalidRequest}, ErrInvalidRequest
	}
	err := s.orders.Release(ctx, order.ReleaseCommand{OrderID: orderID, DriverID: driverID, Reason: reason})
	if errors.Is(err, order.ErrConflict) {
		return AssignmentResult{OrderID: orderID, Reason: ReasonInvalidRequest},
			fmt.Errorf("%w: order is not assigned to driver %s", ErrInvalidRequest, driverID)
	}
	if err != nil {
		return AssignmentResult{OrderID: orderID}, err
	}
	s.log.Info("order released",
		zap.String("order_id", string(orderID)),
		zap.String("driver_id", string(driverID)),
		zap.String("reason", reason),
	)
	return s.request(ctx, orderID, nil, false, []types.ID{driverID})
}

// SweepPending retries matching for ready orders that have waited at least waitedFor.
func (s *Service) SweepPending(ctx context.Context, waitedFor time.Duration, limit int) (int, error) {
	pending, err := s.orders.ListStaleReady(ctx, waitedFor, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale ready orders: %w", err)
	}
	assigned := 0
	for _, o := range pending {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		res, err := s.RequestAssignment(ctx, o.ID, nil, o.Urgent)
		if err != nil && !isExpectedMiss(err) {
			s.log.Warn("sweep assignment failed", zap.String("order_id", string(o.ID)), zap.Error(err))
		}
		if res.Success {
			assigned++
		}
	}
	return assigned, nil
}

func (s *Service) GetAssignmentStats(ctx context.Context, from, to time.Time) (Stats, error) {
	if !from.Before(to) {
		return Stats{}, fmt.Errorf("%w: from must be before to", ErrInvalidRequest)
	}
	records, err := s.stats.Range(ctx, from, to)
	if err != nil {
		return Stats{}, err
	}
	return Aggregate(records, from, to), nil
}

func (s *Service) request(ctx context.Context, orderID types.ID, reference *types.Point, urgent bool, excluded []types.ID) (AssignmentResult, error) {
	start := s.now()
	res, err := s.match(ctx, orderID, reference, urgent, excluded)
	res.OrderID = orderID
	res.Latency = s.now().Sub(start)
	if err != nil && res.Reason == ReasonNone {
		res.Reason = reasonFor(err)
	}
	s.record(ctx, res)
	return res, err
}

func (s *Service) match(ctx context.Context, orderID types.ID, reference *types.Point, urgent bool, excluded []types.ID) (AssignmentResult, error) {
	if orderID == "" {
		return AssignmentResult{}, ErrInvalidRequest
	}
	if reference != nil && !geo.Indexable(*reference) {
		return AssignmentResult{}, fmt.Errorf("%w: reference point out of range", ErrInvalidRequest)
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return AssignmentResult{}, err
	}
	switch {
	case o.DriverID != nil, o.Status.Terminal(), o.Status == order.StatusAssigned, o.Status == order.StatusPickedUp:
		return AssignmentResult{}, ErrAlreadyAssigned
	case o.Status != order.StatusReady:
		return AssignmentResult{}, fmt.Errorf("%w: order is %s", ErrInvalidRequest, o.Status)
	case !geo.Indexable(o.Pickup):
		return AssignmentResult{}, fmt.Errorf("%w: pickup out of range", ErrInvalidRequest)
	}

	req := AssignmentRequest{
		OrderID:  o.ID,
		Pickup:   o.Pickup,
		Delivery: o.Delivery,
		Urgent:   urgent || o.Urgent,
	}
	if reference != nil {
		req.Reference = *reference
	}
	for _, id := range excluded {
		req.Exclude(id)
	}

	outcome, err := s.assignWithRetry(ctx, req, CriteriaFromConfig(s.cfg))
	res := AssignmentResult{Attempts: outcome.attempts}
	if errors.Is(err, ErrExhaustedRetries) {
		if !s.handleExhausted(ctx, o, outcome) {
			res.Reason = ReasonAlreadyAssigned
			return res, ErrAlreadyAssigned
		}
		res.Reason = ReasonExhaustedRetries
		return res, err
	}
	if err != nil {
		return res, err
	}

	c := outcome.candidate
	res.Success = true
	res.DriverID = c.DriverID
	res.DistanceKm = c.DistanceKm
	res.Score = c.Score

	e := notify.NewEvent(notify.EventDriverAssigned)
	e.OrderID = o.ID
	e.DriverID = c.DriverID
	e.UserID = o.CustomerID
	e.Payload["distance_km"] = round2(c.DistanceKm)
	e.Payload["score"] = round2(c.Score)
	e.Payload["attempts"] = outcome.attempts
	e.Payload["pickup_lat"] = o.Pickup.Lat
	e.Payload["pickup_lng"] = o.Pickup.Lng
	s.publish(e)

	s.log.Info("order assigned",
		zap.String("order_id", string(o.ID)),
		zap.String("driver_id", string(c.DriverID)),
		zap.Float64("distance_km", c.DistanceKm),
		zap.Float64("score", c.Score),
		zap.Int("attempts", outcome.attempts),
	)
	return res, nil
}

// handleExhausted requeues the order and tells the customer. It reports false
// when the order had already left ready.
func (s *Service) handleExhausted(ctx context.Context, o *order.Order, outcome attemptOutcome) bool {
	cause := reasonFor(outcome.lastCause)
	failed, err := s.orders.RecordAssignmentFailure(ctx, o.ID, string(cause))
	if errors.Is(err, order.ErrConflict) {
		// order moved on (bound, cancelled) while we were retrying
		s.log.Info("assignment failure not recorded, order no longer ready", zap.String("order_id", string(o.ID)))
		return false
	}
	if err != nil {
		s.log.Error("record assignment failure", zap.String("order_id", string(o.ID)), zap.Error(err))
	}

	e := notify.NewEvent(notify.EventAssignmentFailed)
	e.OrderID = o.ID
	e.UserID = o.CustomerID
	e.Payload["reason"] = string(ReasonExhaustedRetries)
	e.Payload["cause"] = string(cause)
	e.Payload["attempts"] = outcome.attempts
	e.Payload["order_failed"] = failed
	s.publish(e)

	s.log.Warn("assignment retries exhausted",
		zap.String("order_id", string(o.ID)),
		zap.Int("attempts", outcome.attempts),
		zap.String("cause", string(cause)),
		zap.Bool("order_failed", failed),
	)
	return true
}

func (s *Service) record(ctx context.Context, res AssignmentResult) {
	if s.stats == nil {
		return
	}
	rec := AttemptRecord{
		At:         s.now(),
		OrderID:    res.OrderID,
		DriverID:   res.DriverID,
		Success:    res.Success,
		Reason:     res.Reason,
		LatencyMs:  float64(res.Latency.Microseconds()) / 1000.0,
		Attempts:   res.Attempts,
		DistanceKm: res.DistanceKm,
	}
	if err := s.stats.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Warn("record assignment stats", zap.String("order_id", string(res.OrderID)), zap.Error(err))
	}
}

func (s *Service) publish(e notify.Event) {
	if err := s.events.Publish(e); err != nil && !errors.Is(err, notify.ErrQueueClosed) {
		s.log.Warn("publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func reasonFor(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrNoCandidate):
		return ReasonNoCandidate
	case errors.Is(err, ErrAlreadyAssigned):
		return ReasonAlreadyAssigned
	case errors.Is(err, ErrDriverUnavailable):
		return ReasonDriverUnavailable
	case errors.Is(err, ErrExhaustedRetries):
		return ReasonExhaustedRetries
	case errors.Is(err, ErrInvalidRequest):
		return ReasonInvalidRequest
	case errors.Is(err, order.ErrNotFound):
		return ReasonNotFound
	}
	return ReasonError
}

func isExpectedMiss(err error) bool {
	return errors.Is(err, ErrExhaustedRetries) || errors.Is(err, ErrAlreadyAssigned)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
