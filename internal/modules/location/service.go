// README: Location service handles high-frequency driver updates, snapshot throttling and ETA fan-out.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dispatch/internal/geo"
	"dispatch/internal/modules/eta"
	"dispatch/internal/modules/order"
	"dispatch/internal/notify"
	"dispatch/internal/types"
)

const etaFanout = 4

type locationStore interface {
	Put(ctx context.Context, l types.LiveLocation) (bool, error)
	Latest(ctx context.Context, driverID types.ID) (types.LiveLocation, bool, error)
	PruneStale(ctx context.Context, cutoff time.Time) (int, error)
	ClaimSnapshotSlot(ctx context.Context, driverID types.ID, interval time.Duration) (bool, error)
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

// BoundOrders lists the non-terminal orders a driver is carrying.
type BoundOrders interface {
	ListActiveByDriver(ctx context.Context, driverID types.ID) ([]order.Order, error)
}

type Estimator interface {
	Between(ctx context.Context, from, to types.Point) eta.Estimate
}

type Config struct {
	MaxClockSkew     time.Duration
	SnapshotInterval time.Duration
}

type Service struct {
	store     locationStore
	orders    BoundOrders
	estimator Estimator
	events    notify.Publisher
	log       *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(store locationStore, orders BoundOrders, estimator Estimator, events notify.Publisher, log *zap.Logger, cfg Config) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = notify.Nop{}
	}
	return &Service{
		store:     store,
		orders:    orders,
		estimator: estimator,
		events:    events,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// UpdateDriverLocation ingests one sample. Older samples are acknowledged but not applied.
func (s *Service) UpdateDriverLocation(ctx context.Context, u Update) (Ack, error) {
	l, err := s.normalize(u)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{DriverID: l.DriverID, CapturedAt: l.CapturedAt}

	applied, err := s.store.Put(ctx, l)
	if err != nil {
		return Ack{}, err
	}
	if !applied {
		ack.Superseded = true
		return ack, nil
	}
	ack.Accepted = true

	ack.Snapshot = s.maybeSnapshot(ctx, l)
	s.publishLocation(l)
	ack.ETAUpdates = s.refreshETAs(ctx, l)
	return ack, nil
}

func (s *Service) Latest(ctx context.Context, driverID types.ID) (types.LiveLocation, bool, error) {
	return s.store.Latest(ctx, driverID)
}

// PruneStale drops drivers silent for longer than maxAge from the live index.
func (s *Service) PruneStale(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.store.PruneStale(ctx, s.now().Add(-maxAge))
}

func (s *Service) normalize(u Update) (types.LiveLocation, error) {
	if u.DriverID == "" {
		return types.LiveLocation{}, fmt.Errorf("%w: missing driver id", ErrInvalidLocation)
	}
	if !geo.Valid(u.Position) {
		return types.LiveLocation{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidLocation)
	}
	if !geo.Indexable(u.Position) {
		return types.LiveLocation{}, fmt.Errorf("%w: latitude beyond +/-%.4f", ErrInvalidLocation, geo.MaxIndexLat)
	}
	if u.Speed < 0 || u.Accuracy < 0 || math.IsNaN(u.Heading) {
		return types.LiveLocation{}, fmt.Errorf("%w: bad speed, accuracy or heading", ErrInvalidLocation)
	}
	now := s.now()
	captured := u.CapturedAt
	if captured.IsZero() {
		captured = now
	}
	if s.cfg.MaxClockSkew > 0 && captured.Sub(now) > s.cfg.MaxClockSkew {
		return types.LiveLocation{}, ErrClockSkew
	}
	heading := math.Mod(u.Heading, 360)
	if heading < 0 {
		heading += 360
	}
	return types.LiveLocation{
		DriverID:   u.DriverID,
		Position:   u.Position,
		Heading:    heading,
		Speed:      u.Speed,
		Accuracy:   u.Accuracy,
		CapturedAt: captured.UTC(),
	}, nil
}

func (s *Service) maybeSnapshot(ctx context.Context, l types.LiveLocation) bool {
	claimed, err := s.store.ClaimSnapshotSlot(ctx, l.DriverID, s.cfg.SnapshotInterval)
	if err != nil {
		s.log.Warn("snapshot throttle check failed", zap.String("driver_id", string(l.DriverID)), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}
	err = s.store.AppendSnapshot(ctx, Snapshot{
		DriverID:   l.DriverID,
		Position:   l.Position,
		Heading:    l.Heading,
		Speed:      l.Speed,
		Accuracy:   l.Accuracy,
		CapturedAt: l.CapturedAt,
		RecordedAt: s.now(),
	})
	if err != nil {
		s.log.Warn("append location snapshot", zap.String("driver_id", string(l.DriverID)), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) publishLocation(l types.LiveLocation) {
	e := notify.NewEvent(notify.EventLocationUpdate)
	e.DriverID = l.DriverID
	e.Payload["lat"] = l.Position.Lat
	e.Payload["lng"] = l.Position.Lng
	e.Payload["heading"] = l.Heading
	e.Payload["speed"] = l.Speed
	e.Payload["captured_at"] = l.CapturedAt
	s.publish(e)
}

// refreshETAs recomputes the ETA of every order bound to the driver and returns how many were published.
func (s *Service) refreshETAs(ctx context.Context, l types.LiveLocation) int {
	if s.orders == nil || s.estimator == nil {
		return 0
	}
	bound, err := s.orders.ListActiveByDriver(ctx, l.DriverID)
	if err != nil {
		s.log.Warn("list bound orders", zap.String("driver_id", string(l.DriverID)), zap.Error(err))
		return 0
	}
	if len(bound) == 0 {
		return 0
	}

	estimates := make([]eta.Estimate, len(bound))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(etaFanout)
	for i := range bound {
		g.Go(func() error {
			estimates[i] = s.estimator.Between(gctx, l.Position, bound[i].Target())
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range bound {
		est := estimates[i]
		e := notify.NewEvent(notify.EventETAUpdate)
		e.OrderID = o.ID
		e.DriverID = l.DriverID
		e.UserID = o.CustomerID
		e.Payload["eta"] = est.ETA
		e.Payload["eta_minutes"] = est.Minutes()
		e.Payload["distance_km"] = math.Round(est.DistanceKm*100) / 100
		e.Payload["source"] = string(est.Source)
		e.Payload["leg"] = leg(o.Status)
		s.publish(e)
	}
	return len(bound)
}

func (s *Service) publish(e notify.Event) {
	if err := s.events.Publish(e); err != nil && !errors.Is(err, notify.ErrQueueClosed) {
		s.log.Warn("publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func leg(st order.Status) string {
	if st == order.StatusPickedUp {
		return "delivery"
	}
	return "pickup"
}
