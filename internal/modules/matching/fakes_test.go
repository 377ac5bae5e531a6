package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/geo"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/roster"
	"dispatch/internal/notify"
	"dispatch/internal/types"

	"go.uber.org/zap"
)

// world is an in-memory stand-in for Redis + Postgres. Transactions are
// serialized and roll back every write on error.
type world struct {
	txMu sync.Mutex

	mu          sync.Mutex
	drivers     map[types.ID]roster.Profile
	locs        map[types.ID]types.LiveLocation
	orders      map[types.ID]order.Order
	events      []order.Event
	maxRequeues int
	// refuseSlot makes IncrementActive fail for the listed drivers.
	refuseSlot map[types.ID]bool
}

func newWorld() *world {
	return &world{
		drivers:     map[types.ID]roster.Profile{},
		locs:        map[types.ID]types.LiveLocation{},
		orders:      map[types.ID]order.Order{},
		maxRequeues: 3,
		refuseSlot:  map[types.ID]bool{},
	}
}

func (w *world) addDriver(p roster.Profile, pos types.Point, capturedAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drivers[p.ID] = p
	w.locs[p.ID] = types.LiveLocation{DriverID: p.ID, Position: pos, CapturedAt: capturedAt}
}

func (w *world) addOrder(o order.Order) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.orders[o.ID] = o
}

func (w *world) order(id types.ID) order.Order {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.orders[id]
}

func (w *world) setStatus(id types.ID, st order.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o := w.orders[id]
	o.Status = st
	w.orders[id] = o
}

func (w *world) driver(id types.ID) roster.Profile {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.drivers[id]
}

func (w *world) totalActive() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, p := range w.drivers {
		n += p.ActiveAssignments
	}
	return n
}

// TxManager

func (w *world) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	w.txMu.Lock()
	defer w.txMu.Unlock()

	w.mu.Lock()
	drivers := make(map[types.ID]roster.Profile, len(w.drivers))
	for k, v := range w.drivers {
		drivers[k] = v
	}
	orders := make(map[types.ID]order.Order, len(w.orders))
	for k, v := range w.orders {
		orders[k] = v
	}
	nEvents := len(w.events)
	w.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		w.mu.Lock()
		w.drivers, w.orders, w.events = drivers, orders, w.events[:nEvents]
		w.mu.Unlock()
	}
	return err
}

// Locator

func (w *world) Nearby(_ context.Context, center types.Point, radiusKm float64, limit int) ([]location.Nearby, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []location.Nearby
	for _, l := range w.locs {
		d := geo.HaversineKm(center, l.Position)
		if d <= radiusKm {
			out = append(out, location.Nearby{Location: l, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, len(out), nil
}

// ProfileSource + Capacity

func (w *world) Profiles(_ context.Context, ids []types.ID) (map[types.ID]roster.Profile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[types.ID]roster.Profile, len(ids))
	for _, id := range ids {
		if p, ok := w.drivers[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (w *world) IncrementActive(_ context.Context, id types.ID, limit int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.drivers[id]
	if !ok || !p.IsActive || (limit > 0 && p.ActiveAssignments >= limit) || w.refuseSlot[id] {
		return false, nil
	}
	p.ActiveAssignments++
	w.drivers[id] = p
	return true, nil
}

// OrderBinder + Orders

func (w *world) Get(_ context.Context, id types.ID) (*order.Order, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (w *world) Bind(_ context.Context, orderID, driverID types.ID, _ time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.orders[orderID]
	if !ok || o.Status != order.StatusReady || o.DriverID != nil {
		return false, nil
	}
	d := driverID
	o.DriverID = &d
	o.Status = order.StatusAssigned
	w.orders[orderID] = o
	return true, nil
}

func (w *world) AppendEvent(_ context.Context, e *order.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, *e)
	return nil
}

func (w *world) Release(_ context.Context, cmd order.ReleaseCommand) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.orders[cmd.OrderID]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != order.StatusAssigned || !o.BoundTo(cmd.DriverID) {
		return order.ErrConflict
	}
	o.Status = order.StatusReady
	o.DriverID = nil
	w.orders[cmd.OrderID] = o
	if p, ok := w.drivers[cmd.DriverID]; ok && p.ActiveAssignments > 0 {
		p.ActiveAssignments--
		w.drivers[cmd.DriverID] = p
	}
	return nil
}

func (w *world) RecordAssignmentFailure(_ context.Context, id types.ID, reason string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.orders[id]
	if !ok || o.Status != order.StatusReady {
		return false, order.ErrConflict
	}
	o.RequeueCount++
	o.FailureReason = &reason
	if o.RequeueCount > w.maxRequeues {
		o.Status = order.StatusFailed
	}
	w.orders[id] = o
	return o.Status == order.StatusFailed, nil
}

func (w *world) ListStaleReady(_ context.Context, _ time.Duration, limit int) ([]order.Order, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []order.Order
	for _, o := range w.orders {
		if o.Status == order.StatusReady && o.DriverID == nil {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memStats struct {
	mu      sync.Mutex
	records []AttemptRecord
}

func (m *memStats) Record(_ context.Context, rec AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStats) Range(_ context.Context, from, to time.Time) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AttemptRecord
	for _, r := range m.records {
		if !r.At.Before(from) && r.At.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(e notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) ofType(t notify.EventType) []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	testNow = time.Date(2026, 4, 15, 14, 0, 0, 0, time.UTC)
	pickup  = types.Point{Lat: 25.0330, Lng: 121.5654}
)

func testConfig() config.MatchingConfig {
	cfg := config.DefaultMatching()
	cfg.RetryBackoff = 0
	return cfg
}

type harness struct {
	w      *world
	svc    *Service
	stats  *memStats
	events *eventLog
}

func newHarness(cfg config.MatchingConfig, seed uint64) *harness {
	w := newWorld()
	stats := &memStats{}
	events := &eventLog{}
	finder := NewFinder(w, w)
	finder.now = func() time.Time { return testNow }
	svc := NewService(ServiceDeps{
		Orders:     w,
		Finder:     finder,
		Selector:   NewSelector(cfg.TopK, newPCG(seed)),
		Transactor: NewTransactor(w, w, w, time.Second),
		Stats:      stats,
		Events:     events,
		Log:        zap.NewNop(),
	}, cfg)
	svc.now = func() time.Time { return testNow }
	return &harness{w: w, svc: svc, stats: stats, events: events}
}

// offset returns a point roughly km kilometres north of p.
func offset(p types.Point, km float64) types.Point {
	return types.Point{Lat: p.Lat + km/111.2, Lng: p.Lng}
}

func readyOrder(id types.ID) order.Order {
	return order.Order{
		ID:         id,
		CustomerID: "c-" + id,
		Status:     order.StatusReady,
		Pickup:     pickup,
		Delivery:   offset(pickup, 3),
	}
}

func onlineDriver(id types.ID, rating float64) roster.Profile {
	return roster.Profile{ID: id, Rating: rating, IsActive: true, IsOnline: true}
}
