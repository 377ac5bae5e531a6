// README: Benchmark cases; environment checks, assignment flow, contention and throughput against a running API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	runID   string
	drivers []string
	// assigned is an order the flow cases bound successfully.
	assigned string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		runID: fmt.Sprintf("b%d", time.Now().Unix()),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkDB},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			status, latency, err := r.call(ctx, http.MethodGet, "/health", nil, nil)
			return expect(status, latency, err, http.StatusOK)
		}},
		{Name: "Seed: drivers and locations", Run: seedDrivers},
		{Name: "Redis: seeded drivers in geo index", Run: checkGeoIndex},
		{Name: "Assign: ready order -> 200", Run: assignReady},
		{Name: "Assign: same order again -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.assigned == "" {
				return Result{Status: StatusSkip, Note: "no assigned order"}
			}
			status, latency, err := r.call(ctx, http.MethodPost, "/api/orders/"+r.assigned+"/assign", nil, nil)
			return expect(status, latency, err, http.StatusConflict)
		}},
		{Name: "Assign: unknown order -> 404", Run: func(ctx context.Context, r *Runner) Result {
			status, latency, err := r.call(ctx, http.MethodPost, "/api/orders/"+r.runID+"-missing/assign", nil, nil)
			return expect(status, latency, err, http.StatusNotFound)
		}},
		{Name: "Assign: pending order -> 400", Run: func(ctx context.Context, r *Runner) Result {
			id, err := r.createOrder(ctx, false)
			if err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			status, latency, err := r.call(ctx, http.MethodPost, "/api/orders/"+id+"/assign", nil, nil)
			return expect(status, latency, err, http.StatusBadRequest)
		}},
		{Name: "DB: assigned order bound with event", Run: checkAssignedRow},
		{Name: "Location: invalid coords -> 400", Run: func(ctx context.Context, r *Runner) Result {
			status, latency, err := r.call(ctx, http.MethodPut, "/api/drivers/"+r.driver(0)+"/location",
				map[string]any{"lat": 123.0, "lng": 456.0}, nil)
			return expect(status, latency, err, http.StatusBadRequest)
		}},
		{Name: "ETA: seeded driver -> 200", Run: func(ctx context.Context, r *Runner) Result {
			path := fmt.Sprintf("/api/drivers/%s/eta?lat=%f&lng=%f", r.driver(0), r.cfg.CenterLat+0.01, r.cfg.CenterLng)
			status, latency, err := r.call(ctx, http.MethodGet, path, nil, nil)
			return expect(status, latency, err, http.StatusOK)
		}},
		{Name: "Release: rematch without released driver", Run: releaseAndRematch},
		{Name: "Concurrency: many assigns on one order", Run: concurrentAssign},
		{Name: "Perf: location update throughput", Run: perfLocation},
		{Name: "Perf: assignment latency", Run: perfAssign},
		{Name: "Stats: last hour -> 200", Run: func(ctx context.Context, r *Runner) Result {
			var st struct {
				Total       int     `json:"total"`
				SuccessRate float64 `json:"success_rate"`
			}
			status, latency, err := r.call(ctx, http.MethodGet, "/api/assignments/stats", nil, &st)
			res := expect(status, latency, err, http.StatusOK)
			if res.Status == StatusPass {
				res.Note = fmt.Sprintf("total=%d success_rate=%.2f", st.Total, st.SuccessRate)
			}
			return res
		}},
	}
}

func checkDB(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusFail, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	return Result{Status: StatusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: StatusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("%d tables", len(tables))}
}

// seedDrivers registers drivers and scatters them within ~4 km of the center.
func seedDrivers(ctx context.Context, r *Runner) Result {
	start := time.Now()
	rng := rand.New(rand.NewPCG(uint64(start.UnixNano()), 7))
	r.drivers = make([]string, r.cfg.Drivers)
	for i := range r.drivers {
		r.drivers[i] = fmt.Sprintf("%s-d%03d", r.runID, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range r.drivers {
		id := id
		lat := r.cfg.CenterLat + (rng.Float64()-0.5)*0.07
		lng := r.cfg.CenterLng + (rng.Float64()-0.5)*0.07
		rating := 4.0 + rng.Float64()
		tier := rng.IntN(4)
		g.Go(func() error {
			status, _, err := r.call(gctx, http.MethodPut, "/api/drivers/"+id,
				map[string]any{"name": id, "rating": rating, "tier": tier, "is_online": true}, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("upsert %s: status=%d", id, status)
			}
			status, _, err = r.call(gctx, http.MethodPut, "/api/drivers/"+id+"/location",
				map[string]any{"lat": lat, "lng": lng, "speed": 25}, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("location %s: status=%d", id, status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass, Latency: time.Since(start), Note: fmt.Sprintf("drivers=%d", len(r.drivers))}
}

func checkGeoIndex(ctx context.Context, r *Runner) Result {
	if r.redis == nil || len(r.drivers) == 0 {
		return Result{Status: StatusSkip, Note: "redis or seed missing"}
	}
	pos, err := r.redis.GeoPos(ctx, "geo:drivers", r.drivers...).Result()
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	missing := 0
	for _, p := range pos {
		if p == nil {
			missing++
		}
	}
	if missing > 0 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("missing=%d", missing)}
	}
	return Result{Status: StatusPass}
}

func assignReady(ctx context.Context, r *Runner) Result {
	id, err := r.createOrder(ctx, true)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	var res assignResult
	status, latency, err := r.call(ctx, http.MethodPost, "/api/orders/"+id+"/assign", nil, &res)
	out := expect(status, latency, err, http.StatusOK)
	if out.Status == StatusPass {
		r.assigned = id
		out.Note = fmt.Sprintf("driver=%s distance=%.2fkm attempts=%d", res.DriverID, res.DistanceKm, res.Attempts)
	}
	return out
}

func checkAssignedRow(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.assigned == "" {
		return Result{Status: StatusSkip, Note: "db or assigned order missing"}
	}
	var status string
	var driverID *string
	if err := r.db.QueryRow(ctx, `SELECT status, driver_id FROM orders WHERE id = $1`, r.assigned).Scan(&status, &driverID); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	if status != "assigned" || driverID == nil {
		return Result{Status: StatusFail, Note: "order status=" + status}
	}
	var events int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM order_events WHERE order_id = $1 AND to_status = 'assigned'`, r.assigned).Scan(&events); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	if events != 1 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("assigned events=%d", events)}
	}
	return Result{Status: StatusPass}
}

func releaseAndRematch(ctx context.Context, r *Runner) Result {
	id, err := r.createOrder(ctx, true)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	var first assignResult
	status, _, err := r.call(ctx, http.MethodPost, "/api/orders/"+id+"/assign", nil, &first)
	if err != nil || status != http.StatusOK {
		return Result{Status: StatusFail, Note: fmt.Sprintf("assign status=%d err=%v", status, err)}
	}
	var second assignResult
	status, latency, err := r.call(ctx, http.MethodPost, "/api/orders/"+id+"/release",
		map[string]any{"driver_id": first.DriverID, "reason": "bench"}, &second)
	out := expect(status, latency, err, http.StatusOK)
	if out.Status == StatusPass && second.DriverID == first.DriverID {
		return Result{Status: StatusFail, Note: "released driver was re-selected"}
	}
	return out
}

// concurrentAssign fires Concurrency assign calls at one order; exactly one may win.
func concurrentAssign(ctx context.Context, r *Runner) Result {
	id, err := r.createOrder(ctx, true)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	var ok, conflict, other int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error {
			status, _, err := r.call(gctx, http.MethodPost, "/api/orders/"+id+"/assign", nil, nil)
			switch {
			case err != nil:
				atomic.AddInt64(&other, 1)
			case status == http.StatusOK:
				atomic.AddInt64(&ok, 1)
			case status == http.StatusConflict:
				atomic.AddInt64(&conflict, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	note := fmt.Sprintf("success=%d conflict=%d other=%d", ok, conflict, other)
	if ok != 1 {
		return Result{Status: StatusFail, Note: note}
	}
	return Result{Status: StatusPass, Note: note}
}

func perfLocation(ctx context.Context, r *Runner) Result {
	if len(r.drivers) == 0 {
		return Result{Status: StatusSkip, Note: "no seeded drivers"}
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < r.cfg.Concurrency; w++ {
		w := w
		g.Go(func() error {
			id := r.drivers[w%len(r.drivers)]
			for i := 0; time.Now().Before(end) && gctx.Err() == nil; i++ {
				body := map[string]any{
					"lat": r.cfg.CenterLat + float64(i%100)*0.0001,
					"lng": r.cfg.CenterLng,
				}
				status, _, err := r.call(gctx, http.MethodPut, "/api/drivers/"+id+"/location", body, nil)
				if err != nil || status != http.StatusOK {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&count, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if count == 0 {
		return Result{Status: StatusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

// perfAssign creates one ready order per worker round and reports assign latency percentiles.
func perfAssign(ctx context.Context, r *Runner) Result {
	const perWorker = 5
	var mu sync.Mutex
	latencies := make([]time.Duration, 0, r.cfg.Concurrency*perWorker)
	var failures int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < r.cfg.Concurrency; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				id, err := r.createOrder(gctx, true)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				status, latency, err := r.call(gctx, http.MethodPost, "/api/orders/"+id+"/assign", nil, nil)
				if err != nil || status != http.StatusOK {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, latency)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(latencies) == 0 {
		return Result{Status: StatusFail, Note: "no requests completed"}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := latencies[len(latencies)/2]
	p95 := latencies[(len(latencies)*95)/100]
	// seeded capacity runs out under load; unmatched orders are expected
	return Result{Status: StatusPass, Note: fmt.Sprintf("n=%d p50=%s p95=%s unmatched=%d", len(latencies), p50, p95, failures)}
}

type assignResult struct {
	Success    bool    `json:"success"`
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Attempts   int     `json:"attempts"`
}

func (r *Runner) driver(i int) string {
	if len(r.drivers) == 0 {
		return r.runID + "-none"
	}
	return r.drivers[i%len(r.drivers)]
}

func (r *Runner) createOrder(ctx context.Context, ready bool) (string, error) {
	var out struct {
		OrderID string `json:"order_id"`
	}
	status, _, err := r.call(ctx, http.MethodPost, "/api/orders", map[string]any{
		"customer_id": r.runID + "-c",
		"pickup":      map[string]float64{"lat": r.cfg.CenterLat, "lng": r.cfg.CenterLng},
		"delivery":    map[string]float64{"lat": r.cfg.CenterLat + 0.02, "lng": r.cfg.CenterLng - 0.02},
		"ready":       ready,
	}, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("create order: status=%d", status)
	}
	return out.OrderID, nil
}

// call sends a JSON request and decodes a JSON response into out when given.
func (r *Runner) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, fmt.Errorf("decode: %w", err)
		}
		return resp.StatusCode, latency, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency, nil
}

func expect(status int, latency time.Duration, err error, want int) Result {
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	res := Result{Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	if status == want {
		res.Status = StatusPass
	} else {
		res.Status = StatusFail
	}
	return res
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
