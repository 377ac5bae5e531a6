// README: ETA engine; prefers a routing provider behind a timeout and rate limiter, falls back to the heuristic.
package eta

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dispatch/internal/geo"
	"dispatch/internal/types"
)

// Below this distance the provider is not consulted.
const minProviderDistanceKm = 0.05

// RoutingProvider returns a road travel duration and distance.
type RoutingProvider interface {
	TravelDuration(ctx context.Context, origin, destination types.Point, departAt time.Time) (time.Duration, float64, error)
}

type EngineConfig struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
}

type Engine struct {
	heuristic *Heuristic
	provider  RoutingProvider
	limiter   *rate.Limiter
	timeout   time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewEngine builds an engine. provider may be nil.
func NewEngine(h *Heuristic, provider RoutingProvider, cfg EngineConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Engine{
		heuristic: h,
		provider:  provider,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		timeout:   cfg.Timeout,
		log:       log,
		now:       time.Now,
	}
}

// Estimate never fails; provider errors degrade to the heuristic.
func (e *Engine) Estimate(ctx context.Context, from, to types.Point) Estimate {
	now := e.now()
	if e.provider == nil || geo.HaversineKm(from, to) < minProviderDistanceKm {
		return e.heuristic.Estimate(from, to, now)
	}

	est, err := e.fromProvider(ctx, from, to, now)
	if err == nil {
		return est
	}
	e.log.Warn("routing provider degraded, using heuristic", zap.Error(err))
	fallback := e.heuristic.Estimate(from, to, now)
	fallback.Degraded = true
	return fallback
}

func (e *Engine) fromProvider(ctx context.Context, from, to types.Point, now time.Time) (Estimate, error) {
	if !e.limiter.Allow() {
		return Estimate{}, fmt.Errorf("%w: rate limited", ErrProviderUnavailable)
	}
	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	d, km, err := e.provider.TravelDuration(pctx, from, to, now)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if d <= 0 {
		return Estimate{}, fmt.Errorf("%w: non-positive duration %s", ErrProviderUnavailable, d)
	}
	if km <= 0 {
		km = geo.HaversineKm(from, to)
	}
	return Estimate{
		ETA:        now.Add(d),
		Duration:   d,
		DistanceKm: km,
		Source:     SourceProvider,
	}, nil
}
