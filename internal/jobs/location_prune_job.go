package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Pruner interface {
	PruneStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// LocationPruneJob drops drivers whose last sample is older than maxAge from
// the live index.
type LocationPruneJob struct {
	pruner Pruner
	spec   string
	maxAge time.Duration
	log    *zap.Logger
}

func NewLocationPruneJob(pruner Pruner, spec string, maxAge time.Duration, log *zap.Logger) *LocationPruneJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocationPruneJob{pruner: pruner, spec: spec, maxAge: maxAge, log: log}
}

func (j *LocationPruneJob) Name() string { return "location_prune" }
func (j *LocationPruneJob) Spec() string { return j.spec }

func (j *LocationPruneJob) Run(ctx context.Context) error {
	n, err := j.pruner.PruneStale(ctx, j.maxAge)
	if n > 0 {
		j.log.Info("stale locations pruned", zap.Int("count", n), zap.Duration("max_age", j.maxAge))
	}
	return err
}
