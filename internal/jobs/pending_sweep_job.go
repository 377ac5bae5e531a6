package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Sweeper interface {
	SweepPending(ctx context.Context, waitedFor time.Duration, limit int) (int, error)
}

// PendingSweepJob retries matching for ready orders nobody has taken yet.
type PendingSweepJob struct {
	sweeper   Sweeper
	spec      string
	waitedFor time.Duration
	batch     int
	log       *zap.Logger
}

func NewPendingSweepJob(sweeper Sweeper, spec string, waitedFor time.Duration, batch int, log *zap.Logger) *PendingSweepJob {
	if batch <= 0 {
		batch = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PendingSweepJob{sweeper: sweeper, spec: spec, waitedFor: waitedFor, batch: batch, log: log}
}

func (j *PendingSweepJob) Name() string { return "pending_sweep" }
func (j *PendingSweepJob) Spec() string { return j.spec }

func (j *PendingSweepJob) Run(ctx context.Context) error {
	n, err := j.sweeper.SweepPending(ctx, j.waitedFor, j.batch)
	if n > 0 {
		j.log.Info("pending orders assigned", zap.Int("count", n))
	}
	return err
}
