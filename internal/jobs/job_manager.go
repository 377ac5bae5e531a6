// README: Cron job manager; runs background jobs on second-resolution schedules, one run at a time per job.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Job interface {
	Name() string
	Spec() string
	Run(ctx context.Context) error
}

// JobManager owns a single cron scheduler for all registered jobs.
type JobManager struct {
	cron *cron.Cron
	jobs []Job
	log  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewJobManager(log *zap.Logger, jobs ...Job) *JobManager {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Sugar()}
	return &JobManager{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: jobs,
		log:  log,
	}
}

// StartAll schedules every job and starts the scheduler. Jobs receive a
// context that is cancelled by StopAll.
func (m *JobManager) StartAll(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	for _, j := range m.jobs {
		j := j
		_, err := m.cron.AddFunc(j.Spec(), func() {
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("job failed", zap.String("job", j.Name()), zap.Error(err))
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("schedule %s (%q): %w", j.Name(), j.Spec(), err)
		}
		m.log.Info("job scheduled", zap.String("job", j.Name()), zap.String("spec", j.Spec()))
	}

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.cron.Start()
	return nil
}

// StopAll stops scheduling and waits for running jobs to return.
func (m *JobManager) StopAll() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-m.cron.Stop().Done()
	m.log.Info("jobs stopped")
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
