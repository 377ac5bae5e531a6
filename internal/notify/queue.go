// README: Bounded in-process event queue drained by a single goroutine into sinks.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("notify queue full")
	ErrQueueClosed = errors.New("notify queue closed")
)

const (
	deliverTimeout = 5 * time.Second
	drainTimeout   = 3 * time.Second
)

type Queue struct {
	events chan Event
	sinks  []Sink
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewQueue(size int, log *zap.Logger, sinks ...Sink) *Queue {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		events: make(chan Event, size),
		sinks:  sinks,
		log:    log,
	}
}

// Publish enqueues without blocking.
func (q *Queue) Publish(e Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- e:
		return nil
	default:
		q.log.Warn("notify queue full, dropping event",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
		)
		return ErrQueueFull
	}
}

// Len is the number of buffered events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Run drains the queue until ctx is done, then flushes what is left for a short grace period.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.close()
			q.flush()
			return nil
		case e := <-q.events:
			q.deliver(context.WithoutCancel(ctx), e)
		}
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-q.events:
			q.deliver(ctx, e)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, e Event) {
	for _, s := range q.sinks {
		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := s.Deliver(dctx, e)
		cancel()
		if err != nil {
			q.log.Error("event delivery failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", e.ID),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
}
