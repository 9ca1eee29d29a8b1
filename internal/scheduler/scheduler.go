// Package scheduler bounds the number of concurrently running pipeline
// instances and surfaces the first fatal error any of them returns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/metrics"
)

// DefaultLimit is the in-flight cap used when none is configured.
const DefaultLimit = 50

// ErrTaskPanic wraps a panic recovered from a task.
var ErrTaskPanic = errors.New("task panicked")

// Task is one unit of admitted work. A non-nil error is fatal to the run.
type Task func(ctx context.Context) error

// Scheduler admits at most limit tasks at a time.
type Scheduler struct {
	runCtx context.Context
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	failOnce sync.Once
	failed   chan struct{}
	errMu    sync.Mutex
	err      error

	inflight atomic.Int64
	peak     atomic.Int64
}

// New builds a Scheduler whose tasks run with runCtx.
func New(runCtx context.Context, limit int, logger *zap.Logger) *Scheduler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runCtx: runCtx,
		slots:  make(chan struct{}, limit),
		failed: make(chan struct{}),
		logger: logger.Named("scheduler"),
	}
}

// Submit blocks until a slot frees up, then starts task. It returns the
// harvested fatal error once any task has failed, or ctx's error when
// admission was stopped before a slot became available.
func (s *Scheduler) Submit(ctx context.Context, task Task) error {
	if err := s.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("admission stopped: %w", err)
	}
	select {
	case s.slots <- struct{}{}:
	case <-s.failed:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("admission stopped: %w", ctx.Err())
	}
	if err := s.Err(); err != nil {
		<-s.slots
		return err
	}

	s.track()
	s.wg.Add(1)
	go func() {
		defer func() {
			s.inflight.Add(-1)
			metrics.DecInflight()
			<-s.slots
			s.wg.Done()
		}()
		if err := s.run(task); err != nil {
			s.fail(err)
		}
	}()
	return nil
}

func (s *Scheduler) track() {
	n := s.inflight.Add(1)
	metrics.IncInflight()
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (s *Scheduler) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return task(s.runCtx)
}

func (s *Scheduler) fail(err error) {
	s.failOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		s.logger.Error("fatal task error", zap.Error(err))
		close(s.failed)
	})
}

// Err returns the first fatal task error.
func (s *Scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Wait blocks until every admitted task has returned.
func (s *Scheduler) Wait() error {
	s.wg.Wait()
	return s.Err()
}

// InFlight returns the number of running tasks.
func (s *Scheduler) InFlight() int { return int(s.inflight.Load()) }

// Peak returns the highest InFlight value observed.
func (s *Scheduler) Peak() int { return int(s.peak.Load()) }
