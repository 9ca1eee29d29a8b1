// Package shutdown turns repeated interrupts into an escalating shutdown
// level: drain, then abort, then immediate exit.
package shutdown

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Level is the current shutdown stage.
type Level int32

// Shutdown levels, one per received interrupt.
const (
	// Running admits new work.
	Running Level = iota
	// Drain stops admission and lets in-flight pipelines finish.
	Drain
	// Abort cancels network I/O and queued transform hand-offs; transforms
	// already writing still complete.
	Abort
	// Exit terminates the process immediately. The local store may be left
	// with half-written pairs, which the next run sweeps.
	Exit
)

func (l Level) String() string {
	switch l {
	case Running:
		return "running"
	case Drain:
		return "drain"
	case Abort:
		return "abort"
	default:
		return "exit"
	}
}

// Controller owns the shutdown level and the contexts derived from it.
type Controller struct {
	level atomic.Int32
	mu    sync.Mutex

	abortCtx    context.Context
	abortCancel context.CancelFunc
	drainCtx    context.Context
	drainCancel context.CancelFunc

	exit   func(code int)
	logger *zap.Logger
}

// New builds a Controller. exit is called at level Exit; nil means os.Exit.
func New(parent context.Context, exit func(int), logger *zap.Logger) *Controller {
	if exit == nil {
		exit = os.Exit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abortCtx, abortCancel := context.WithCancel(parent)
	drainCtx, drainCancel := context.WithCancel(abortCtx)
	return &Controller{
		abortCtx:    abortCtx,
		abortCancel: abortCancel,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		exit:        exit,
		logger:      logger.Named("shutdown"),
	}
}

// Level returns the current level.
func (c *Controller) Level() Level { return Level(c.level.Load()) }

// Interrupted reports whether at least one interrupt was received.
func (c *Controller) Interrupted() bool { return c.Level() >= Drain }

// DrainContext is canceled from level Drain on. It gates admission of new
// candidates and pages.
func (c *Controller) DrainContext() context.Context { return c.drainCtx }

// AbortContext is canceled from level Abort on. In-flight pipelines run
// with it.
func (c *Controller) AbortContext() context.Context { return c.abortCtx }

// Escalate moves one level up and returns the new level.
func (c *Controller) Escalate() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.Level() + 1
	if next > Exit {
		next = Exit
	}
	c.level.Store(int32(next))
	switch next {
	case Drain:
		c.logger.Warn("interrupt received, draining in-flight work; interrupt again to stop waiting for image checks")
		c.drainCancel()
	case Abort:
		c.logger.Warn("second interrupt, aborting in-flight network work; interrupt again to exit immediately")
		c.abortCancel()
	case Exit:
		c.logger.Error("third interrupt, exiting without cleanup")
		_ = c.logger.Sync()
		c.exit(1)
	}
	return next
}

// Watch escalates once per signal until ctx is done.
func (c *Controller) Watch(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			c.logger.Info("signal", zap.String("signal", sig.String()))
			c.Escalate()
		}
	}
}

// Stop releases the derived contexts.
func (c *Controller) Stop() {
	c.drainCancel()
	c.abortCancel()
}
