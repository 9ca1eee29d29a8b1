// Package driver runs the paging loop: it fetches search pages, dispatches
// candidates to the scheduler and reacts to depth caps, exhaustion, the
// item budget and shutdown requests.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/metrics"
	"github.com/JakeFAU/booru-crawler/internal/query"
	"github.com/JakeFAU/booru-crawler/internal/scheduler"
	"github.com/JakeFAU/booru-crawler/internal/state"
)

// Reason explains why a run stopped.
type Reason string

// Terminal reasons.
const (
	ReasonExhausted   Reason = "exhausted"
	ReasonDepthCap    Reason = "depth_cap"
	ReasonMaxItems    Reason = "max_items"
	ReasonInterrupted Reason = "interrupted"
	ReasonFatal       Reason = "fatal"
)

// Page results reported to metrics.
const (
	pageOK       = "ok"
	pageEmpty    = "empty"
	pageError    = "error"
	pageDepthCap = "depth_cap"
)

// ErrPageRetries is returned when page fetches keep failing.
var ErrPageRetries = errors.New("page fetch retry limit reached")

// Stopper is the slice of the shutdown controller the driver needs.
type Stopper interface {
	Interrupted() bool
	DrainContext() context.Context
}

// Refresher replaces the shared connection resource.
type Refresher interface {
	Refresh() error
}

// Dispatcher turns a candidate into a scheduler task.
type Dispatcher interface {
	Task(c crawler.Candidate) scheduler.Task
}

// Config holds the loop knobs.
type Config struct {
	// AutoContinue rewrites the bound and restarts paging on a depth cap
	// instead of stopping.
	AutoContinue bool
	// RefreshEvery replaces the session every N pages; zero disables.
	RefreshEvery int
	// PageRetryLimit is the number of consecutive page failures tolerated;
	// zero means unlimited.
	PageRetryLimit int
	// RetryDelay is the pause after a failed page fetch.
	RetryDelay time.Duration
}

// Deps are the collaborators of one run.
type Deps struct {
	Site       crawler.Site
	Fetcher    crawler.Fetcher
	Refresher  Refresher
	Query      *query.SearchQuery
	State      *state.CrawlState
	Scheduler  *scheduler.Scheduler
	Dispatcher Dispatcher
	Stop       Stopper
	Logger     *zap.Logger
}

// Result summarizes a run.
type Result struct {
	Reason      Reason
	Pages       int
	Persisted   int64
	Interrupted bool
}

// Driver owns the paging loop.
type Driver struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and returns a Driver.
func New(cfg Config, deps Deps) (*Driver, error) {
	switch {
	case deps.Site == nil:
		return nil, errors.New("driver: site is required")
	case deps.Fetcher == nil:
		return nil, errors.New("driver: fetcher is required")
	case deps.Query == nil:
		return nil, errors.New("driver: query is required")
	case deps.State == nil:
		return nil, errors.New("driver: state is required")
	case deps.Scheduler == nil:
		return nil, errors.New("driver: scheduler is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("driver: dispatcher is required")
	case deps.Stop == nil:
		return nil, errors.New("driver: stopper is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PageRetryLimit < 0 {
		cfg.PageRetryLimit = 0
	}
	return &Driver{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("driver").With(zap.String("site", deps.Site.Name())),
	}, nil
}

// Run pages until a terminal condition. ctx bounds page requests and should
// be the abort context; admission is gated by the stopper's drain context.
// All admitted tasks have finished when Run returns.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	site := d.deps.Site
	admit := d.deps.Stop.DrainContext()
	cursor := site.FirstPage()
	var (
		res      Result
		failures int
	)

	for {
		if reason, stop := d.stopReason(); stop {
			return d.finish(res, reason, nil)
		}

		encoded := d.deps.Query.Encode()
		d.logger.Debug("fetching page",
			zap.Int("cursor", int(cursor)),
			zap.String("query", d.deps.Query.String()),
		)
		page, err := site.FetchPage(ctx, d.deps.Fetcher, encoded, cursor)
		if err != nil {
			if ctx.Err() != nil || admit.Err() != nil {
				return d.finish(res, ReasonInterrupted, nil)
			}
			failures++
			metrics.ObservePage(site.Name(), pageError)
			if d.cfg.PageRetryLimit > 0 && failures >= d.cfg.PageRetryLimit {
				return d.finish(res, ReasonFatal, fmt.Errorf("%w: %d consecutive failures: %w", ErrPageRetries, failures, err))
			}
			d.logger.Warn("page fetch failed, retrying",
				zap.Int("cursor", int(cursor)),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			if !d.pause(ctx, admit) {
				return d.finish(res, ReasonInterrupted, nil)
			}
			continue
		}
		failures = 0
		res.Pages++

		if err := d.dispatch(admit, page.Candidates); err != nil {
			return d.finish(res, ReasonFatal, err)
		}

		switch {
		case page.DepthCapHit:
			metrics.ObservePage(site.Name(), pageDepthCap)
			metrics.ObserveDepthCap(site.Name())
			if !d.cfg.AutoContinue {
				d.logger.Info("depth cap reached, stopping")
				return d.finish(res, ReasonDepthCap, nil)
			}
			// last reached values are final only once in-flight work is done
			if err := d.drain(); err != nil {
				return d.finish(res, ReasonFatal, err)
			}
			if reason, stop := d.stopReason(); stop {
				return d.finish(res, reason, nil)
			}
			if err := d.deps.Query.RewriteBound(d.deps.State); err != nil {
				return d.finish(res, ReasonFatal, fmt.Errorf("rewrite bound: %w", err))
			}
			d.logger.Info("depth cap reached, continuing from bound",
				zap.String("query", d.deps.Query.String()),
			)
			cursor = site.FirstPage()
			continue
		case len(page.Candidates) == 0:
			metrics.ObservePage(site.Name(), pageEmpty)
			d.logger.Info("no more results")
			return d.finish(res, ReasonExhausted, nil)
		default:
			metrics.ObservePage(site.Name(), pageOK)
		}

		cursor = site.NextPage(cursor, len(page.Candidates))
		if err := d.maybeRefresh(res.Pages); err != nil {
			return d.finish(res, ReasonFatal, err)
		}
	}
}

// dispatch submits candidates in page order until admission stops.
func (d *Driver) dispatch(admit context.Context, candidates []crawler.Candidate) error {
	for _, c := range candidates {
		if _, stop := d.stopReason(); stop {
			return nil
		}
		if err := d.deps.Scheduler.Submit(admit, d.deps.Dispatcher.Task(c)); err != nil {
			if fatal := d.deps.Scheduler.Err(); fatal != nil {
				return fatal
			}
			// drain requested while waiting for a slot
			return nil
		}
	}
	return nil
}

func (d *Driver) maybeRefresh(pages int) error {
	if d.cfg.RefreshEvery <= 0 || d.deps.Refresher == nil || pages%d.cfg.RefreshEvery != 0 {
		return nil
	}
	if err := d.drain(); err != nil {
		return err
	}
	if d.deps.Stop.Interrupted() {
		return nil
	}
	if err := d.deps.Refresher.Refresh(); err != nil {
		d.logger.Warn("session refresh failed, keeping current session", zap.Error(err))
	}
	return nil
}

func (d *Driver) drain() error {
	return d.deps.Scheduler.Wait()
}

func (d *Driver) stopReason() (Reason, bool) {
	if d.deps.Stop.Interrupted() {
		return ReasonInterrupted, true
	}
	if d.deps.State.BudgetExhausted() {
		return ReasonMaxItems, true
	}
	return "", false
}

func (d *Driver) pause(ctx, admit context.Context) bool {
	if d.cfg.RetryDelay <= 0 {
		return ctx.Err() == nil && admit.Err() == nil
	}
	timer := time.NewTimer(d.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-admit.Done():
		return false
	}
}

// finish drains the scheduler and fills in the result. A harvested task
// error takes precedence over a clean reason.
func (d *Driver) finish(res Result, reason Reason, err error) (Result, error) {
	waitErr := d.drain()
	if err == nil && waitErr != nil {
		err = waitErr
		reason = ReasonFatal
	}
	if d.deps.Stop.Interrupted() && reason != ReasonFatal {
		reason = ReasonInterrupted
	}
	res.Reason = reason
	res.Persisted = d.deps.State.Persisted()
	res.Interrupted = d.deps.Stop.Interrupted()

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Int("pages", res.Pages),
		zap.Int64("persisted", res.Persisted),
		zap.Int("peak_inflight", d.deps.Scheduler.Peak()),
	}
	if err != nil {
		d.logger.Error("crawl stopped", append(fields, zap.Error(err))...)
		return res, err
	}
	d.logger.Info("crawl finished", fields...)
	return res, nil
}
