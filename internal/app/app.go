// Package app wires one crawl run from a validated configuration: the site
// adapter, local store, crawl state, fetch session, scheduler, pipeline,
// exporters, shutdown controller and the optional status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/config"
	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/driver"
	"github.com/JakeFAU/booru-crawler/internal/export"
	"github.com/JakeFAU/booru-crawler/internal/export/gcs"
	"github.com/JakeFAU/booru-crawler/internal/export/postgres"
	pubsubexport "github.com/JakeFAU/booru-crawler/internal/export/pubsub"
	"github.com/JakeFAU/booru-crawler/internal/fetch"
	"github.com/JakeFAU/booru-crawler/internal/hash/sha256"
	"github.com/JakeFAU/booru-crawler/internal/imaging"
	"github.com/JakeFAU/booru-crawler/internal/metrics"
	"github.com/JakeFAU/booru-crawler/internal/pipeline"
	"github.com/JakeFAU/booru-crawler/internal/query"
	"github.com/JakeFAU/booru-crawler/internal/ratelimit"
	"github.com/JakeFAU/booru-crawler/internal/scheduler"
	"github.com/JakeFAU/booru-crawler/internal/server"
	"github.com/JakeFAU/booru-crawler/internal/shutdown"
	"github.com/JakeFAU/booru-crawler/internal/site/gelbooru"
	"github.com/JakeFAU/booru-crawler/internal/site/yandere"
	"github.com/JakeFAU/booru-crawler/internal/state"
	"github.com/JakeFAU/booru-crawler/internal/telemetry"
	"github.com/JakeFAU/booru-crawler/internal/store/local"
	"github.com/JakeFAU/booru-crawler/internal/workerpool"
)

// ErrConfig marks failures that happen before any network activity.
var ErrConfig = errors.New("configuration error")

// Options are the process level hooks.
type Options struct {
	// Exit is called on the third interrupt; nil means os.Exit.
	Exit func(int)
	// Exporters replaces the exporters built from configuration.
	Exporters []export.Exporter
}

// App holds the services of one run.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	site    crawler.Site
	query   *query.SearchQuery
	store   *local.Store
	state   *state.CrawlState
	holder  *fetch.Holder
	fanout  *export.Fanout
	ctrl    *shutdown.Controller
	sched   *scheduler.Scheduler
	driver  *driver.Driver
	status  *server.Server
	tracer  *sdktrace.TracerProvider
	started time.Time
}

// New builds every collaborator. Errors wrapping ErrConfig are reported
// before any request is sent.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	runID := newRunID()
	logger = logger.With(zap.String("run_id", runID), zap.String("site", cfg.Site))

	site, err := newSite(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	q, err := query.Parse(cfg.Crawl.Tags, site.Dialect())
	if err != nil {
		return nil, fmt.Errorf("%w: parse query: %w", ErrConfig, err)
	}
	transformer, err := imaging.New(cfg.Image.Options())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	accepted := cfg.Crawl.AcceptedExtensions
	if len(accepted) == 0 {
		accepted = pipeline.DefaultAcceptedExtensions
	}
	store, err := local.New(local.Config{
		Dir:             cfg.Store.Dir,
		AssetExtensions: append(slices.Clone(accepted), imaging.OutputExtensions...),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.Store.SweepOrphans {
		removed, err := store.Sweep()
		if err != nil {
			return nil, fmt.Errorf("sweep store: %w", err)
		}
		if removed > 0 {
			logger.Info("removed leftovers of an interrupted run", zap.Int("files", removed))
		}
	}
	existing, err := store.ScanExisting()
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}
	logger.Info("store scanned", zap.String("dir", store.Dir()), zap.Int("existing", len(existing)))

	crawlState := state.New(existing, state.Options{
		Descending:     q.Sort().Descending,
		ReportInterval: cfg.Crawl.ReportInterval,
		MaxItems:       cfg.Crawl.MaxItems,
	}, logger)

	holder, err := fetch.NewHolder(site.Name(), sessionFactory(cfg), logger)
	if err != nil {
		return nil, err
	}

	exporters := opts.Exporters
	if exporters == nil {
		if exporters, err = buildExporters(ctx, cfg, logger); err != nil {
			holder.Close()
			return nil, err
		}
	}
	fanout := export.NewFanout(logger, exporters...)

	ctrl := shutdown.New(ctx, opts.Exit, logger)
	sched := scheduler.New(ctrl.AbortContext(), cfg.Crawl.Concurrency, logger)

	tp, err := telemetry.InitTracerProvider(ctx, config.AppName)
	if err != nil {
		return nil, errors.Join(err, closeAll(holder, fanout, ctrl, nil))
	}

	pipe, err := pipeline.New(pipeline.Config{
		RunID:              runID,
		MinTags:            cfg.Crawl.MinTags,
		AcceptedExtensions: accepted,
	}, pipeline.Deps{
		Site:        site,
		Fetcher:     holder,
		State:       crawlState,
		Store:       store,
		Transformer: transformer,
		Pool:        workerpool.New(cfg.Crawl.Workers),
		Retry:       crawler.NewFixedRetryPolicy(cfg.Crawl.MaxRetries, cfg.Crawl.RetryDelay),
		Stop:        ctrl,
		Hasher:      sha256.New(),
		Exporter:    fanout,
		Tracer:      tp.Tracer("github.com/JakeFAU/booru-crawler/internal/pipeline"),
		Logger:      logger,
	})
	if err != nil {
		return nil, errors.Join(err, closeAll(holder, fanout, ctrl, tp))
	}

	drv, err := driver.New(driver.Config{
		AutoContinue:   cfg.Crawl.Continuous,
		RefreshEvery:   cfg.RefreshPages(),
		PageRetryLimit: cfg.Crawl.PageRetryLimit,
		RetryDelay:     cfg.Crawl.RetryDelay,
	}, driver.Deps{
		Site:       site,
		Fetcher:    holder,
		Refresher:  holder,
		Query:      q,
		State:      crawlState,
		Scheduler:  sched,
		Dispatcher: pipe,
		Stop:       ctrl,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Join(err, closeAll(holder, fanout, ctrl, tp))
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		runID:   runID,
		site:    site,
		query:   q,
		store:   store,
		state:   crawlState,
		holder:  holder,
		fanout:  fanout,
		ctrl:    ctrl,
		sched:   sched,
		driver:  drv,
		tracer:  tp,
		started: time.Now(),
	}
	if cfg.Metrics.Addr != "" {
		a.status, err = server.New(server.RunInfo{
			RunID:     runID,
			Site:      site.Name(),
			Query:     q.String(),
			StartedAt: a.started,
		}, crawlState, ctrl, logger)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
	}
	return a, nil
}

// RunID identifies this run in logs and exports.
func (a *App) RunID() string { return a.runID }

// Query is the current search query, including any rewritten bound.
func (a *App) Query() *query.SearchQuery { return a.query }

// State exposes the run counters.
func (a *App) State() *state.CrawlState { return a.state }

// Controller exposes the shutdown controller.
func (a *App) Controller() *shutdown.Controller { return a.ctrl }

// Run crawls until a terminal condition. Each value received on signals
// escalates the shutdown level.
func (a *App) Run(ctx context.Context, signals <-chan os.Signal) (driver.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if signals != nil {
		go a.ctrl.Watch(runCtx, signals)
	}
	serveDone := make(chan struct{})
	if a.status != nil {
		go func() {
			defer close(serveDone)
			if err := a.status.ListenAndServe(runCtx, a.cfg.Metrics.Addr); err != nil {
				a.logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	} else {
		close(serveDone)
	}

	a.logger.Info("crawl started",
		zap.String("query", a.query.String()),
		zap.Int("concurrency", a.cfg.Crawl.Concurrency),
		zap.Bool("continuous", a.cfg.Crawl.Continuous),
	)
	res, err := a.driver.Run(a.ctrl.AbortContext())
	cancel()
	<-serveDone
	return res, err
}

// Close releases the session, exporters, tracer provider and contexts.
func (a *App) Close() error {
	return closeAll(a.holder, a.fanout, a.ctrl, a.tracer)
}

func closeAll(holder *fetch.Holder, fanout *export.Fanout, ctrl *shutdown.Controller, tp *sdktrace.TracerProvider) error {
	holder.Close()
	ctrl.Stop()
	var errs []error
	if err := fanout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close exporters: %w", err))
	}
	if tp != nil {
		if err := tp.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ExitCode maps a run outcome onto the process status.
func ExitCode(res driver.Result, err error) int {
	if err != nil || res.Interrupted || res.Reason == driver.ReasonFatal {
		return 1
	}
	return 0
}

func newSite(cfg config.Config) (crawler.Site, error) {
	switch cfg.Site {
	case gelbooru.Name:
		return gelbooru.New(cfg.Sites.Gelbooru)
	case yandere.Name:
		return yandere.New(cfg.Sites.Yandere)
	default:
		return nil, fmt.Errorf("unknown site %q", cfg.Site)
	}
}

func sessionFactory(cfg config.Config) fetch.Factory {
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.HTTP.RPS, DefaultBurst: cfg.HTTP.Burst})
	sessionCfg := fetch.Config{
		Site:         cfg.Site,
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.Timeout(),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}
	if cfg.Site == gelbooru.Name {
		sessionCfg.CookieURL = cfg.Sites.Gelbooru.BaseURL
		if sessionCfg.CookieURL == "" {
			sessionCfg.CookieURL = gelbooru.DefaultBaseURL
		}
		sessionCfg.Cookies = gelbooru.Cookies()
	}
	return func() (*fetch.Session, error) {
		return fetch.NewSession(sessionCfg, limiter)
	}
}

func buildExporters(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]export.Exporter, error) {
	var exporters []export.Exporter
	fail := func(err error) ([]export.Exporter, error) {
		return nil, errors.Join(err, export.NewFanout(logger, exporters...).Close())
	}

	if cfg.Export.GCS.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fail(fmt.Errorf("create storage client: %w", err))
		}
		mirror, err := gcs.New(client, cfg.Export.GCS, logger)
		if err != nil {
			_ = client.Close()
			return fail(err)
		}
		exporters = append(exporters, mirror)
	}
	if cfg.Export.PubSub.TopicID != "" {
		client, err := pubsub.NewClient(ctx, cfg.Export.PubSub.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("create pubsub client: %w", err))
		}
		notifier, err := pubsubexport.New(client, cfg.Export.PubSub)
		if err != nil {
			_ = client.Close()
			return fail(err)
		}
		exporters = append(exporters, notifier)
	}
	if cfg.Export.Postgres.DSN != "" {
		catalog, err := postgres.New(ctx, cfg.Export.Postgres)
		if err != nil {
			return fail(err)
		}
		exporters = append(exporters, catalog)
	}
	for _, e := range exporters {
		logger.Info("exporter enabled", zap.String("exporter", e.Name()))
	}
	return exporters, nil
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
