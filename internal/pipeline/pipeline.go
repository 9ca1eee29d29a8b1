// Package pipeline runs one candidate through dedup, extraction, filtering,
// download, validation and persistence.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/export"
	"github.com/JakeFAU/booru-crawler/internal/imaging"
	"github.com/JakeFAU/booru-crawler/internal/metrics"
	"github.com/JakeFAU/booru-crawler/internal/scheduler"
	"github.com/JakeFAU/booru-crawler/internal/state"
	"github.com/JakeFAU/booru-crawler/internal/store/local"
)

const tracerName = "github.com/JakeFAU/booru-crawler/internal/pipeline"

// Outcome is the terminal state of one candidate.
type Outcome string

// Pipeline outcomes.
const (
	Persisted Outcome = "persisted"
	Skipped   Outcome = "skipped"
	Duplicate Outcome = "duplicate"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
)

// DefaultAcceptedExtensions are the asset types the decoder can validate.
var DefaultAcceptedExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".tif", ".webp"}

// Stopper reports whether a shutdown was requested.
type Stopper interface {
	Interrupted() bool
}

// PairWriter commits a pair atomically.
type PairWriter interface {
	WritePair(ctx context.Context, id, ext string, asset, metadata []byte) (local.Pair, error)
}

// Transformer validates and transforms asset bytes.
type Transformer interface {
	Process(data []byte, ext string) (imaging.Asset, error)
}

// CPUPool runs CPU bound work off the scheduling goroutines.
type CPUPool interface {
	Do(ctx context.Context, fn func() error) error
}

// Exporter receives persisted pairs.
type Exporter interface {
	Export(ctx context.Context, item export.Item)
}

// Config holds per-run pipeline knobs.
type Config struct {
	RunID              string
	MinTags            int
	AcceptedExtensions []string
}

// Deps are the collaborators shared by every pipeline instance.
type Deps struct {
	Site        crawler.Site
	Fetcher     crawler.Fetcher
	State       *state.CrawlState
	Store       PairWriter
	Transformer Transformer
	Pool        CPUPool
	Retry       *crawler.FixedRetryPolicy
	Stop        Stopper
	Hasher      crawler.Hasher
	Exporter    Exporter
	// Tracer starts one span per candidate; nil uses the global provider.
	Tracer trace.Tracer
	Logger *zap.Logger
}

// Result reports how a candidate ended.
type Result struct {
	ID      string
	Outcome Outcome
	Err     error
}

// Pipeline processes candidates. One Pipeline serves every concurrent
// instance of a run.
type Pipeline struct {
	cfg      Config
	deps     Deps
	accepted map[string]struct{}
	logger   *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Site == nil:
		return nil, errors.New("pipeline: site is required")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.State == nil:
		return nil, errors.New("pipeline: state is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Transformer == nil:
		return nil, errors.New("pipeline: transformer is required")
	case deps.Pool == nil:
		return nil, errors.New("pipeline: worker pool is required")
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewFixedRetryPolicy(3, 100*time.Millisecond)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	exts := cfg.AcceptedExtensions
	if len(exts) == 0 {
		exts = DefaultAcceptedExtensions
	}
	accepted := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		accepted[ext] = struct{}{}
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		accepted: accepted,
		logger:   deps.Logger.Named("pipeline"),
	}, nil
}

// Task adapts Run to the scheduler. Only fatal errors are returned.
func (p *Pipeline) Task(c crawler.Candidate) scheduler.Task {
	return func(ctx context.Context) error {
		_, err := p.Run(ctx, c)
		return err
	}
}

// Run processes one candidate to a terminal outcome. The error is non-nil
// only when the engine's own guarantees were broken, which is fatal to the
// run; per-candidate problems are reported in Result.
func (p *Pipeline) Run(ctx context.Context, c crawler.Candidate) (Result, error) {
	ctx, span := p.deps.Tracer.Start(ctx, "pipeline.candidate")
	defer span.End()

	res, err := p.run(ctx, c)
	span.SetAttributes(
		attribute.String("booru.site", p.deps.Site.Name()),
		attribute.String("booru.image_id", res.ID),
		attribute.String("booru.outcome", string(res.Outcome)),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Outcome == Failed && res.Err != nil:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, c crawler.Candidate) (Result, error) {
	site := p.deps.Site
	id, err := site.CandidateID(c)
	if err != nil {
		res := Result{Outcome: Failed, Err: err}
		p.report(res, c)
		return res, nil
	}
	p.deps.State.NoteReached(id, nil)

	recheck := false
	if p.deps.State.Known(id) {
		if !site.RecheckKnown(id) {
			res := Result{ID: id, Outcome: Duplicate}
			p.report(res, c)
			return res, nil
		}
		recheck = true
	} else if !p.deps.State.Reserve(id) {
		res := Result{ID: id, Outcome: Duplicate}
		p.report(res, c)
		return res, nil
	}

	res, fatal := p.retry(ctx, id, c, recheck)
	if !recheck && res.Outcome != Persisted {
		p.deps.State.Release(id)
	}
	p.report(res, c)
	return res, fatal
}

func (p *Pipeline) retry(ctx context.Context, id string, c crawler.Candidate, recheck bool) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= p.deps.Retry.Attempts(); attempt++ {
		if p.stopRequested() {
			return Result{ID: id, Outcome: Cancelled, Err: lastErr}, nil
		}
		outcome, err := p.attempt(ctx, id, c, recheck)
		if err == nil {
			return Result{ID: id, Outcome: outcome}, nil
		}
		if errors.Is(err, local.ErrPartialPair) {
			return Result{ID: id, Outcome: Failed, Err: err}, fmt.Errorf("candidate %s: %w", id, err)
		}
		if errors.Is(err, crawler.ErrSkipped) {
			return Result{ID: id, Outcome: Skipped, Err: err}, nil
		}
		if ctx.Err() != nil {
			return Result{ID: id, Outcome: Cancelled, Err: err}, nil
		}
		lastErr = err
		if !p.deps.Retry.ShouldRetry(err, attempt) {
			break
		}
		p.logger.Debug("attempt failed, retrying",
			zap.String("image_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := p.deps.Retry.Backoff(ctx); err != nil {
			return Result{ID: id, Outcome: Cancelled, Err: lastErr}, nil
		}
	}
	return Result{ID: id, Outcome: Failed, Err: lastErr}, nil
}

func (p *Pipeline) stopRequested() bool {
	return (p.deps.Stop != nil && p.deps.Stop.Interrupted()) || p.deps.State.BudgetExhausted()
}

func (p *Pipeline) attempt(ctx context.Context, id string, c crawler.Candidate, recheck bool) (Outcome, error) {
	site := p.deps.Site
	ex, err := site.Extract(ctx, p.deps.Fetcher, c)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	if ex.IsVideo {
		return "", fmt.Errorf("%w: video post", crawler.ErrSkipped)
	}
	score := ex.Score
	p.deps.State.NoteReached("", &score)
	if recheck {
		return Duplicate, nil
	}

	ext, err := assetExt(ex.AssetURL)
	if err != nil {
		return "", err
	}
	if _, ok := p.accepted[ext]; !ok {
		return "", fmt.Errorf("%w: extension %q not accepted", crawler.ErrSkipped, ext)
	}
	if n := ex.TagCount(); n < p.cfg.MinTags {
		return "", fmt.Errorf("%w: %d tags, need %d", crawler.ErrSkipped, n, p.cfg.MinTags)
	}
	rating, err := site.Rating(ex.RatingToken)
	if err != nil {
		return "", err
	}
	record := crawler.IngestRecord{ImageID: id, Score: ex.Score, Rating: rating, Tags: ex.Tags}
	metadata, err := marshalRecord(record)
	if err != nil {
		return "", fmt.Errorf("%w: %v", crawler.ErrContract, err)
	}

	start := time.Now()
	resp, err := p.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: ex.AssetURL, Kind: crawler.FetchAsset})
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	downloadLatency := time.Since(start)
	if len(resp.Body) == 0 {
		return "", fmt.Errorf("download %s: empty body", ex.AssetURL)
	}

	var (
		pair   local.Pair
		digest string
	)
	err = p.deps.Pool.Do(ctx, func() error {
		asset, err := p.deps.Transformer.Process(resp.Body, ext)
		if err != nil {
			return err
		}
		if p.deps.Hasher != nil {
			if digest, err = p.deps.Hasher.Hash(asset.Data); err != nil {
				return fmt.Errorf("hash asset: %w", err)
			}
		}
		pair, err = p.deps.Store.WritePair(ctx, id, asset.Ext, asset.Data, metadata)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("persist: %w", err)
	}

	p.deps.State.MarkPersisted(ex.QueryLatency, downloadLatency)
	metrics.ObservePersisted(site.Name(), string(rating))
	if p.deps.Exporter != nil {
		p.deps.Exporter.Export(ctx, export.Item{
			RunID:        p.cfg.RunID,
			Site:         site.Name(),
			Record:       record,
			AssetPath:    pair.AssetPath,
			MetadataPath: pair.MetadataPath,
			AssetSHA256:  digest,
			PersistedAt:  time.Now().UTC(),
		})
	}
	return Persisted, nil
}

func (p *Pipeline) report(res Result, c crawler.Candidate) {
	metrics.ObserveItem(p.deps.Site.Name(), string(res.Outcome))
	fields := []zap.Field{zap.String("image_id", res.ID), zap.String("ref", c.Ref)}
	switch res.Outcome {
	case Skipped:
		p.logger.Debug("candidate skipped", append(fields, zap.Error(res.Err))...)
	case Failed:
		p.logger.Warn("all retry attempts failed, candidate dropped", append(fields, zap.Error(res.Err))...)
	case Cancelled:
		p.logger.Info("task cancelled", fields...)
	}
}

// assetExt returns the lowercased extension of the URL path.
func assetExt(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: asset url %q: %v", crawler.ErrContract, raw, err)
	}
	return strings.ToLower(path.Ext(u.Path)), nil
}

// marshalRecord renders the compact metadata form, leaving non-ASCII and
// HTML characters unescaped.
func marshalRecord(record crawler.IngestRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
