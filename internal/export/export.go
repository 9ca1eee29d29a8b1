// Package export hands persisted pairs to optional side channels such as a
// cloud bucket mirror, a notification topic or a catalog database. Exports
// run after the pair is committed locally and never affect it.
package export

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/metrics"
)

// Item describes one persisted pair.
type Item struct {
	RunID        string               `json:"run_id"`
	Site         string               `json:"site"`
	Record       crawler.IngestRecord `json:"record"`
	AssetPath    string               `json:"asset_path"`
	MetadataPath string               `json:"metadata_path"`
	AssetSHA256  string               `json:"asset_sha256,omitempty"`
	PersistedAt  time.Time            `json:"persisted_at"`
}

// Exporter is one side channel.
type Exporter interface {
	Name() string
	Export(ctx context.Context, item Item) error
	Close() error
}

// Fanout calls every exporter concurrently. Failures are logged and counted.
type Fanout struct {
	exporters []Exporter
	logger    *zap.Logger
}

// NewFanout wraps exporters.
func NewFanout(logger *zap.Logger, exporters ...Exporter) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{exporters: exporters, logger: logger.Named("export")}
}

// Len returns the number of exporters.
func (f *Fanout) Len() int { return len(f.exporters) }

// Export sends item to every exporter and waits for all of them.
func (f *Fanout) Export(ctx context.Context, item Item) {
	var g errgroup.Group
	for _, e := range f.exporters {
		g.Go(func() error {
			if err := e.Export(ctx, item); err != nil {
				metrics.ObserveExportFailure(e.Name())
				f.logger.Warn("export failed",
					zap.String("exporter", e.Name()),
					zap.String("image_id", item.Record.ImageID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close closes every exporter.
func (f *Fanout) Close() error {
	var errs []error
	for _, e := range f.exporters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
