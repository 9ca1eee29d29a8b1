// Package gcs mirrors persisted pairs into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/export"
)

// Config captures the parameters required to mirror into GCS.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// Mirror uploads both files of a pair as <prefix>/<site>/<file name>.
type Mirror struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

var _ export.Exporter = (*Mirror)(nil)

// New creates a Mirror on an existing client. The Mirror owns the client
// and closes it.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("gcs"),
	}, nil
}

// Name implements export.Exporter.
func (m *Mirror) Name() string { return "gcs" }

// ObjectName returns the object a local file is mirrored to.
func (m *Mirror) ObjectName(site, localPath string) string {
	return path.Join(m.prefix, site, filepath.Base(localPath))
}

// Export uploads the asset first and the metadata last, matching the local
// commit order.
func (m *Mirror) Export(ctx context.Context, item export.Item) error {
	for _, local := range []string{item.AssetPath, item.MetadataPath} {
		uri, err := m.upload(ctx, item.Site, local)
		if err != nil {
			return err
		}
		m.logger.Debug("mirrored", zap.String("image_id", item.Record.ImageID), zap.String("uri", uri))
	}
	return nil
}

func (m *Mirror) upload(ctx context.Context, site, localPath string) (string, error) {
	if strings.TrimSpace(localPath) == "" {
		return "", fmt.Errorf("local path is required")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	name := m.ObjectName(site, localPath)
	writer := m.client.Bucket(m.bucket).Object(name).NewWriter(ctx)
	if contentType := mime.TypeByExtension(filepath.Ext(localPath)); contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, f); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", m.bucket, name), nil
}

// Close closes the storage client.
func (m *Mirror) Close() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
