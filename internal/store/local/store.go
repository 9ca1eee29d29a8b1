// Package local stores (asset, metadata) pairs in one flat directory, keyed
// by post identifier. A pair is either fully present or absent.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	metadataExt = ".json"
	tempSuffix  = ".tmp"
)

var (
	// ErrBadID reports an identifier that cannot be used as a file stem.
	ErrBadID = errors.New("invalid identifier")
	// ErrPartialPair reports a failed write whose cleanup also failed, so a
	// half pair may remain on disk.
	ErrPartialPair = errors.New("partial pair left on disk")
)

// Config captures the parameters for the local pair store.
type Config struct {
	// Dir is the flat directory holding every pair.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// AssetExtensions are the asset suffixes the crawler writes. Sweep only
	// removes half pairs with one of these or the metadata suffix.
	AssetExtensions []string `mapstructure:"asset_extensions" yaml:"asset_extensions"`
}

// Store writes pairs to the local filesystem.
type Store struct {
	dir       string
	assetExts map[string]struct{}
	logger    *zap.Logger
}

// Pair names the two files persisted for one identifier.
type Pair struct {
	ID           string
	AssetPath    string
	MetadataPath string
}

// New creates the directory if needed and checks it is writable.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create store directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat store directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("store path %s is not a directory", cfg.Dir)
	}

	probe, err := os.CreateTemp(cfg.Dir, ".writable-*"+tempSuffix)
	if err != nil {
		return nil, fmt.Errorf("store directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	assetExts := make(map[string]struct{}, len(cfg.AssetExtensions))
	for _, ext := range cfg.AssetExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || ext == metadataExt {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		assetExts[ext] = struct{}{}
	}
	return &Store{dir: cfg.Dir, assetExts: assetExts, logger: logger.Named("store")}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// ScanExisting returns the identifiers that have both an asset and a
// metadata file.
func (s *Store) ScanExisting() (map[string]struct{}, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}
	metadata := make(map[string]struct{})
	assets := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		if ext == metadataExt {
			metadata[stem] = struct{}{}
		} else {
			assets[stem] = struct{}{}
		}
	}
	existing := make(map[string]struct{}, len(assets))
	for stem := range assets {
		if _, ok := metadata[stem]; ok {
			existing[stem] = struct{}{}
		}
	}
	return existing, nil
}

// WritePair persists asset and metadata for id. Both files are staged as
// temp files and renamed asset first, metadata last; on any failure
// everything written so far is removed.
func (s *Store) WritePair(ctx context.Context, id, ext string, asset, metadata []byte) (pair Pair, err error) {
	if err := validateID(id); err != nil {
		return Pair{}, err
	}
	if err := ctx.Err(); err != nil {
		return Pair{}, fmt.Errorf("write pair %s: %w", id, err)
	}
	pair = Pair{
		ID:           id,
		AssetPath:    filepath.Join(s.dir, id+ext),
		MetadataPath: filepath.Join(s.dir, id+metadataExt),
	}

	var cleanup []string
	defer func() {
		if err == nil {
			return
		}
		for _, path := range cleanup {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Error("remove partial file", zap.String("path", path), zap.Error(rmErr))
				err = errors.Join(err, fmt.Errorf("%w: %w", ErrPartialPair, rmErr))
			}
		}
	}()

	assetTmp, err := s.stage(id, asset)
	if err != nil {
		return Pair{}, err
	}
	cleanup = append(cleanup, assetTmp)
	metaTmp, err := s.stage(id, metadata)
	if err != nil {
		return Pair{}, err
	}
	cleanup = append(cleanup, metaTmp)

	if err := os.Rename(assetTmp, pair.AssetPath); err != nil {
		return Pair{}, fmt.Errorf("commit asset %s: %w", id, err)
	}
	cleanup = append(cleanup, pair.AssetPath)
	if err := os.Rename(metaTmp, pair.MetadataPath); err != nil {
		return Pair{}, fmt.Errorf("commit metadata %s: %w", id, err)
	}
	return pair, nil
}

func (s *Store) stage(id string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, "."+id+"-*"+tempSuffix)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", id, err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write staged %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close staged %s: %w", id, err)
	}
	return name, nil
}

// Sweep removes staged temp files and half pairs left behind by a forced
// exit. Files the store could not have written are never touched, so the
// directory may be shared with other content. It returns the number of files
// removed.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read store directory: %w", err)
	}
	existing, err := s.ScanExisting()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() {
			continue
		}
		if !isTemp(name) {
			stem, ok := s.pairStem(name)
			if !ok {
				continue
			}
			if _, complete := existing[stem]; complete {
				continue
			}
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		s.logger.Info("swept orphan file", zap.String("file", name))
	}
	return removed, errors.Join(errs...)
}

// pairStem returns the post identifier of a file the store may have
// committed: a numeric stem with the metadata or a known asset suffix.
func (s *Store) pairStem(name string) (string, bool) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if !isPostID(stem) {
		return "", false
	}
	ext = strings.ToLower(ext)
	if ext == metadataExt {
		return stem, true
	}
	_, ok := s.assetExts[ext]
	return stem, ok
}

// isTemp matches the names produced by stage and the writability check in New.
func isTemp(name string) bool {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, tempSuffix) {
		return false
	}
	prefix, _, ok := strings.Cut(name[1:], "-")
	return ok && (prefix == "writable" || isPostID(prefix))
}

func isPostID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrBadID, id)
	}
	return nil
}
