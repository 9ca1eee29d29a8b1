// Package postgres upserts persisted records into a Postgres catalog table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/booru-crawler/internal/export"
)

// DefaultTable is used when no table is configured.
const DefaultTable = "booru_posts"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for catalog rows.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Table           string        `mapstructure:"table" yaml:"table"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Catalog writes one row per persisted pair.
type Catalog struct {
	pool  execCloser
	table string
}

var _ export.Exporter = (*Catalog)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("export.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Catalog{pool: pool, table: table}, nil
}

// NewWithPool builds a Catalog on an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Catalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Catalog{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Name implements export.Exporter.
func (c *Catalog) Name() string { return "postgres" }

// Export upserts the record keyed by (site, image_id). A later run that
// persists the same identifier again refreshes score, rating and tags.
func (c *Catalog) Export(ctx context.Context, item export.Item) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("catalog is not configured")
	}
	if item.Record.ImageID == "" {
		return fmt.Errorf("record image id is required")
	}
	tagsJSON, err := json.Marshal(item.Record.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	site,
	image_id,
	score,
	rating,
	tags,
	asset_path,
	metadata_path,
	asset_sha256,
	run_id,
	persisted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (site, image_id) DO UPDATE SET
	score = EXCLUDED.score,
	rating = EXCLUDED.rating,
	tags = EXCLUDED.tags,
	asset_path = EXCLUDED.asset_path,
	metadata_path = EXCLUDED.metadata_path,
	asset_sha256 = EXCLUDED.asset_sha256,
	run_id = EXCLUDED.run_id,
	persisted_at = EXCLUDED.persisted_at`, c.table)

	args := []any{
		item.Site,
		item.Record.ImageID,
		item.Record.Score,
		string(item.Record.Rating),
		tagsJSON,
		item.AssetPath,
		item.MetadataPath,
		item.AssetSHA256,
		item.RunID,
		item.PersistedAt,
	}
	if _, err := c.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert catalog row: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *Catalog) Close() error {
	if c == nil || c.pool == nil {
		return nil
	}
	c.pool.Close()
	return nil
}
