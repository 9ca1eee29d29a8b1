package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/booru-crawler/internal/imaging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func crawlFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	fs.String("site", "", "")
	fs.StringP("site-url", "s", "", "")
	fs.IntP("width", "W", 0, "")
	fs.IntP("height", "H", 0, "")
	fs.StringP("format", "f", "", "")
	fs.BoolP("low-quality", "l", false, "")
	fs.IntP("min-tags", "t", 0, "")
	fs.IntP("max-items", "m", 0, "")
	fs.BoolP("continuous", "c", false, "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
site: yandere
logging:
  development: true
crawl:
  concurrency: 8
  retry_delay: 250ms
  max_items: 500
  accepted_extensions: [".png"]
http:
  timeout: 45s
  rps: 2.5
image:
  width: 512
  height: 512
  format: PNG
store:
  dir: /data/booru
sites:
  yandere:
    low_quality: true
export:
  postgres:
    dsn: postgres://localhost/booru
    max_conn_lifetime: 1h
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "yandere", cfg.Site)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 8, cfg.Crawl.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Crawl.RetryDelay)
	assert.Equal(t, 500, cfg.Crawl.MaxItems)
	assert.Equal(t, []string{".png"}, cfg.Crawl.AcceptedExtensions)
	assert.Equal(t, 45*time.Second, cfg.Timeout())
	assert.InDelta(t, 2.5, cfg.HTTP.RPS, 1e-9)
	assert.Equal(t, imaging.Options{Width: 512, Height: 512, Format: "png", JPEGQuality: 90}, cfg.Image.Options())
	assert.Equal(t, "/data/booru", cfg.Store.Dir)
	assert.True(t, cfg.Sites.Yandere.LowQuality)
	assert.Equal(t, "https://yande.re", cfg.Sites.Yandere.BaseURL)
	assert.Equal(t, "postgres://localhost/booru", cfg.Export.Postgres.DSN)
	assert.Equal(t, "booru_posts", cfg.Export.Postgres.Table)
	assert.Equal(t, time.Hour, cfg.Export.Postgres.MaxConnLifetime)
	assert.Equal(t, 2, cfg.RefreshPages())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "{}\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, "gelbooru", cfg.Site)
	assert.Equal(t, 50, cfg.Crawl.Concurrency)
	assert.Equal(t, 3, cfg.Crawl.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Crawl.RetryDelay)
	assert.Equal(t, 10, cfg.Crawl.PageRetryLimit)
	assert.Equal(t, 1000, cfg.Crawl.ReportInterval)
	assert.Equal(t, "images", cfg.Store.Dir)
	assert.True(t, cfg.Store.SweepOrphans)
	assert.Equal(t, "99", cfg.Sites.Gelbooru.RecheckSuffix)
	assert.Equal(t, 50, cfg.RefreshPages())
	assert.Equal(t, 10*time.Second, cfg.Timeout())
	assert.Empty(t, cfg.Export.GCS.Bucket)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "crawl:\n  min_tags: 2\n  max_items: 10\n")
	flags := crawlFlags(t, "-t", "7", "-W", "64", "-H", "32", "-c", "-l", "-s", "https://mirror.example")

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Crawl.MinTags)
	assert.Equal(t, 10, cfg.Crawl.MaxItems, "unset flags keep the file value")
	assert.True(t, cfg.Crawl.Continuous)
	assert.Equal(t, 64, cfg.Image.Width)
	assert.Equal(t, 32, cfg.Image.Height)
	assert.True(t, cfg.Sites.Gelbooru.LowQuality)
	assert.Equal(t, "https://mirror.example", cfg.Sites.Gelbooru.BaseURL)
	assert.False(t, cfg.Sites.Yandere.LowQuality)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BOORU_CRAWL_CONCURRENCY", "12")
	t.Setenv("BOORU_SITE", "yandere")

	cfg, err := Load(writeConfig(t, "crawl:\n  concurrency: 4\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Crawl.Concurrency)
	assert.Equal(t, "yandere", cfg.Site)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load(writeConfig(t, "{}\n"), nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown site", func(c *Config) { c.Site = "danbooru" }, "unknown site"},
		{"concurrency", func(c *Config) { c.Crawl.Concurrency = 0 }, "crawl.concurrency"},
		{"retries", func(c *Config) { c.Crawl.MaxRetries = -1 }, "crawl.max_retries"},
		{"max items", func(c *Config) { c.Crawl.MaxItems = -1 }, "crawl.max_items"},
		{"min tags", func(c *Config) { c.Crawl.MinTags = -2 }, "crawl.min_tags"},
		{"page retries", func(c *Config) { c.Crawl.PageRetryLimit = -1 }, "crawl.page_retry_limit"},
		{"width only", func(c *Config) { c.Image.Width = 10 }, "width and height"},
		{"format", func(c *Config) { c.Image.Format = "avif" }, "unsupported format"},
		{"store dir", func(c *Config) { c.Store.Dir = " " }, "store.dir"},
		{"pubsub project", func(c *Config) { c.Export.PubSub.TopicID = "t" }, "project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDefaultPathUsesAppName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "config.yaml", filepath.Base(DefaultPath()))
	assert.Equal(t, AppName, filepath.Base(filepath.Dir(DefaultPath())))
}

func TestWriteYAMLRoundTrips(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
site: yandere
crawl:
  retry_delay: 250ms
  max_items: 9
image:
  width: 64
  height: 64
export:
  postgres:
    dsn: postgres://crawler:hunter2@db:5432/booru
`), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "retry_delay: 250ms")
	assert.NotContains(t, buf.String(), "hunter2")

	again, err := Load(writeConfig(t, buf.String()), nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Site, again.Site)
	assert.Equal(t, cfg.Crawl.RetryDelay, again.Crawl.RetryDelay)
	assert.Equal(t, cfg.Crawl.MaxItems, again.Crawl.MaxItems)
	assert.Equal(t, cfg.Image, again.Image)
	assert.Equal(t, "postgres://crawler:xxxxx@db:5432/booru", again.Export.Postgres.DSN)
}

func TestRedactDSN(t *testing.T) {
	t.Parallel()

	assert.Empty(t, redactDSN(""))
	assert.Equal(t, "postgres://db/booru", redactDSN("postgres://db/booru"))
	assert.Equal(t, "<redacted>", redactDSN("host=db password=hunter2"))
}
