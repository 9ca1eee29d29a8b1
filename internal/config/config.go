// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/booru-crawler/internal/export/gcs"
	"github.com/JakeFAU/booru-crawler/internal/export/postgres"
	"github.com/JakeFAU/booru-crawler/internal/export/pubsub"
	"github.com/JakeFAU/booru-crawler/internal/imaging"
	"github.com/JakeFAU/booru-crawler/internal/logging"
	"github.com/JakeFAU/booru-crawler/internal/pipeline"
	"github.com/JakeFAU/booru-crawler/internal/site/gelbooru"
	"github.com/JakeFAU/booru-crawler/internal/site/yandere"
)

// AppName names the XDG config directory.
const AppName = "booru-crawler"

// EnvPrefix is prepended to every environment override, e.g. BOORU_CRAWL_MAX_ITEMS.
const EnvPrefix = "BOORU"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config captures every run parameter.
type Config struct {
	Site    string         `mapstructure:"site" yaml:"site"`
	Logging logging.Config `mapstructure:"logging" yaml:"logging"`
	Crawl   CrawlConfig    `mapstructure:"crawl" yaml:"crawl"`
	HTTP    HTTPConfig     `mapstructure:"http" yaml:"http"`
	Image   ImageConfig    `mapstructure:"image" yaml:"image"`
	Store   StoreConfig    `mapstructure:"store" yaml:"store"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Sites   SitesConfig    `mapstructure:"sites" yaml:"sites"`
	Export  ExportConfig   `mapstructure:"export" yaml:"export"`
}

// CrawlConfig governs the driver, scheduler and pipeline.
type CrawlConfig struct {
	// Concurrency caps in-flight pipeline instances.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" validate:"gt=0"`
	// Workers sizes the CPU pool; zero means one per CPU.
	Workers        int           `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	PageRetryLimit int           `mapstructure:"page_retry_limit" yaml:"page_retry_limit" validate:"gte=0"`
	// SessionRefreshPages of zero uses the site default.
	SessionRefreshPages int      `mapstructure:"session_refresh_pages" yaml:"session_refresh_pages" validate:"gte=0"`
	MaxItems            int      `mapstructure:"max_items" yaml:"max_items" validate:"gte=0"`
	MinTags             int      `mapstructure:"min_tags" yaml:"min_tags" validate:"gte=0"`
	Continuous          bool     `mapstructure:"continuous" yaml:"continuous"`
	ReportInterval      int      `mapstructure:"report_interval" yaml:"report_interval" validate:"gte=0"`
	AcceptedExtensions  []string `mapstructure:"accepted_extensions" yaml:"accepted_extensions"`
	Tags                []string `mapstructure:"tags" yaml:"tags"`
}

// HTTPConfig configures the fetch session.
type HTTPConfig struct {
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// Timeout of zero uses the site default.
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RPS          float64       `mapstructure:"rps" yaml:"rps" validate:"gte=0"`
	Burst        int           `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=0"`
}

// ImageConfig is the optional transform.
type ImageConfig struct {
	Width       int    `mapstructure:"width" yaml:"width"`
	Height      int    `mapstructure:"height" yaml:"height"`
	Format      string `mapstructure:"format" yaml:"format"`
	JPEGQuality int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
}

// Options converts to the imaging package's type.
func (c ImageConfig) Options() imaging.Options {
	return imaging.Options{
		Width:       c.Width,
		Height:      c.Height,
		Format:      strings.ToLower(c.Format),
		JPEGQuality: c.JPEGQuality,
	}
}

// StoreConfig locates the local pair store.
type StoreConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir"`
	SweepOrphans bool   `mapstructure:"sweep_orphans" yaml:"sweep_orphans"`
}

// MetricsConfig controls the status server. An empty address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SitesConfig holds one block per adapter.
type SitesConfig struct {
	Gelbooru gelbooru.Config `mapstructure:"gelbooru" yaml:"gelbooru"`
	Yandere  yandere.Config  `mapstructure:"yandere" yaml:"yandere"`
}

// ExportConfig enables the optional side channels. Each is off while its
// required field is empty.
type ExportConfig struct {
	GCS      gcs.Config      `mapstructure:"gcs" yaml:"gcs"`
	PubSub   pubsub.Config   `mapstructure:"pubsub" yaml:"pubsub"`
	Postgres postgres.Config `mapstructure:"postgres" yaml:"postgres"`
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"site":       "site",
	"width":      "image.width",
	"height":     "image.height",
	"format":     "image.format",
	"min-tags":   "crawl.min_tags",
	"max-items":  "crawl.max_items",
	"continuous": "crawl.continuous",
}

// DefaultPath is the config file looked up when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// Load builds a Config from defaults, the config file, the environment and
// flags, in increasing precedence. An empty path falls back to DefaultPath
// when that file exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		if _, err := os.Stat(DefaultPath()); err == nil {
			path = DefaultPath()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if flags != nil {
		if err := cfg.applySiteFlags(flags); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySiteFlags routes the flags that belong to whichever site is selected.
func (c *Config) applySiteFlags(flags *pflag.FlagSet) error {
	if f := flags.Lookup("site-url"); f != nil && f.Changed {
		switch c.Site {
		case gelbooru.Name:
			c.Sites.Gelbooru.BaseURL = f.Value.String()
		case yandere.Name:
			c.Sites.Yandere.BaseURL = f.Value.String()
		}
	}
	if f := flags.Lookup("low-quality"); f != nil && f.Changed {
		low, err := flags.GetBool("low-quality")
		if err != nil {
			return fmt.Errorf("read low-quality flag: %w", err)
		}
		switch c.Site {
		case gelbooru.Name:
			c.Sites.Gelbooru.LowQuality = low
		case yandere.Name:
			c.Sites.Yandere.LowQuality = low
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site", gelbooru.Name)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("crawl.concurrency", 50)
	v.SetDefault("crawl.workers", 0)
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.retry_delay", 100*time.Millisecond)
	v.SetDefault("crawl.page_retry_limit", 10)
	v.SetDefault("crawl.session_refresh_pages", 0)
	v.SetDefault("crawl.max_items", 0)
	v.SetDefault("crawl.min_tags", 0)
	v.SetDefault("crawl.continuous", false)
	v.SetDefault("crawl.report_interval", 1000)
	v.SetDefault("crawl.accepted_extensions", pipeline.DefaultAcceptedExtensions)
	v.SetDefault("crawl.tags", []string{})

	v.SetDefault("http.user_agent", "booru-crawler/1.0 (+https://github.com/JakeFAU/booru-crawler)")
	v.SetDefault("http.timeout", time.Duration(0))
	v.SetDefault("http.rps", 0.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_body_bytes", 0)

	v.SetDefault("image.width", 0)
	v.SetDefault("image.height", 0)
	v.SetDefault("image.format", "")
	v.SetDefault("image.jpeg_quality", 90)

	v.SetDefault("store.dir", "images")
	v.SetDefault("store.sweep_orphans", true)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("sites.gelbooru.base_url", gelbooru.DefaultBaseURL)
	v.SetDefault("sites.gelbooru.low_quality", false)
	v.SetDefault("sites.gelbooru.recheck_suffix", gelbooru.DefaultRecheckSuffix)
	v.SetDefault("sites.yandere.base_url", yandere.DefaultBaseURL)
	v.SetDefault("sites.yandere.low_quality", false)
	v.SetDefault("sites.yandere.limit", yandere.DefaultLimit)

	v.SetDefault("export.gcs.bucket", "")
	v.SetDefault("export.gcs.prefix", "")
	v.SetDefault("export.pubsub.project_id", "")
	v.SetDefault("export.pubsub.topic_id", "")
	v.SetDefault("export.postgres.dsn", "")
	v.SetDefault("export.postgres.table", postgres.DefaultTable)
	v.SetDefault("export.postgres.max_conns", 4)
	v.SetDefault("export.postgres.min_conns", 0)
	v.SetDefault("export.postgres.max_conn_lifetime", 30*time.Minute)
}

var (
	validate = newValidator()

	tagSymbols = map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}
)

// newValidator reports fields by their configuration key.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Site {
	case gelbooru.Name, yandere.Name:
	default:
		return fmt.Errorf("%w: unknown site %q", ErrInvalid, c.Site)
	}
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			op, ok := tagSymbols[fe.Tag()]
			if !ok {
				op = fe.Tag()
			}
			return fmt.Errorf("%w: %s must be %s %s", ErrInvalid, key, op, fe.Param())
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Crawl.RetryDelay < 0 {
		return fmt.Errorf("%w: crawl.retry_delay must be >= 0", ErrInvalid)
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("%w: http.timeout must be >= 0", ErrInvalid)
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		return fmt.Errorf("%w: store.dir is required", ErrInvalid)
	}
	if err := c.Image.Options().Validate(); err != nil {
		return fmt.Errorf("%w: image: %w", ErrInvalid, err)
	}
	if c.Export.PubSub.TopicID != "" && c.Export.PubSub.ProjectID == "" {
		return fmt.Errorf("%w: export.pubsub.project_id is required with a topic", ErrInvalid)
	}
	return nil
}

// RefreshPages resolves crawl.session_refresh_pages against the site default.
func (c Config) RefreshPages() int {
	if c.Crawl.SessionRefreshPages > 0 {
		return c.Crawl.SessionRefreshPages
	}
	if c.Site == yandere.Name {
		return yandere.DefaultRefreshPages
	}
	return gelbooru.DefaultRefreshPages
}

// Timeout resolves http.timeout against the site default.
func (c Config) Timeout() time.Duration {
	if c.HTTP.Timeout > 0 {
		return c.HTTP.Timeout
	}
	if c.Site == yandere.Name {
		return yandere.DefaultTimeout
	}
	return gelbooru.DefaultTimeout
}

// WriteYAML renders c in the config file format. Database credentials are
// masked so the output is safe to paste into bug reports.
func (c Config) WriteYAML(w io.Writer) error {
	c.Export.Postgres.DSN = redactDSN(c.Export.Postgres.DSN)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		// keyword/value DSNs may carry a password anywhere
		return "<redacted>"
	}
	return u.Redacted()
}
