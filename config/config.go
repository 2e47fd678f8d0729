// Package config reads the YAML configuration of an insights host.
package config

import (
	"io"
	"os"
	"time"

	"github.com/NuGet/Insights-sub012/blobs"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
	Worker  WorkerConfig  `yaml:"worker"`
	Scan    ScanConfig    `yaml:"scan"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type StorageConfig struct {
	// Dir is the pebble directory holding queues, and tables and blobs
	// unless those are configured elsewhere.
	Dir string `yaml:"dir"`
	// PostgresDSN moves tables to PostgreSQL when set.
	PostgresDSN string `yaml:"postgres_dsn"`
	// Minio moves blobs to S3 compatible storage when its endpoint is set.
	Minio blobs.MinioConfig `yaml:"minio"`
}

type CatalogConfig struct {
	IndexURL  string  `yaml:"index_url"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// TimeoutSeconds bounds one HTTP request.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	PageCacheSize  int `yaml:"page_cache_size"`
}

type WorkerConfig struct {
	Workers                  int `yaml:"workers"`
	BatchSize                int `yaml:"batch_size"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
	PollIntervalMillis       int `yaml:"poll_interval_millis"`
	LeafConcurrency          int `yaml:"leaf_concurrency"`
}

type ScanConfig struct {
	BucketCount            int `yaml:"bucket_count"`
	MaxConcurrentDownloads int `yaml:"max_concurrent_downloads"`
	StartLeaseSeconds      int `yaml:"start_lease_seconds"`
	OldScansToKeep         int `yaml:"old_scans_to_keep"`
	BulkEnqueueThreshold   int `yaml:"bulk_enqueue_threshold"`
	// DisabledDrivers are registered but never started.
	DisabledDrivers []string `yaml:"disabled_drivers"`
	// AutoUpdate runs UpdateAll every update_interval_seconds on the one
	// host holding the updater lease.
	AutoUpdate            bool `yaml:"auto_update"`
	UpdateIntervalSeconds int  `yaml:"update_interval_seconds"`
	UpdateLeaseSeconds    int  `yaml:"update_lease_seconds"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Development switches to the human readable zap encoder.
	Development bool `yaml:"development"`
}

// Default is the configuration of an empty file.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

func (c *Config) SetDefaults() {
	if c.Storage.Dir == "" {
		c.Storage.Dir = "insights-data"
	}
	if c.Catalog.IndexURL == "" {
		c.Catalog.IndexURL = "https://api.nuget.org/v3/catalog0/index.json"
	}
	if c.Catalog.RateLimit == 0 {
		c.Catalog.RateLimit = 20
	}
	if c.Catalog.RateBurst == 0 {
		c.Catalog.RateBurst = 10
	}
	if c.Catalog.TimeoutSeconds == 0 {
		c.Catalog.TimeoutSeconds = 30
	}
	if c.Catalog.PageCacheSize == 0 {
		c.Catalog.PageCacheSize = 64
	}
	if c.Worker.Workers == 0 {
		c.Worker.Workers = 4
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 16
	}
	if c.Worker.VisibilityTimeoutSeconds == 0 {
		c.Worker.VisibilityTimeoutSeconds = 300
	}
	if c.Worker.PollIntervalMillis == 0 {
		c.Worker.PollIntervalMillis = 1000
	}
	if c.Worker.LeafConcurrency == 0 {
		c.Worker.LeafConcurrency = 8
	}
	if c.Scan.BucketCount == 0 {
		c.Scan.BucketCount = 16
	}
	if c.Scan.MaxConcurrentDownloads == 0 {
		c.Scan.MaxConcurrentDownloads = 16
	}
	if c.Scan.StartLeaseSeconds == 0 {
		c.Scan.StartLeaseSeconds = 60
	}
	if c.Scan.OldScansToKeep == 0 {
		c.Scan.OldScansToKeep = 9
	}
	if c.Scan.BulkEnqueueThreshold == 0 {
		c.Scan.BulkEnqueueThreshold = 1000
	}
	if c.Scan.UpdateIntervalSeconds == 0 {
		c.Scan.UpdateIntervalSeconds = 3600
	}
	if c.Scan.UpdateLeaseSeconds == 0 {
		c.Scan.UpdateLeaseSeconds = 300
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// LoadConfig reads path and fills in defaults. Unknown keys are errors, so
// a typo does not silently fall back to a default.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	defer f.Close()

	var c Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Catalog.RateLimit < 0:
		return errors.New("catalog.rate_limit must not be negative")
	case c.Catalog.RateBurst < 1:
		return errors.New("catalog.rate_burst must be at least 1")
	case c.Worker.Workers < 1:
		return errors.New("worker.workers must be at least 1")
	case c.Worker.BatchSize < 1 || c.Worker.BatchSize > 32:
		return errors.New("worker.batch_size must be between 1 and 32")
	case c.Worker.VisibilityTimeoutSeconds < 1:
		return errors.New("worker.visibility_timeout_seconds must be at least 1")
	case c.Scan.BucketCount < 1 || c.Scan.BucketCount > 1000:
		return errors.New("scan.bucket_count must be between 1 and 1000")
	case c.Scan.MaxConcurrentDownloads < 1:
		return errors.New("scan.max_concurrent_downloads must be at least 1")
	case c.Scan.OldScansToKeep < 1:
		return errors.New("scan.old_scans_to_keep must be at least 1")
	case c.Scan.UpdateIntervalSeconds < 1:
		return errors.New("scan.update_interval_seconds must be at least 1")
	case c.Scan.UpdateLeaseSeconds < 3:
		return errors.New("scan.update_lease_seconds must be at least 3")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

func (c *WorkerConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c *CatalogConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *ScanConfig) StartLeaseDuration() time.Duration {
	return time.Duration(c.StartLeaseSeconds) * time.Second
}

func (c *ScanConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

func (c *ScanConfig) UpdateLeaseDuration() time.Duration {
	return time.Duration(c.UpdateLeaseSeconds) * time.Second
}
