// Package config provides configuration loading and management for wpmigrate.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	ssconfig "github.com/c360studio/semstreams/config"
	"gopkg.in/yaml.v3"
)

// Config represents the complete wpmigrate configuration
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Migration  MigrationConfig  `yaml:"migration"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Sink       SinkConfig       `yaml:"sink"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SiteConfig describes the source and target sites
type SiteConfig struct {
	// SourceSiteURL is the origin of the exported site (empty = read from the export)
	SourceSiteURL string `yaml:"source_site_url"`
	// NewSiteURL is the origin same-site links are moved to
	NewSiteURL string `yaml:"new_site_url"`
	// UploadsURL is the public URL of UploadsPath on the new site
	UploadsURL string `yaml:"uploads_url"`
	// UploadsPath is the local directory assets are downloaded to
	UploadsPath string `yaml:"uploads_path"`
}

// DownloaderConfig configures asset downloads
type DownloaderConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	MaxContentSize int64         `yaml:"max_content_size"`
	// AllowPrivateNetworks permits downloads from loopback and private addresses
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
	// Exclude lists glob patterns of asset paths that are never downloaded
	Exclude []string `yaml:"exclude"`
}

// MigrationConfig configures the importer
type MigrationConfig struct {
	// FailurePolicy is "record" or "block"
	FailurePolicy string `yaml:"failure_policy"`
}

// Checkpoint backends.
const (
	BackendFile  = "file"
	BackendNATS  = "nats"
	BackendRedis = "redis"
)

// CheckpointConfig selects where the checkpoint is persisted
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	// Path is the checkpoint file for the file backend
	Path string `yaml:"path"`
	// Key names the checkpoint in the NATS bucket or Redis (empty = backend default)
	Key       string `yaml:"key"`
	NATSURL   string `yaml:"nats_url"`
	Bucket    string `yaml:"bucket"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// Sink backends.
const (
	SinkJSONL    = "jsonl"
	SinkPostgres = "postgres"
)

// SinkConfig selects where imported entities go
type SinkConfig struct {
	Backend string `yaml:"backend"`
	// Path is the output file for the jsonl backend
	Path string `yaml:"path"`
	// FailuresPath is a separate JSONL failure ledger (empty = the sink itself)
	FailuresPath string `yaml:"failures_path"`
	PostgresURL  string `yaml:"postgres_url"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			UploadsPath: "uploads",
		},
		Downloader: DownloaderConfig{
			Concurrency:    8,
			Timeout:        60 * time.Second,
			UserAgent:      "wpmigrate/1.0",
			MaxContentSize: 256 << 20,
		},
		Migration: MigrationConfig{
			FailurePolicy: "record",
		},
		Checkpoint: CheckpointConfig{
			Backend:   BackendFile,
			Path:      filepath.Join(".wpmigrate", "checkpoint.json"),
			NATSURL:   "nats://127.0.0.1:4222",
			Bucket:    "WPMIGRATE_CHECKPOINTS",
			RedisAddr: "localhost:6379",
		},
		Sink: SinkConfig{
			Backend: SinkJSONL,
			Path:    filepath.Join(".wpmigrate", "import.jsonl"),
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Site.UploadsPath == "" {
		return fmt.Errorf("site.uploads_path is required")
	}
	for name, raw := range map[string]string{
		"site.source_site_url": c.Site.SourceSiteURL,
		"site.new_site_url":    c.Site.NewSiteURL,
		"site.uploads_url":     c.Site.UploadsURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.Downloader.Concurrency < 1 {
		return fmt.Errorf("downloader.concurrency must be at least 1")
	}
	if c.Downloader.Timeout <= 0 {
		return fmt.Errorf("downloader.timeout must be positive")
	}
	if c.Downloader.MaxContentSize <= 0 {
		return fmt.Errorf("downloader.max_content_size must be positive")
	}
	switch c.Migration.FailurePolicy {
	case "record", "block":
	default:
		return fmt.Errorf("migration.failure_policy must be record or block, got %q", c.Migration.FailurePolicy)
	}
	switch c.Checkpoint.Backend {
	case BackendFile:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the file backend")
		}
	case BackendNATS:
		if c.Checkpoint.NATSURL == "" {
			return fmt.Errorf("checkpoint.nats_url is required for the nats backend")
		}
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("checkpoint.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be file, nats or redis, got %q", c.Checkpoint.Backend)
	}
	switch c.Sink.Backend {
	case SinkJSONL:
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for the jsonl backend")
		}
	case SinkPostgres:
		if c.Sink.PostgresURL == "" {
			return fmt.Errorf("sink.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("sink.backend must be jsonl or postgres, got %q", c.Sink.Backend)
	}
	return nil
}

// ValidateRun checks the settings a migration run needs on top of Validate
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Site.NewSiteURL == "" {
		return fmt.Errorf("site.new_site_url is required")
	}
	if c.Site.UploadsURL == "" {
		return fmt.Errorf("site.uploads_url is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} and
// ${VAR:-default} references are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := ssconfig.ExpandEnvWithDefaults(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Site
	mergeString(&c.Site.SourceSiteURL, other.Site.SourceSiteURL)
	mergeString(&c.Site.NewSiteURL, other.Site.NewSiteURL)
	mergeString(&c.Site.UploadsURL, other.Site.UploadsURL)
	mergeString(&c.Site.UploadsPath, other.Site.UploadsPath)

	// Downloader
	if other.Downloader.Concurrency != 0 {
		c.Downloader.Concurrency = other.Downloader.Concurrency
	}
	if other.Downloader.Timeout != 0 {
		c.Downloader.Timeout = other.Downloader.Timeout
	}
	mergeString(&c.Downloader.UserAgent, other.Downloader.UserAgent)
	if other.Downloader.MaxContentSize != 0 {
		c.Downloader.MaxContentSize = other.Downloader.MaxContentSize
	}
	if other.Downloader.AllowPrivateNetworks {
		c.Downloader.AllowPrivateNetworks = true
	}
	if len(other.Downloader.Exclude) > 0 {
		c.Downloader.Exclude = other.Downloader.Exclude
	}

	// Migration
	mergeString(&c.Migration.FailurePolicy, other.Migration.FailurePolicy)

	// Checkpoint
	mergeString(&c.Checkpoint.Backend, other.Checkpoint.Backend)
	mergeString(&c.Checkpoint.Path, other.Checkpoint.Path)
	mergeString(&c.Checkpoint.Key, other.Checkpoint.Key)
	mergeString(&c.Checkpoint.NATSURL, other.Checkpoint.NATSURL)
	mergeString(&c.Checkpoint.Bucket, other.Checkpoint.Bucket)
	mergeString(&c.Checkpoint.RedisAddr, other.Checkpoint.RedisAddr)
	if other.Checkpoint.RedisDB != 0 {
		c.Checkpoint.RedisDB = other.Checkpoint.RedisDB
	}

	// Sink
	mergeString(&c.Sink.Backend, other.Sink.Backend)
	mergeString(&c.Sink.Path, other.Sink.Path)
	mergeString(&c.Sink.FailuresPath, other.Sink.FailuresPath)
	mergeString(&c.Sink.PostgresURL, other.Sink.PostgresURL)

	// Metrics
	mergeString(&c.Metrics.Addr, other.Metrics.Addr)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
