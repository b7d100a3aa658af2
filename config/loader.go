package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "wpmigrate.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/wpmigrate"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "WPMIGRATE_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	lookup func(string) (string, bool)
	home   func() (string, error)
	getwd  func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger,
		lookup: os.LookupEnv,
		home:   os.UserHomeDir,
		getwd:  os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/wpmigrate/config.yaml)
// 3. Project config (wpmigrate.yaml in current or parent directories), or
// the explicit file when path is set
// 4. WPMIGRATE_* environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
		config.Merge(fileConfig)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// envString lists the string settings that can be overridden, by variable
// suffix.
func envString(c *Config) map[string]*string {
	return map[string]*string{
		"SOURCE_SITE_URL":     &c.Site.SourceSiteURL,
		"NEW_SITE_URL":        &c.Site.NewSiteURL,
		"UPLOADS_URL":         &c.Site.UploadsURL,
		"UPLOADS_PATH":        &c.Site.UploadsPath,
		"FAILURE_POLICY":      &c.Migration.FailurePolicy,
		"CHECKPOINT_BACKEND":  &c.Checkpoint.Backend,
		"CHECKPOINT_PATH":     &c.Checkpoint.Path,
		"CHECKPOINT_KEY":      &c.Checkpoint.Key,
		"NATS_URL":            &c.Checkpoint.NATSURL,
		"REDIS_ADDR":          &c.Checkpoint.RedisAddr,
		"SINK_BACKEND":        &c.Sink.Backend,
		"SINK_PATH":           &c.Sink.Path,
		"POSTGRES_URL":        &c.Sink.PostgresURL,
		"METRICS_ADDR":        &c.Metrics.Addr,
		"DOWNLOAD_USER_AGENT": &c.Downloader.UserAgent,
	}
}

// applyEnv overrides settings from WPMIGRATE_* variables
func (l *Loader) applyEnv(c *Config) error {
	for suffix, dst := range envString(c) {
		if v, ok := l.lookup(EnvPrefix + suffix); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := l.lookup(EnvPrefix + "CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCONCURRENCY: %w", EnvPrefix, err)
		}
		c.Downloader.Concurrency = n
	}
	if v, ok := l.lookup(EnvPrefix + "ALLOW_PRIVATE_NETWORKS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sALLOW_PRIVATE_NETWORKS: %w", EnvPrefix, err)
		}
		c.Downloader.AllowPrivateNetworks = b
	}
	if v, ok := l.lookup(EnvPrefix + "EXCLUDE"); ok && v != "" {
		c.Downloader.Exclude = strings.Split(v, ",")
	}
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.home()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for wpmigrate.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
