// Package config loads the session's tunable settings: cache location,
// worker count, claim backoff bounds, the metrics listen address, the
// plugin directory, and the log level. It is deliberately narrow — this is
// ambient session configuration, not a CLI or bootstrapper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// DefaultConfigFilename is the name of the config file Load searches for
// when no explicit path is given.
const DefaultConfigFilename = "taskgraph.toml"

// Config holds the session's tunable settings.
type Config struct {
	StorePath       string        `mapstructure:"store_path"        toml:"store_path"`
	Workers         int           `mapstructure:"workers"           toml:"workers"`
	StaleClaimAfter time.Duration `mapstructure:"stale_claim_after" toml:"stale_claim_after"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"      toml:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"       toml:"backoff_max"`
	MetricsAddr     string        `mapstructure:"metrics_addr"      toml:"metrics_addr"`
	PluginDir       string        `mapstructure:"plugin_dir"        toml:"plugin_dir"`
	LogLevel        string        `mapstructure:"log_level"         toml:"log_level"`
}

// Default values used by DefaultConfig and as the viper defaults Load binds
// environment variables against.
const (
	DefaultWorkers         = 0 // no bound on concurrently running task bodies
	DefaultStaleClaimAfter = 30 * time.Second
	DefaultBackoffBase     = 10 * time.Millisecond
	DefaultBackoffMax      = 2 * time.Second
	DefaultMetricsAddr     = ""
	DefaultPluginDir       = ""
	DefaultLogLevel        = "info"
)

// DefaultStorePath returns the default cache file location under the
// user's home directory.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskgraph.db"
	}
	return filepath.Join(home, ".taskgraph", "taskgraph.db")
}

// DefaultConfig returns a Config with built-in defaults. With Workers=0 the
// session's scheduling loop is single-threaded, but every ready task body
// runs on its own goroutine with no bound on how many run at once; task
// bodies are not serialised.
func DefaultConfig() *Config {
	return &Config{
		StorePath:       DefaultStorePath(),
		Workers:         DefaultWorkers,
		StaleClaimAfter: DefaultStaleClaimAfter,
		BackoffBase:     DefaultBackoffBase,
		BackoffMax:      DefaultBackoffMax,
		MetricsAddr:     DefaultMetricsAddr,
		PluginDir:       DefaultPluginDir,
		LogLevel:        DefaultLogLevel,
	}
}

var configPtr atomic.Pointer[Config]
var loadedConfigFile atomic.Value

// Get returns the most recently Load-ed Config, or DefaultConfig if Load
// has not yet been called.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

func set(cfg *Config) { configPtr.Store(cfg) }

// Load reads configuration with the following precedence:
//  1. Environment variables (TASKGRAPH_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ./taskgraph.toml
//  4. Built-in defaults
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvPrefix("TASKGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("taskgraph")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}

	cfg.StorePath = expandHome(cfg.StorePath)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// ConfigFilePath returns the path of the config file Load last read, or
// empty if none was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("stale_claim_after", d.StaleClaimAfter)
	v.SetDefault("backoff_base", d.BackoffBase)
	v.SetDefault("backoff_max", d.BackoffMax)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("plugin_dir", d.PluginDir)
	v.SetDefault("log_level", d.LogLevel)
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Workers < 0 {
		errs = append(errs, "workers must be >= 0")
	}
	if cfg.StaleClaimAfter <= 0 {
		errs = append(errs, "stale_claim_after must be > 0")
	}
	if cfg.BackoffBase <= 0 {
		errs = append(errs, "backoff_base must be > 0")
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		errs = append(errs, "backoff_max must be >= backoff_base")
	}
	if cfg.StorePath == "" {
		errs = append(errs, "store_path must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// ExportConfig writes cfg to path in TOML format.
func ExportConfig(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshalling: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
