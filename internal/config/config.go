// Package config loads the gostow service configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the
// optional config file, GOSTOW_* environment variables, then runtime
// overrides passed to Load (typically command-line flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName is the config and data directory name.
const AppName = "gostow"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "GOSTOW"

// Config is the service configuration.
type Config struct {
	// DataDir holds the archive (unless ArchiveRoot is set) and state.
	DataDir string `mapstructure:"data_dir"`

	// ArchiveRoot is the local archive store root. Defaults to
	// <DataDir>/archive. A manifest may override it.
	ArchiveRoot string `mapstructure:"archive_root"`

	// Manifest is the path of the backup manifest.
	Manifest string `mapstructure:"manifest"`

	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type SchedulerConfig struct {
	// StopTimeout bounds how long shutdown waits for in-flight runs.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// CatchUp uploads pending and failed artifacts when the daemon starts.
	CatchUp bool `mapstructure:"catch_up"`

	// SweepOrphans removes partial captures left by a crash on start.
	SweepOrphans bool `mapstructure:"sweep_orphans"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// defaults are the built-in values, keyed by config path.
func defaults() map[string]any {
	return map[string]any{
		"data_dir":                "",
		"archive_root":            "",
		"manifest":                "gostow.yaml",
		"server.enabled":          true,
		"server.host":             "localhost",
		"server.port":             8080,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "30s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "10s",
		"logging.level":           "info",
		"logging.format":          "json",
		"logging.file":            "",
		"logging.max_size_mb":     100,
		"logging.max_backups":     7,
		"logging.max_age_days":    30,
		"logging.compress":        true,
		"metrics.enabled":         true,
		"metrics.path":            "/metrics",
		"scheduler.stop_timeout":  "5m",
		"scheduler.catch_up":      true,
		"scheduler.sweep_orphans": true,
	}
}

// getEnvSpecs lists the short environment aliases. Every key is also
// reachable as GOSTOW_<PATH> with dots replaced by underscores.
func getEnvSpecs() []EnvSpec {
	short := map[string]string{
		"DATA_DIR":         "data_dir",
		"ARCHIVE_ROOT":     "archive_root",
		"MANIFEST":         "manifest",
		"HOST":             "server.host",
		"PORT":             "server.port",
		"READ_TIMEOUT":     "server.read_timeout",
		"WRITE_TIMEOUT":    "server.write_timeout",
		"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
		"LOG_LEVEL":        "logging.level",
		"LOG_FORMAT":       "logging.format",
		"LOG_FILE":         "logging.file",
		"METRICS_ENABLED":  "metrics.enabled",
		"STOP_TIMEOUT":     "scheduler.stop_timeout",
	}
	specs := make([]EnvSpec, 0, len(short))
	for name, path := range short {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + name, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// newViper builds a viper instance with defaults, env bindings and the
// optional config file.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		long := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))
		if err := v.BindEnv(spec.Path, spec.Name, long); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName(AppName)
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// getUserConfigPaths lists the directories searched for gostow.{yaml,json,toml}.
func getUserConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	paths = append(paths, "/etc/"+AppName)
	return paths
}

// Load resolves the configuration and makes it the current one. Each
// override is a nested map keyed like the config file; overrides win over
// every other layer.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	out := cfg
	return &out, nil
}

// GetConfig returns a copy of the configuration from the last Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if appConfig == nil {
		return nil
	}
	cfg := *appConfig
	return &cfg
}

func (c *Config) finalize() error {
	if c.DataDir == "" {
		c.DataDir = gfconfig.GetAppDataDir(AppName)
	}
	if c.ArchiveRoot == "" {
		c.ArchiveRoot = filepath.Join(c.DataDir, "archive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Scheduler.StopTimeout < 0 {
		return fmt.Errorf("scheduler stop timeout must not be negative")
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
