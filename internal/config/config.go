// Package config loads searchsync configuration from defaults, the user
// config file, the project file and SEARCHSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/searchsync/internal/entity"
	syncerr "github.com/Aman-CERP/searchsync/internal/errors"
)

// Project config file names, in lookup order.
const (
	ProjectFileYAML = ".searchsync.yaml"
	ProjectFileYML  = ".searchsync.yml"
)

// Config is the complete searchsync configuration.
type Config struct {
	// DataDir anchors relative store, index and lock paths.
	DataDir    string            `yaml:"data_dir" json:"data_dir"`
	Store      StoreConfig       `yaml:"store" json:"store"`
	Index      IndexConfig       `yaml:"index" json:"index"`
	Dispatcher DispatcherConfig  `yaml:"dispatcher" json:"dispatcher"`
	Bulk       BulkConfig        `yaml:"bulk" json:"bulk"`
	Rebuild    RebuildConfig     `yaml:"rebuild" json:"rebuild"`
	// Types declares the entity hierarchy as child -> parent.
	Types   map[string]string `yaml:"types" json:"types"`
	Logging LoggingConfig     `yaml:"logging" json:"logging"`
	Metrics MetricsConfig     `yaml:"metrics" json:"metrics"`
}

// StoreConfig locates the primary store.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// IndexConfig locates the search index.
type IndexConfig struct {
	Path string `yaml:"path" json:"path"`
}

// DispatcherConfig sizes the incremental worker pool.
type DispatcherConfig struct {
	Workers         int           `yaml:"workers" json:"workers"`
	QueueSize       int           `yaml:"queue_size" json:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// BulkConfig bounds concurrent bulk submissions.
type BulkConfig struct {
	MaxRunning int `yaml:"max_running" json:"max_running"`
}

// RebuildConfig configures full reconciliation runs.
type RebuildConfig struct {
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	BulkSize     int           `yaml:"bulk_size" json:"bulk_size"`
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	// Schedule is a cron expression for "serve". Empty disables scheduling.
	Schedule string   `yaml:"schedule" json:"schedule"`
	Types    []string `yaml:"types" json:"types"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// NewConfig returns a configuration populated with defaults.
func NewConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Store:   StoreConfig{Path: "store.db"},
		Index:   IndexConfig{Path: "index.bleve"},
		Dispatcher: DispatcherConfig{
			Workers:         runtime.NumCPU(),
			QueueSize:       64,
			ShutdownTimeout: 30 * time.Second,
		},
		Bulk: BulkConfig{MaxRunning: 4},
		Rebuild: RebuildConfig{
			BatchSize:    500,
			BulkSize:     200,
			ReadyTimeout: 30 * time.Second,
		},
		Types: map[string]string{},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".searchsync")
	}
	return filepath.Join(home, ".searchsync")
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/searchsync/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/searchsync/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "searchsync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "searchsync", "config.yaml")
	}
	return filepath.Join(home, ".config", "searchsync", "config.yaml")
}

// loadUserConfig returns nil, nil when no user config exists.
func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	var parsed Config
	if err := parseYAML(path, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// Load resolves configuration for dir, in increasing precedence:
//  1. Hardcoded defaults
//  2. User config ($XDG_CONFIG_HOME/searchsync/config.yaml)
//  3. Project config (.searchsync.yaml or .searchsync.yml in dir)
//  4. Environment variables (SEARCHSYNC_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	userCfg, err := loadUserConfig()
	if err != nil {
		return nil, syncerr.New(syncerr.ErrCodeConfigInvalid, "failed to load user config", err).
			WithDetail("path", GetUserConfigPath())
	}
	if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCodeConfigInvalid, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCodeConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, syncerr.New(syncerr.ErrCodeConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

// loadFromFile merges .searchsync.yaml, falling back to .searchsync.yml.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{ProjectFileYAML, ProjectFileYML} {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			continue
		}
		var parsed Config
		if err := parseYAML(path, &parsed); err != nil {
			return err
		}
		c.mergeWith(&parsed)
		return nil
	}
	return nil
}

func parseYAML(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeWith merges non-zero values from other into c. Type declarations are
// merged key by key.
func (c *Config) mergeWith(other *Config) {
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.Store.Path != "" {
		c.Store.Path = other.Store.Path
	}
	if other.Index.Path != "" {
		c.Index.Path = other.Index.Path
	}

	if other.Dispatcher.Workers != 0 {
		c.Dispatcher.Workers = other.Dispatcher.Workers
	}
	if other.Dispatcher.QueueSize != 0 {
		c.Dispatcher.QueueSize = other.Dispatcher.QueueSize
	}
	if other.Dispatcher.ShutdownTimeout != 0 {
		c.Dispatcher.ShutdownTimeout = other.Dispatcher.ShutdownTimeout
	}
	if other.Bulk.MaxRunning != 0 {
		c.Bulk.MaxRunning = other.Bulk.MaxRunning
	}

	if other.Rebuild.BatchSize != 0 {
		c.Rebuild.BatchSize = other.Rebuild.BatchSize
	}
	if other.Rebuild.BulkSize != 0 {
		c.Rebuild.BulkSize = other.Rebuild.BulkSize
	}
	if other.Rebuild.ReadyTimeout != 0 {
		c.Rebuild.ReadyTimeout = other.Rebuild.ReadyTimeout
	}
	if other.Rebuild.Schedule != "" {
		c.Rebuild.Schedule = other.Rebuild.Schedule
	}
	if len(other.Rebuild.Types) > 0 {
		c.Rebuild.Types = other.Rebuild.Types
	}

	if c.Types == nil {
		c.Types = make(map[string]string, len(other.Types))
	}
	for typ, parent := range other.Types {
		c.Types[typ] = parent
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.File != "" {
		c.Logging.File = other.Logging.File
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}

// applyEnvOverrides applies SEARCHSYNC_* environment variables. Unlike file
// values, a malformed number or duration is an error rather than ignored.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("SEARCHSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SEARCHSYNC_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("SEARCHSYNC_INDEX_PATH"); v != "" {
		c.Index.Path = v
	}
	if v := os.Getenv("SEARCHSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SEARCHSYNC_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("SEARCHSYNC_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("SEARCHSYNC_REBUILD_SCHEDULE"); v != "" {
		c.Rebuild.Schedule = v
	}
	if v := os.Getenv("SEARCHSYNC_REBUILD_TYPES"); v != "" {
		c.Rebuild.Types = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SEARCHSYNC_WORKERS", &c.Dispatcher.Workers},
		{"SEARCHSYNC_QUEUE_SIZE", &c.Dispatcher.QueueSize},
		{"SEARCHSYNC_MAX_RUNNING", &c.Bulk.MaxRunning},
		{"SEARCHSYNC_REBUILD_BATCH_SIZE", &c.Rebuild.BatchSize},
		{"SEARCHSYNC_REBUILD_BULK_SIZE", &c.Rebuild.BulkSize},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SEARCHSYNC_SHUTDOWN_TIMEOUT", &c.Dispatcher.ShutdownTimeout},
		{"SEARCHSYNC_READY_TIMEOUT", &c.Rebuild.ReadyTimeout},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks value ranges, the cron schedule and the type hierarchy.
func (c *Config) Validate() error {
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive, got %d", c.Dispatcher.Workers)
	}
	if c.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be positive, got %d", c.Dispatcher.QueueSize)
	}
	if c.Dispatcher.ShutdownTimeout < 0 {
		return fmt.Errorf("dispatcher.shutdown_timeout must be non-negative, got %s", c.Dispatcher.ShutdownTimeout)
	}
	if c.Bulk.MaxRunning <= 0 {
		return fmt.Errorf("bulk.max_running must be positive, got %d", c.Bulk.MaxRunning)
	}
	if c.Rebuild.BatchSize <= 0 {
		return fmt.Errorf("rebuild.batch_size must be positive, got %d", c.Rebuild.BatchSize)
	}
	if c.Rebuild.BulkSize <= 0 {
		return fmt.Errorf("rebuild.bulk_size must be positive, got %d", c.Rebuild.BulkSize)
	}
	if c.Rebuild.ReadyTimeout <= 0 {
		return fmt.Errorf("rebuild.ready_timeout must be positive, got %s", c.Rebuild.ReadyTimeout)
	}
	if c.Rebuild.Schedule != "" && !gronx.IsValid(c.Rebuild.Schedule) {
		return fmt.Errorf("rebuild.schedule is not a valid cron expression: %q", c.Rebuild.Schedule)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxFiles < 0 {
		return fmt.Errorf("logging.max_size_mb and logging.max_files must be non-negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	if err := entity.NewRegistry().DeclareAll(c.Types); err != nil {
		return fmt.Errorf("types: %w", err)
	}
	return nil
}

// StorePath returns the primary store path, resolved against DataDir.
func (c *Config) StorePath() string {
	return c.resolve(c.Store.Path)
}

// IndexPath returns the index path, resolved against DataDir.
func (c *Config) IndexPath() string {
	return c.resolve(c.Index.Path)
}

// LockDir returns the directory holding rebuild locks.
func (c *Config) LockDir() string {
	return c.DataDir
}

// LogPath returns the log file path, or "" when logging to a file is off.
func (c *Config) LogPath() string {
	if c.Logging.File == "" {
		return ""
	}
	return c.resolve(c.Logging.File)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
