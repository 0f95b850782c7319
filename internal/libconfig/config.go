// Package libconfig provides YAML-driven process-wide defaults for
// programs that manage many DataSources: pool sizing, timeouts,
// journal mode, and key source, with ${VAR} environment substitution
// and an optional hot-reload watcher.
package libconfig

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kennethshackleton/selekt-go/internal/datasource"
)

// Config is the top-level process configuration for a program that
// opens many DataSources against a shared set of defaults.
type Config struct {
	Defaults PoolDefaults              `yaml:"defaults"`
	Sources  map[string]SourceOverride `yaml:"sources"`
}

// PoolDefaults holds the tunables applied to every source that doesn't
// override them. EvictionDelay and EvictionInterval are parsed but not
// rendered by ToDataSourceProperties, so they do not reach a DataSource.
type PoolDefaults struct {
	PoolSize         int           `yaml:"pool_size"`
	BusyTimeoutMS    int           `yaml:"busy_timeout_ms"`
	JournalMode      string        `yaml:"journal_mode"`
	ForeignKeys      bool          `yaml:"foreign_keys"`
	EvictionDelay    time.Duration `yaml:"eviction_delay"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// SourceOverride holds the per-source configuration for a single named
// DataSource URL, overriding PoolDefaults where set.
type SourceOverride struct {
	URL             string `yaml:"url"`
	Encrypt         bool   `yaml:"encrypt"`
	KeySource       string `yaml:"key_source"`
	PoolSize        *int   `yaml:"pool_size,omitempty"`
	BusyTimeoutMS   *int   `yaml:"busy_timeout_ms,omitempty"`
	JournalMode     string `yaml:"journal_mode,omitempty"`
	ForeignKeysZero *bool  `yaml:"foreign_keys,omitempty"`
}

// EffectivePoolSize returns the source's pool size or the default.
func (s SourceOverride) EffectivePoolSize(d PoolDefaults) int {
	if s.PoolSize != nil {
		return *s.PoolSize
	}
	return d.PoolSize
}

// EffectiveBusyTimeoutMS returns the source's busy timeout or the default.
func (s SourceOverride) EffectiveBusyTimeoutMS(d PoolDefaults) int {
	if s.BusyTimeoutMS != nil {
		return *s.BusyTimeoutMS
	}
	return d.BusyTimeoutMS
}

// EffectiveJournalMode returns the source's journal mode or the default.
func (s SourceOverride) EffectiveJournalMode(d PoolDefaults) string {
	if s.JournalMode != "" {
		return s.JournalMode
	}
	return d.JournalMode
}

// EffectiveForeignKeys returns the source's foreign-keys flag or the default.
func (s SourceOverride) EffectiveForeignKeys(d PoolDefaults) bool {
	if s.ForeignKeysZero != nil {
		return *s.ForeignKeysZero
	}
	return d.ForeignKeys
}

// ToDataSourceProperties renders a SourceOverride plus PoolDefaults into
// the property bag datasource.ConfigFromProperties expects.
func (s SourceOverride) ToDataSourceProperties(d PoolDefaults) map[string]string {
	props := map[string]string{
		"poolSize":    fmt.Sprintf("%d", s.EffectivePoolSize(d)),
		"busyTimeout": fmt.Sprintf("%d", s.EffectiveBusyTimeoutMS(d)),
		"journalMode": s.EffectiveJournalMode(d),
		"foreignKeys": fmt.Sprintf("%t", s.EffectiveForeignKeys(d)),
	}
	if s.Encrypt {
		props["encrypt"] = "true"
		props["key"] = s.KeySource
	}
	return props
}

// Redacted returns a copy of the SourceOverride with the key source masked.
func (s SourceOverride) Redacted() SourceOverride {
	c := s
	if c.KeySource != "" {
		c.KeySource = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving the pattern untouched when unset.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Defaults.PoolSize == 0 {
		cfg.Defaults.PoolSize = 10
	}
	if cfg.Defaults.JournalMode == "" {
		cfg.Defaults.JournalMode = string(datasource.JournalWAL)
	}
	if cfg.Defaults.EvictionDelay == 0 {
		cfg.Defaults.EvictionDelay = 30 * time.Second
	}
	if cfg.Defaults.EvictionInterval == 0 {
		cfg.Defaults.EvictionInterval = 10 * time.Second
	}
	// ForeignKeys has no reliable zero-value default: treat the YAML
	// zero value (false) as an explicit choice rather than "unset".
}

func validate(cfg *Config) error {
	for name, src := range cfg.Sources {
		if src.URL == "" {
			return fmt.Errorf("source %q: url is required", name)
		}
		if src.Encrypt && src.KeySource == "" {
			return fmt.Errorf("source %q: key_source is required when encrypt is true", name)
		}
		if jm := src.JournalMode; jm != "" && !datasource.ValidJournalMode(datasource.JournalMode(jm)) {
			return fmt.Errorf("source %q: unrecognised journal_mode %q", name, jm)
		}
	}
	if cfg.Defaults.JournalMode != "" && !datasource.ValidJournalMode(datasource.JournalMode(cfg.Defaults.JournalMode)) {
		return fmt.Errorf("defaults: unrecognised journal_mode %q", cfg.Defaults.JournalMode)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback
// with the newly loaded config, debouncing rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "path", cw.path, "error", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
