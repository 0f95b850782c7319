package datasource

import (
	"fmt"
	"strconv"

	"github.com/kennethshackleton/selekt-go/internal/selekterr"
)

// JournalMode is SQLite's journal_mode pragma value.
type JournalMode string

const (
	JournalDelete   JournalMode = "DELETE"
	JournalTruncate JournalMode = "TRUNCATE"
	JournalPersist  JournalMode = "PERSIST"
	JournalMemory   JournalMode = "MEMORY"
	JournalWAL      JournalMode = "WAL"
	JournalOff      JournalMode = "OFF"
)

func validJournalMode(m JournalMode) bool {
	switch m {
	case JournalDelete, JournalTruncate, JournalPersist, JournalMemory, JournalWAL, JournalOff:
		return true
	}
	return false
}

// ValidJournalMode reports whether m is one of SQLite's recognised
// journal_mode pragma values. Exported for callers (such as libconfig)
// validating a journal mode before it reaches ConfigFromProperties.
func ValidJournalMode(m JournalMode) bool {
	return validJournalMode(m)
}

// Config is the effective, validated configuration for one DataSource
// cache entry, derived from the merged URL query and property bag.
type Config struct {
	Encrypt     bool
	Key         string
	PoolSize    int
	BusyTimeout int
	JournalMode JournalMode
	ForeignKeys bool
}

// DefaultConfig matches spec §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:    10,
		BusyTimeout: 0,
		JournalMode: JournalWAL,
		ForeignKeys: true,
	}
}

// ConfigFromProperties parses the effective (already-merged) property
// map into a Config, applying defaults for anything unset. Unknown
// properties are ignored; callers wrap this parse with their own
// slog.Debug if they want visibility into what was dropped.
func ConfigFromProperties(props map[string]string) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := props["encrypt"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, &selekterr.InvalidConfigurationError{Field: "encrypt", Reason: err.Error()}
		}
		cfg.Encrypt = b
	}
	if v, ok := props["key"]; ok {
		cfg.Key = v
	}
	if v, ok := props["poolSize"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, &selekterr.InvalidConfigurationError{Field: "poolSize", Reason: err.Error()}
		}
		cfg.PoolSize = n
	}
	if v, ok := props["busyTimeout"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, &selekterr.InvalidConfigurationError{Field: "busyTimeout", Reason: err.Error()}
		}
		cfg.BusyTimeout = n
	}
	if v, ok := props["journalMode"]; ok {
		cfg.JournalMode = JournalMode(v)
	}
	if v, ok := props["foreignKeys"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, &selekterr.InvalidConfigurationError{Field: "foreignKeys", Reason: err.Error()}
		}
		cfg.ForeignKeys = b
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants spec §6 enumerates.
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return &selekterr.InvalidConfigurationError{Field: "poolSize", Reason: "must be > 0"}
	}
	if c.BusyTimeout < 0 {
		return &selekterr.InvalidConfigurationError{Field: "busyTimeout", Reason: "must be >= 0"}
	}
	if !validJournalMode(c.JournalMode) {
		return &selekterr.InvalidConfigurationError{Field: "journalMode", Reason: fmt.Sprintf("unrecognised journal mode %q", c.JournalMode)}
	}
	return nil
}
