// Package config loads and validates the acpd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoBackends is returned when the configuration defines no backends.
	ErrNoBackends = errors.New("no backends configured")
	// ErrDuplicateBackend is returned when two backends share an id.
	ErrDuplicateBackend = errors.New("duplicate backend id")
)

// Backend describes one configured agent executable.
// Backends are read-only from the daemon's point of view: the daemon spawns
// the command but never mutates the configuration entry.
type Backend struct {
	// ID is the stable identifier sessions reference.
	ID string `yaml:"id"`
	// Label is a human-readable name for UIs.
	Label string `yaml:"label,omitempty"`
	// Command is the executable, optionally with arguments as one shell
	// string ("claude-code-acp --experimental"). Tokenized with shlex.
	Command string `yaml:"command"`
	// Args are extra arguments appended after the tokenized Command.
	Args []string `yaml:"args,omitempty"`
	// Env contains environment overrides applied on top of the daemon's
	// environment when spawning the agent process.
	Env map[string]string `yaml:"env,omitempty"`
}

// CommandLine tokenizes the backend command and appends Args.
// Returns the argv to execute.
func (b *Backend) CommandLine() ([]string, error) {
	argv, err := shlex.Split(b.Command)
	if err != nil {
		return nil, fmt.Errorf("backend %q: invalid command: %w", b.ID, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("backend %q: empty command", b.ID)
	}
	return append(argv, b.Args...), nil
}

// Environ returns the process environment for the backend: the daemon's
// environment with Env overrides applied.
func (b *Backend) Environ() []string {
	env := os.Environ()
	for k, v := range b.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// WALConfig configures the durable event log.
type WALConfig struct {
	// Path is the SQLite database file. Defaults to wal.db under DataDir.
	Path string `yaml:"path,omitempty"`
}

// CompactionConfig configures the WAL compactor.
type CompactionConfig struct {
	// AckedEventRetentionDays is the retention window; events younger than
	// this are never deleted. Default: 30.
	AckedEventRetentionDays int `yaml:"acked_event_retention_days,omitempty"`
	// KeepLatestRevisionsCount protects the most recent revisions of every
	// session from deletion. Default: 2.
	KeepLatestRevisionsCount int `yaml:"keep_latest_revisions,omitempty"`
	// MinEventsToKeep protects the newest N events of every session from
	// deletion regardless of age. Default: 200.
	MinEventsToKeep int `yaml:"min_events_to_keep,omitempty"`
	// RunOnStartup runs one compaction pass when the daemon starts.
	RunOnStartup bool `yaml:"run_on_startup,omitempty"`
	// RunIntervalHours schedules periodic compaction. 0 disables the timer.
	RunIntervalHours int `yaml:"run_interval_hours,omitempty"`
}

// Interval returns the compaction interval as a duration (0 when disabled).
func (c *CompactionConfig) Interval() time.Duration {
	if c.RunIntervalHours <= 0 {
		return 0
	}
	return time.Duration(c.RunIntervalHours) * time.Hour
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level      string   `yaml:"level,omitempty"`
	JSON       bool     `yaml:"json,omitempty"`
	File       string   `yaml:"file,omitempty"`
	Components []string `yaml:"components,omitempty"`
}

// Config is the root daemon configuration.
type Config struct {
	// DataDir is where the daemon keeps its state. Defaults to
	// $XDG_DATA_HOME/acpd or ~/.local/share/acpd.
	DataDir    string           `yaml:"data_dir,omitempty"`
	Backends   []Backend        `yaml:"backends"`
	WAL        WALConfig        `yaml:"wal,omitempty"`
	Compaction CompactionConfig `yaml:"compaction,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
}

// DefaultCompaction returns the compactor defaults applied when the
// configuration leaves fields unset.
func DefaultCompaction() CompactionConfig {
	return CompactionConfig{
		AckedEventRetentionDays:  30,
		KeepLatestRevisionsCount: 2,
		MinEventsToKeep:          200,
		RunOnStartup:             true,
		RunIntervalHours:         24,
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "acpd", "config.yaml")
	}
	return "config.yaml"
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine data dir: %w", err)
		}
		c.DataDir = filepath.Join(home, ".local", "share", "acpd")
	}
	if c.WAL.Path == "" {
		c.WAL.Path = filepath.Join(c.DataDir, "wal.db")
	}

	defaults := DefaultCompaction()
	if c.Compaction.AckedEventRetentionDays <= 0 {
		c.Compaction.AckedEventRetentionDays = defaults.AckedEventRetentionDays
	}
	if c.Compaction.KeepLatestRevisionsCount <= 0 {
		c.Compaction.KeepLatestRevisionsCount = defaults.KeepLatestRevisionsCount
	}
	if c.Compaction.MinEventsToKeep <= 0 {
		c.Compaction.MinEventsToKeep = defaults.MinEventsToKeep
	}
	return nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return ErrNoBackends
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.ID == "" {
			return fmt.Errorf("backend at index %d has no id", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.ID)
		}
		seen[b.ID] = true
		if _, err := b.CommandLine(); err != nil {
			return err
		}
		if b.Label == "" {
			b.Label = b.ID
		}
	}
	return nil
}

// Backend returns the backend with the given id, or nil.
func (c *Config) Backend(id string) *Backend {
	for i := range c.Backends {
		if c.Backends[i].ID == id {
			return &c.Backends[i]
		}
	}
	return nil
}
