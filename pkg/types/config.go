package types

import (
	"errors"
	"time"
)

// Supported backend names.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Engine defaults applied by Config.WithDefaults.
const (
	DefaultBatchWindow   = 100 * time.Millisecond
	DefaultSweepInterval = 30 * time.Minute
	DefaultUndoLimit     = 100
)

// Config holds backend selection and engine tuning.
type Config struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// InMemory keeps all data in memory (badger only). Used by tests.
	InMemory bool `json:"in_memory" yaml:"in_memory" mapstructure:"in_memory"`

	// SyncWrites fsyncs every commit (badger only).
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes" mapstructure:"sync_writes"`

	// BatchWindow is the subscription coalescing window.
	BatchWindow time.Duration `json:"batch_window" yaml:"batch_window" mapstructure:"batch_window"`

	// WorkingCopyTTL is the age after which untouched working copies are swept.
	WorkingCopyTTL time.Duration `json:"working_copy_ttl" yaml:"working_copy_ttl" mapstructure:"working_copy_ttl"`

	// SweepInterval is how often the expiry sweep runs. Zero disables it.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// UndoLimit bounds the undo stack depth.
	UndoLimit int `json:"undo_limit" yaml:"undo_limit" mapstructure:"undo_limit"`
}

// Config validation errors.
var (
	ErrBackendEmpty          = errors.New("backend must not be empty")
	ErrBackendUnknown        = errors.New("unknown backend")
	ErrBatchWindowInvalid    = errors.New("batch window must not be negative")
	ErrWorkingCopyTTLInvalid = errors.New("working copy ttl must not be negative")
	ErrSweepIntervalInvalid  = errors.New("sweep interval must not be negative")
	ErrUndoLimitInvalid      = errors.New("undo limit must not be negative")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite: true,
	BackendBadger: true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.BatchWindow < 0 {
		return ErrBatchWindowInvalid
	}
	if c.WorkingCopyTTL < 0 {
		return ErrWorkingCopyTTLInvalid
	}
	if c.SweepInterval < 0 {
		return ErrSweepIntervalInvalid
	}
	if c.UndoLimit < 0 {
		return ErrUndoLimitInvalid
	}
	return nil
}

// WithDefaults fills zero-valued tuning fields with the package defaults.
// SweepInterval is left alone so that zero can disable the sweep.
func (c Config) WithDefaults() Config {
	if c.BatchWindow == 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.WorkingCopyTTL == 0 {
		c.WorkingCopyTTL = DefaultWorkingCopyTTL
	}
	if c.UndoLimit == 0 {
		c.UndoLimit = DefaultUndoLimit
	}
	return c
}
