package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/canopy/internal/paths"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Config keys read from config.yaml.
const (
	cfgKeyBackend        = "backend"
	cfgKeyDataDir        = "data_dir"
	cfgKeySyncWrites     = "sync_writes"
	cfgKeyBatchWindow    = "batch_window"
	cfgKeyWorkingCopyTTL = "working_copy_ttl"
	cfgKeySweepInterval  = "sweep_interval"
	cfgKeyUndoLimit      = "undo_limit"
	cfgKeyLogLevel       = "log_level"
	cfgKeyLogFormat      = "log_format"
	cfgKeyRPCAddr        = "rpc_addr"
	cfgKeyMetricsAddr    = "metrics_addr"
)

// Defaults for keys missing from config.yaml.
const (
	defaultBackend   = types.BackendSQLite
	defaultLogLevel  = "warn"
	defaultLogFormat = "text"
	defaultRPCAddr   = "127.0.0.1:7420"
)

// envPrefix lets every config key be overridden as CANOPY_<KEY>.
const envPrefix = "CANOPY"

// settings is the fully resolved CLI configuration.
type settings struct {
	ConfigDir string
	Engine    types.Config

	LogLevel    string
	LogFormat   string
	RPCAddr     string
	MetricsAddr string
}

// configFile is the structure written to a fresh config.yaml.
type configFile struct {
	Backend        string `yaml:"backend"`
	DataDir        string `yaml:"data_dir,omitempty"`
	BatchWindow    string `yaml:"batch_window"`
	WorkingCopyTTL string `yaml:"working_copy_ttl"`
	SweepInterval  string `yaml:"sweep_interval"`
	UndoLimit      int    `yaml:"undo_limit"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	RPCAddr        string `yaml:"rpc_addr"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(cfgKeyBackend, defaultBackend)
	v.SetDefault(cfgKeyBatchWindow, types.DefaultBatchWindow)
	v.SetDefault(cfgKeyWorkingCopyTTL, types.DefaultWorkingCopyTTL)
	v.SetDefault(cfgKeySweepInterval, types.DefaultSweepInterval)
	v.SetDefault(cfgKeyUndoLimit, types.DefaultUndoLimit)
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)
	v.SetDefault(cfgKeyLogFormat, defaultLogFormat)
	v.SetDefault(cfgKeyRPCAddr, defaultRPCAddr)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// loadSettings reads config.yaml from configDir. A missing file is not an
// error; defaults and CANOPY_* environment variables still apply.
func loadSettings(configDir string) (settings, error) {
	v := newViper()
	v.SetConfigFile(paths.ConfigFile(configDir))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	s := settings{
		Engine: types.Config{
			Backend:        v.GetString(cfgKeyBackend),
			DataDir:        v.GetString(cfgKeyDataDir),
			SyncWrites:     v.GetBool(cfgKeySyncWrites),
			BatchWindow:    v.GetDuration(cfgKeyBatchWindow),
			WorkingCopyTTL: v.GetDuration(cfgKeyWorkingCopyTTL),
			SweepInterval:  v.GetDuration(cfgKeySweepInterval),
			UndoLimit:      v.GetInt(cfgKeyUndoLimit),
		},
		LogLevel:    v.GetString(cfgKeyLogLevel),
		LogFormat:   v.GetString(cfgKeyLogFormat),
		RPCAddr:     v.GetString(cfgKeyRPCAddr),
		MetricsAddr: v.GetString(cfgKeyMetricsAddr),
	}
	if err := s.Engine.Validate(); err != nil {
		return settings{}, fmt.Errorf("config %s: %w", paths.ConfigFile(configDir), err)
	}
	return s, nil
}

// writeConfigIfMissing creates config.yaml with default values if the file
// does not exist. An existing file is left alone.
func writeConfigIfMissing(path, dataDir string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	cfg := configFile{
		Backend:        defaultBackend,
		DataDir:        dataDir,
		BatchWindow:    types.DefaultBatchWindow.String(),
		WorkingCopyTTL: types.DefaultWorkingCopyTTL.String(),
		SweepInterval:  types.DefaultSweepInterval.String(),
		UndoLimit:      types.DefaultUndoLimit,
		LogLevel:       defaultLogLevel,
		LogFormat:      defaultLogFormat,
		RPCAddr:        defaultRPCAddr,
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// newLogger builds the slog logger named by the log_level and log_format
// settings. Logs go to w, which is stderr outside of tests.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, usagef("log_level %q: want debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, usagef("log_format %q: want text or json", format)
	}
}

// parseAge accepts Go durations plus a trailing "d" for days.
func parseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		d, err := time.ParseDuration(days + "h")
		if err != nil {
			return 0, usagef("age %q: %v", s, err)
		}
		return d * 24, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, usagef("age %q: %v", s, err)
	}
	return d, nil
}
