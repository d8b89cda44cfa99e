// Package paths resolves where canopy keeps its configuration file and its
// store.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "canopy"

// ConfigFileName is the file read from the config directory.
const ConfigFileName = "config.yaml"

// DefaultDataDirName is the CWD-relative store directory used when nothing
// else names one.
const DefaultDataDirName = ".canopy-db"

// Environment overrides.
const (
	EnvConfigDir = "CANOPY_CONFIG_DIR"
	EnvDataDir   = "CANOPY_DATA_DIR"
)

// platform is swapped out by tests.
var platform = struct {
	goos          string
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
	getwd         func() (string, error)
}{
	goos:          runtime.GOOS,
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
	getwd:         os.Getwd,
}

// DefaultConfigDir returns the per-user configuration directory:
// $XDG_CONFIG_HOME/canopy or ~/.config/canopy on Linux, and the OS user
// config directory elsewhere.
func DefaultConfigDir() (string, error) {
	if platform.goos != "linux" {
		dir, err := platform.userConfigDir()
		if err != nil {
			return "", fmt.Errorf("locating user config dir: %w", err)
		}
		return filepath.Join(dir, appName), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := platform.homeDir()
	if err != nil {
		return "", fmt.Errorf("locating home dir: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// ResolveConfigDir applies flag > CANOPY_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir applies flag > config file value > CANOPY_DATA_DIR >
// $(CWD)/.canopy-db.
func ResolveDataDir(flag, configured string) (string, error) {
	for _, dir := range []string{flag, configured, os.Getenv(EnvDataDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	cwd, err := platform.getwd()
	if err != nil {
		return "", fmt.Errorf("locating working dir: %w", err)
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}

// ConfigFile returns the config file path inside dir.
func ConfigFile(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}
