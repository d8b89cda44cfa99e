package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePlatform(t *testing.T, goos string) {
	t.Helper()
	saved := platform
	t.Cleanup(func() { platform = saved })
	platform.goos = goos
	platform.homeDir = func() (string, error) { return "/home/ada", nil }
	platform.userConfigDir = func() (string, error) { return "/Users/ada/Library/Application Support", nil }
	platform.getwd = func() (string, error) { return "/work/project", nil }
}

func TestDefaultConfigDir(t *testing.T) {
	tests := []struct {
		name string
		goos string
		xdg  string
		want string
	}{
		{"linux xdg", "linux", "/tmp/xdg", "/tmp/xdg/canopy"},
		{"linux home fallback", "linux", "", "/home/ada/.config/canopy"},
		{"darwin", "darwin", "/tmp/xdg", "/Users/ada/Library/Application Support/canopy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakePlatform(t, tt.goos)
			t.Setenv("XDG_CONFIG_HOME", tt.xdg)
			got, err := DefaultConfigDir()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultConfigDirHomeError(t *testing.T) {
	fakePlatform(t, "linux")
	t.Setenv("XDG_CONFIG_HOME", "")
	platform.homeDir = func() (string, error) { return "", errors.New("no home") }
	_, err := DefaultConfigDir()
	assert.ErrorContains(t, err, "no home")
}

func TestResolveConfigDir(t *testing.T) {
	fakePlatform(t, "linux")
	t.Setenv("XDG_CONFIG_HOME", "")

	t.Setenv(EnvConfigDir, "/etc/canopy")
	got, err := ResolveConfigDir("/opt/cfg")
	require.NoError(t, err)
	assert.Equal(t, "/opt/cfg", got, "flag wins")

	got, err = ResolveConfigDir("")
	require.NoError(t, err)
	assert.Equal(t, "/etc/canopy", got)

	t.Setenv(EnvConfigDir, "")
	got, err = ResolveConfigDir("")
	require.NoError(t, err)
	assert.Equal(t, "/home/ada/.config/canopy", got)
}

func TestResolveDataDir(t *testing.T) {
	fakePlatform(t, "linux")
	tests := []struct {
		name       string
		flag       string
		configured string
		env        string
		want       string
	}{
		{"flag", "/a", "/b", "/c", "/a"},
		{"config file", "", "/b", "/c", "/b"},
		{"environment", "", "", "/c", "/c"},
		{"cwd default", "", "", "", "/work/project/.canopy-db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvDataDir, tt.env)
			got, err := ResolveDataDir(tt.flag, tt.configured)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRelativeFlag(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	got, err := ResolveDataDir("store", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "store"), got)
	assert.Equal(t, filepath.Join("x", "config.yaml"), ConfigFile("x"))
}
