package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := Default()
	require.True(t, c.AllowAnonymous)
	require.Equal(t, ":1883", c.Listeners.GnetTCP)
	require.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allow_anonymous: false
loglevel: debug
authentications:
  alice: somehash
listeners:
  tcp: ":9000"
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.False(t, c.AllowAnonymous)
	require.Equal(t, slog.LevelDebug, c.SlogLevel())
	require.Equal(t, "somehash", c.Authentications["alice"])
	require.Equal(t, ":9000", c.Listeners.TCP)
	require.Equal(t, ":1884", c.Listeners.WebSocket, "unset fields keep the default")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}
