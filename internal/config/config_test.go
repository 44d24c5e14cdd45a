package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.StopGrace)
	assert.Equal(t, 30*time.Second, cfg.Tick)
	assert.Equal(t, "127.0.0.1:8420", cfg.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procorg.toml")
	content := `
data_dir = "/var/lib/procorg"
stop_grace = "10s"
tick = "1m"
listen = "0.0.0.0:9000"
history_dsn = "sqlite:///var/lib/procorg/history.db"

[log]
level = "debug"
file = "/var/log/procorg.log"
max_size_mb = 32
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/procorg", cfg.DataDir)
	assert.Equal(t, 10*time.Second, cfg.StopGrace)
	assert.Equal(t, time.Minute, cfg.Tick)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "sqlite:///var/lib/procorg/history.db", cfg.HistoryDSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/procorg.log", cfg.Log.File)
	assert.Equal(t, 32, cfg.Log.MaxSizeMB)
}

func TestLoadPartialOverridesKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procorg.toml")
	require.NoError(t, os.WriteFile(path, []byte(`data_dir = "/srv/procorg"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/procorg", cfg.DataDir)
	assert.Equal(t, Default().StopGrace, cfg.StopGrace)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`data_dir = ""`), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	neg := filepath.Join(t.TempDir(), "neg.toml")
	require.NoError(t, os.WriteFile(neg, []byte(`stop_grace = "-5s"`), 0o644))
	_, err = Load(neg)
	assert.Error(t, err)
}
