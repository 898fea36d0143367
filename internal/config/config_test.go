package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, 1774, c.Server.Port)
	assert.Equal(t, "/wd/hub", c.Server.Prefix)
	assert.Equal(t, 9999, c.Driver.Port)
	assert.False(t, c.Driver.W3C)
	assert.Equal(t, 3*time.Second, c.Timeouts.Decision)
	assert.Equal(t, "http://127.0.0.1:9999", c.DriverURL())
	require.NoError(t, c.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "potemkin.yaml")
	content := []byte("server:\n  port: 4444\nbrowser:\n  keep_open: true\ntimeouts:\n  forward: 2s\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("POTEMKIN_DRIVER_PORT", "9515")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 4444, cfg.Server.Port)
	assert.True(t, cfg.Browser.KeepOpen)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Forward)
	assert.Equal(t, 9515, cfg.Driver.Port)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Launch)
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := NewConfig()
	c.Server.Port = 70000
	c.Timeouts.Drain = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "timeouts.drain")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
