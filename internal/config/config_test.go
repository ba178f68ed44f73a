package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8888", cfg.ListenAddr)
	assert.Equal(t, "student", cfg.Username)
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.yaml")
	contents := "listen_addr: \":9999\"\nusername: \"alice\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "secure123", cfg.Password) // untouched default survives
}

func TestLoadServerConfigEnvOverride(t *testing.T) {
	t.Setenv("TUNNEL_USERNAME", "env-user")
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-user", cfg.Username)
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.105:8888", cfg.ServerAddr)
	assert.Equal(t, "127.0.0.1:9000", cfg.LocalProxyAddr)
}
