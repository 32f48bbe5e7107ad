package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ":8443", cfg.Server.Listen)
	require.Equal(t, 8100, cfg.Tunnel.PortRangeStart)
	require.Equal(t, 8198, cfg.Tunnel.PortRangeEnd)
	require.Equal(t, 5, cfg.Queue.PollLimit)
	require.Equal(t, 600, cfg.Agents.OfflineAfter)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
  admin_token: from-file
tunnel:
  port_range_start: 9100
  port_range_end: 9110
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Listen)
	require.Equal(t, "from-file", cfg.Server.AdminToken)
	require.Equal(t, 9100, cfg.Tunnel.PortRangeStart)
	// Unset fields keep their defaults.
	require.Equal(t, "/var/lib/opnfleet/keys", cfg.Tunnel.KeyDir)

	t.Setenv("FLEET_LISTEN", ":9001")
	t.Setenv("FLEET_ADMIN_TOKEN", "from-env")
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9001", cfg.Server.Listen)
	require.Equal(t, "from-env", cfg.Server.AdminToken)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.Server.Listen)
}

func TestLoadAdminTokenFile(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("secret-token\n"), 0o600))

	path := filepath.Join(dir, "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  admin_token_file: "+tokenPath+"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "secret-token", cfg.Server.AdminToken)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.ErrorIs(t, cfg.Validate(), ErrMissingAdminToken)

	cfg.Server.AdminToken = "token"
	require.NoError(t, cfg.Validate())

	cfg.Server.Listen = ""
	require.ErrorIs(t, cfg.Validate(), ErrMissingListen)

	cfg = DefaultConfig()
	cfg.Server.AdminToken = "token"
	cfg.Tunnel.PortRangeEnd = cfg.Tunnel.PortRangeStart - 2
	require.ErrorIs(t, cfg.Validate(), ErrInvalidPortRange)
}

func TestValidateClampsProbeTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AdminToken = "token"
	cfg.Tunnel.ProbeTimeout = 30
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5, cfg.Tunnel.ProbeTimeout)
}
