package tunnel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newFileRegistrar(t *testing.T) (*FileRegistrar, string) {
	t.Helper()
	dir := t.TempDir()
	reg := NewFileRegistrar(dir, "/etc/ssl/edge.crt", "/etc/ssl/edge.key", nil, newFakeSupervisor(), zerolog.Nop())
	return reg, dir
}

func TestFileRegistrarRoundTrip(t *testing.T) {
	reg, dir := newFileRegistrar(t)

	want := Route{EdgePort: 8099, ForwardPort: 8100, Scheme: "https"}
	require.NoError(t, reg.UpsertRoute(want))

	data, err := os.ReadFile(filepath.Join(dir, "tunnel-8099.conf"))
	require.NoError(t, err)
	require.Contains(t, string(data), "listen 8099 ssl;")
	require.Contains(t, string(data), "proxy_pass https://127.0.0.1:8100;")
	require.Contains(t, string(data), "ssl_certificate /etc/ssl/edge.crt;")

	got, ok, err := reg.Lookup(8099)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok, err = reg.Lookup(8101)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, reg.RemoveRoute(8099))
	require.NoError(t, reg.RemoveRoute(8099))
	_, ok, err = reg.Lookup(8099)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileRegistrarUnparseableVhostIsStale(t *testing.T) {
	reg, dir := newFileRegistrar(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tunnel-8099.conf"), []byte("garbage\n"), 0o644))

	_, ok, err := reg.Lookup(8099)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileRegistrarRemoveAll(t *testing.T) {
	reg, dir := newFileRegistrar(t)
	require.NoError(t, reg.UpsertRoute(Route{EdgePort: 8099, ForwardPort: 8100, Scheme: "https"}))
	require.NoError(t, reg.UpsertRoute(Route{EdgePort: 8101, ForwardPort: 8102, Scheme: "http"}))
	// Unrelated files in the include dir are left alone.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.conf"), []byte("server {}\n"), 0o644))

	require.NoError(t, reg.RemoveAll())

	matches, err := filepath.Glob(filepath.Join(dir, "tunnel-*.conf"))
	require.NoError(t, err)
	require.Empty(t, matches)
	_, err = os.Stat(filepath.Join(dir, "default.conf"))
	require.NoError(t, err)
}
