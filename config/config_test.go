package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTOML(t *testing.T) {
	raw := `
socket_path = "/run/handoff/chan.sock"
abstract_namespace = false

[http]
addr = "0.0.0.0"
port = 8080
backlog = 256
max_stop_waits = 5

[https]
addr = "0.0.0.0"
port = 8443
backlog = 256
tls = true
max_stop_waits = 5
`
	path := filepath.Join(t.TempDir(), "handoff.toml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/run/handoff/chan.sock", cfg.SocketPath)
	require.NotNil(t, cfg.HTTP)
	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, 256, cfg.HTTP.Backlog)
	require.False(t, cfg.HTTP.TLS)
	require.NotNil(t, cfg.HTTPS)
	require.True(t, cfg.HTTPS.TLS)
	require.Equal(t, "0.0.0.0:8443", cfg.HTTPS.String())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestSnapshotComparisons(t *testing.T) {
	a := DefaultListener("127.0.0.1", 8080)
	b := DefaultListener("127.0.0.1", 8080)
	require.True(t, a.SocketEqual(b))
	require.True(t, a.BacklogEqual(b))

	b.Port = 9090
	require.False(t, a.SocketEqual(b))

	c := DefaultListener("127.0.0.1", 8080)
	c.Backlog = 64
	require.True(t, a.SocketEqual(c))
	require.False(t, a.BacklogEqual(c))
}
