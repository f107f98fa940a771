package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
origin: https://chat.example
presence:
  heartbeat_interval: 10s
  offline_threshold: 30s
  clear_on_leave: true
daemon:
  username: bot
  rooms:
    - url: "https://chat.example#room_x@%7B%7D"
      publish: true
      name: Lobby
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example", cfg.Origin)
	require.Equal(t, 10*time.Second, cfg.Presence.HeartbeatInterval)
	require.Equal(t, 30*time.Second, cfg.Presence.OfflineThreshold)
	require.True(t, cfg.Presence.ClearOnLeave)
	require.Equal(t, "bot", cfg.Daemon.Username)
	require.Len(t, cfg.Daemon.Rooms, 1)
	require.Equal(t, "Lobby", cfg.Daemon.Rooms[0].Name)
	// untouched sections keep defaults
	require.Equal(t, 500*time.Millisecond, cfg.Store.PollInterval)
	require.Equal(t, "Ed25519", cfg.Crypto.Scheme)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("origin: https://env.example\n"), 0o600))
	t.Setenv(EnvPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "https://env.example", cfg.Origin)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv(EnvPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Decode([]byte("orgin: typo\n")))
	require.NoError(t, Default().Decode(nil))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty origin":        func(c *Config) { c.Origin = "" },
		"zero heartbeat":      func(c *Config) { c.Presence.HeartbeatInterval = 0 },
		"threshold too small": func(c *Config) { c.Presence.OfflineThreshold = c.Presence.HeartbeatInterval },
		"zero poll":           func(c *Config) { c.Store.PollInterval = 0 },
		"bad level":           func(c *Config) { c.Log.Level = "loud" },
		"room without url":    func(c *Config) { c.Daemon.Rooms = []Room{{Name: "x"}} },
		"unnamed publish":     func(c *Config) { c.Daemon.Rooms = []Room{{URL: "u", Publish: true}} },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log = Log{Level: "debug", Development: true}
	log, err := cfg.Logger()
	require.NoError(t, err)
	require.NotNil(t, log)
	require.True(t, log.Core().Enabled(-1))
}
