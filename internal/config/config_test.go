package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duocall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
mode: relay
relay:
  listen: ":9000"
  ice_servers:
    - urls: ["stun:stun.example.com:3478"]
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
call:
  timeout: 45s
log:
  debug: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeRelay, cfg.Mode)
	assert.Equal(t, ":9000", cfg.Relay.Listen)
	assert.Equal(t, 45*time.Second, cfg.Call.Timeout)
	assert.True(t, cfg.Log.Debug)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Log.MaxBackups, cfg.Log.MaxBackups)

	servers := cfg.Relay.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, []string(servers[1].URLs))
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bogus_key: 1\n"))
	assert.Error(t, err)
}

func TestDecodeEmpty(t *testing.T) {
	for _, body := range []string{"", "\n", "# all defaults\n", "---\n", "~\n"} {
		cfg := Default()
		require.NoError(t, Decode(strings.NewReader(body), &cfg), "%q", body)
		assert.Equal(t, Default(), cfg, "%q", body)
	}
}

func TestParseCommentOnlyFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, "# all defaults\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Parse("duocall", []string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Call.Timeout)
	assert.Equal(t, Default().Call.ConfigTTL, cfg.Call.ConfigTTL)
	assert.Equal(t, "127.0.0.1:8080", cfg.Relay.Listen)
}

func TestParseRejectsZeroConfigTTL(t *testing.T) {
	path := writeFile(t, "call:\n  config_ttl: 0s\n")
	_, err := Parse("duocall", []string{"-config", path})
	assert.ErrorContains(t, err, "config ttl")
}

func TestParseFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, `
mode: relay
call:
  server: wss://from-file.example.com
  user: file-user
`)
	cfg, err := Parse("duocall", []string{
		"-config", path,
		"-mode", "call",
		"-user", "alice",
		"-timeout", "10s",
	})
	require.NoError(t, err)

	assert.Equal(t, ModeCall, cfg.Mode)
	assert.Equal(t, "wss://from-file.example.com", cfg.Call.Server)
	assert.Equal(t, "alice", string(cfg.Call.UserID()))
	assert.Equal(t, 10*time.Second, cfg.Call.Timeout)
}

func TestParseUnsetFlagsKeepFile(t *testing.T) {
	path := writeFile(t, "relay:\n  listen: \":7000\"\n")
	cfg, err := Parse("duocall", []string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Relay.Listen)
}

func TestParseICEFlag(t *testing.T) {
	cfg, err := Parse("duocall", []string{"-ice", "stun:a:3478, stun:b:3478,"})
	require.NoError(t, err)
	require.Len(t, cfg.Relay.ICEServers, 2)
	assert.Equal(t, []string{"stun:b:3478"}, cfg.Relay.ICEServers[1].URLs)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown mode", []string{"-mode", "host"}},
		{"zero timeout", []string{"-timeout", "0s"}},
		{"bad server", []string{"-server", "ftp://x"}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("duocall", tt.args)
			assert.Error(t, err)
		})
	}
}

func TestServerURLs(t *testing.T) {
	tests := []struct {
		raw, ws, config string
	}{
		{"relay.example.com", "wss://relay.example.com/ws", "https://relay.example.com/api/calls/webrtc-config"},
		{"ws://127.0.0.1:8080/ignored", "ws://127.0.0.1:8080/ws", "http://127.0.0.1:8080/api/calls/webrtc-config"},
		{"https://relay.example.com", "wss://relay.example.com/ws", "https://relay.example.com/api/calls/webrtc-config"},
		{" http://localhost:9000 ", "ws://localhost:9000/ws", "http://localhost:9000/api/calls/webrtc-config"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			c := Call{Server: tt.raw}
			ws, err := c.SignalingURL()
			require.NoError(t, err)
			assert.Equal(t, tt.ws, ws)

			cu, err := c.ConfigURL()
			require.NoError(t, err)
			assert.Equal(t, tt.config, cu)
		})
	}
}

func TestNormalizeServerRejects(t *testing.T) {
	for _, raw := range []string{"", "wss://", "ftp://relay.example.com"} {
		_, err := NormalizeServer(raw)
		assert.Error(t, err, raw)
	}
}
