package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "irc.local", cfg.Server.Name)
	assert.Equal(t, 6667, cfg.Server.Port)
	assert.Equal(t, 512, cfg.Listener.BufferSize)
	assert.Equal(t, 20*time.Second, cfg.Registration.Timeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Keepalive.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Keepalive.Timeout.Std())
	assert.Equal(t, "#", cfg.Channels.Sigil)
	assert.Equal(t, "0.0.0.0:6667", cfg.ListenAddress())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "ircd.yaml", `
server:
  name: irc.example.net
  port: 7000
listener:
  proxy_protocol: true
  lookup_timeout: 2s
registration:
  timeout: 10s
  capabilities:
    someKey: someValue
keepalive:
  interval: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "irc.example.net", cfg.Server.Name)
	assert.Equal(t, "IRCd", cfg.Server.Network)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.Listener.ProxyProtocol)
	assert.Equal(t, 2*time.Second, cfg.Listener.LookupTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Registration.Timeout.Std())
	assert.Equal(t, map[string]string{"someKey": "someValue"}, cfg.Registration.Capabilities)
	assert.Equal(t, time.Minute, cfg.Keepalive.Interval.Std())
	assert.Equal(t, path, cfg.Source)
}

func TestLoadTOMLAndJSON(t *testing.T) {
	toml := writeFile(t, "ircd.toml", `
[server]
name = "toml.example"

[keepalive]
timeout = "45s"
`)
	cfg, err := Load(toml)
	require.NoError(t, err)
	assert.Equal(t, "toml.example", cfg.Server.Name)
	assert.Equal(t, 45*time.Second, cfg.Keepalive.Timeout.Std())

	json := writeFile(t, "ircd.json", `{"server": {"name": "json.example"}, "channels": {"sigil": "&"}}`)
	cfg, err = Load(json)
	require.NoError(t, err)
	assert.Equal(t, "json.example", cfg.Server.Name)
	assert.Equal(t, "&", cfg.Channels.Sigil)
}

func TestLoadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ircd.yaml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("server:\n  name: remote.example\n"))
	}))
	defer srv.Close()

	cfg, err := Load(srv.URL + "/ircd.yaml")
	require.NoError(t, err)
	assert.Equal(t, "remote.example", cfg.Server.Name)

	_, err = Load(srv.URL + "/missing.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IRCD_SERVER_NAME", "env.example")
	t.Setenv("IRCD_PORT", "6697")
	t.Setenv("IRCD_PROXY_PROTOCOL", "yes")
	t.Setenv("IRCD_PING_INTERVAL", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.example", cfg.Server.Name)
	assert.Equal(t, 6697, cfg.Server.Port)
	assert.True(t, cfg.Listener.ProxyProtocol)
	assert.Equal(t, 90*time.Second, cfg.Keepalive.Interval.Std())
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("IRCD_PORT", "sixty")
	_, err := Load("")
	assert.ErrorContains(t, err, "IRCD_PORT")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"bad sigil", "channels:\n  sigil: '##'\n"},
		{"tiny buffer", "listener:\n  buffer_size: 4\n"},
		{"audit without dsn", "audit:\n  enabled: true\n"},
		{"bad driver", "audit:\n  driver: oracle\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad duration", "keepalive:\n  interval: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "ircd.yaml", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestReload(t *testing.T) {
	path := writeFile(t, "ircd.yaml", "server:\n  name: before.example\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: after.example\n"), 0o644))
	require.NoError(t, cfg.Reload(""))
	assert.Equal(t, "after.example", cfg.Server.Name)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644))
	assert.Error(t, cfg.Reload(""))
	assert.Equal(t, "after.example", cfg.Server.Name)
}

func TestLoadEnvFiles(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(child, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("IRCD_TEST_OUTER=root\nIRCD_TEST_SHARED=root\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(child, ".env"), []byte("IRCD_TEST_SHARED=child\n"), 0o644))

	for _, k := range []string{"IRCD_TEST_OUTER", "IRCD_TEST_SHARED"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	files, err := LoadEnvFiles(child, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, "root", os.Getenv("IRCD_TEST_OUTER"))
	assert.Equal(t, "child", os.Getenv("IRCD_TEST_SHARED"))
}
