package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presbrey/ircd/audit"
	"github.com/presbrey/ircd/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-dir", t.TempDir()))
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ircd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: irc.example.net\nstatus:\n  enabled: true\n"), 0o644))

	out, err := execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok: "+path)
	assert.Contains(t, out, "irc.example.net (IRCd) on 0.0.0.0:6667")
	assert.Contains(t, out, "status:   127.0.0.1:8080")
}

func TestConfigCheckInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ircd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 99999\n"), 0o644))

	_, err := execute(t, "config", "check", "-c", path)
	assert.ErrorContains(t, err, "invalid config")
}

func TestSessions(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	db, err := audit.Open("sqlite", dsn)
	require.NoError(t, err)
	log, _ := newLogger(config.Default())
	rec := audit.NewRecorder(db, 4, log)
	rec.Started(1, "alice", "al", "192.0.2.1", "Alice", []string{"away-notify"}, time.Now())
	rec.Close()

	t.Setenv("IRCD_AUDIT_ENABLED", "true")
	t.Setenv("IRCD_AUDIT_DSN", dsn)
	out, err := execute(t, "sessions", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "alice!al@192.0.2.1")
	assert.Contains(t, out, "away-notify")
}

func TestSessionsDisabled(t *testing.T) {
	_, err := execute(t, "sessions")
	assert.ErrorContains(t, err, "audit trail is disabled")
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	log, err := newLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	cfg.Logging.Level = "loud"
	_, err = newLogger(cfg)
	assert.Error(t, err)
}
