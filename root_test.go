package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/internal/config"
	"github.com/tonimelisma/fieldsync/internal/store"
	isync "github.com/tonimelisma/fieldsync/internal/sync"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests that
// execute commands must therefore not run in parallel with each other.

func TestLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		flags      CLIFlags
		want       slog.Level
	}{
		{"default", "", CLIFlags{}, slog.LevelInfo},
		{"config debug", "debug", CLIFlags{}, slog.LevelDebug},
		{"config warn", "warn", CLIFlags{}, slog.LevelWarn},
		{"verbose overrides config", "error", CLIFlags{Verbose: true}, slog.LevelDebug},
		{"quiet overrides config", "debug", CLIFlags{Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, logLevel(tt.configured, tt.flags))
		})
	}
}

func TestBuildLogger_AutoFormatIsJSONWhenNotATerminal(t *testing.T) {
	t.Parallel()

	stderr, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	require.NoError(t, err)

	defer stderr.Close()

	level := &slog.LevelVar{}
	logger, closer, err := buildLogger(&config.LoggingConfig{LogFormat: "auto"}, level, stderr)
	require.NoError(t, err)
	assert.Nil(t, closer)

	logger.Info("hello", slog.String("k", "v"))

	data, err := os.ReadFile(stderr.Name())
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "v", rec["k"])
}

func TestBuildLogger_LevelVarAppliesLive(t *testing.T) {
	t.Parallel()

	stderr, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	require.NoError(t, err)

	defer stderr.Close()

	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)

	logger, _, err := buildLogger(&config.LoggingConfig{LogFormat: "text"}, level, stderr)
	require.NoError(t, err)

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	level.Set(slog.LevelDebug)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_RotatingFile(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "logs", "fieldsync.log")
	level := &slog.LevelVar{}

	logger, closer, err := buildLogger(&config.LoggingConfig{
		LogFile:          logPath,
		LogFormat:        "text",
		LogRetentionDays: 7,
	}, level, os.Stderr)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

// cliEnv runs root commands against a private data directory.
type cliEnv struct {
	t    *testing.T
	dir  string
	base []string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	dir := t.TempDir()

	return &cliEnv{
		t:   t,
		dir: dir,
		base: []string{
			"--config", filepath.Join(dir, "missing.toml"),
			"--data-dir", dir,
			"--remote-url", "https://api.example.com",
			"--quiet",
		},
	}
}

func (c *cliEnv) run(args ...string) (string, error) {
	c.t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetArgs(append(append([]string(nil), c.base...), args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func (c *cliEnv) mustRun(args ...string) string {
	c.t.Helper()

	out, err := c.run(args...)
	require.NoError(c.t, err, "fieldsync %s", strings.Join(args, " "))

	return out
}

func (c *cliEnv) listOps(args ...string) []store.Operation {
	c.t.Helper()

	var ops []store.Operation
	require.NoError(c.t, json.Unmarshal([]byte(c.mustRun(append([]string{"ops", "list", "--json"}, args...)...)), &ops))

	return ops
}

func TestCLI_EnqueueListDismiss(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("enqueue", "task", "42", "--kind", "update", "--payload", `{"done":true}`, "--json")

	var created map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	ops := env.listOps()
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
	assert.Equal(t, store.KindUpdate, ops[0].Kind)
	assert.Equal(t, "42", ops[0].EntityID)
	assert.Equal(t, store.StatusPending, ops[0].Status)

	var status statusOutput
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("status", "--json")), &status))
	assert.Equal(t, 1, status.Pending)
	assert.Nil(t, status.Daemon)
	assert.NotEmpty(t, status.Oldest)

	env.mustRun("ops", "dismiss", id)
	assert.Empty(t, env.listOps())

	_, err := env.run("ops", "dismiss", id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCLI_EnqueueCreateGetsIdempotencyKey(t *testing.T) {
	env := newCLIEnv(t)

	env.mustRun("enqueue", "time_entry", "--payload", `{"hours":8}`)

	ops := env.listOps()
	require.Len(t, ops, 1)
	assert.Equal(t, store.KindCreate, ops[0].Kind)
	require.NotEmpty(t, ops[0].IdempotencyKey)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ops[0].Payload, &payload))
	assert.Equal(t, ops[0].IdempotencyKey, payload["idempotency_key"])
}

func TestCLI_EnqueueUpload(t *testing.T) {
	env := newCLIEnv(t)

	photo := filepath.Join(t.TempDir(), "wall.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg-bytes"), 0o600))

	env.mustRun("enqueue", "photo", "site-9", "--file", photo, "--meta", "caption=north wall")

	ops := env.listOps()
	require.Len(t, ops, 1)
	assert.Equal(t, store.KindUpload, ops[0].Kind)

	var payload store.UploadPayload
	require.NoError(t, json.Unmarshal(ops[0].Payload, &payload))
	assert.Equal(t, int64(len("jpeg-bytes")), payload.Size)
	assert.Equal(t, "wall.jpg", payload.FileName)
	assert.Equal(t, "image/jpeg", payload.ContentType)
	assert.Equal(t, "north wall", payload.Metadata["caption"])
	assert.FileExists(t, filepath.Join(env.dir, "blobs", payload.BlobRef[:2], payload.BlobRef))
}

func TestCLI_EnqueueRejectsBadInput(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("enqueue", "task", "--kind", "update")
	require.ErrorIs(t, err, isync.ErrInvalidRequest)

	_, err = env.run("enqueue", "task", "--payload", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	_, err = env.run("enqueue", "task", "--kind", "rename")
	require.Error(t, err)

	_, err = env.run("enqueue", "photo", "--kind", "upload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file")

	assert.Empty(t, env.listOps())
}

func TestCLI_OpsRetryRequiresTarget(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("ops", "retry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--all")

	env.mustRun("ops", "retry", "--all")
}

func TestCLI_LogsEmpty(t *testing.T) {
	env := newCLIEnv(t)

	assert.JSONEq(t, `[]`, env.mustRun("logs", "list", "--json"))

	out := env.mustRun("logs", "export")
	assert.Contains(t, out, "fieldsync")

	env.mustRun("logs", "clear")
}

func TestCLI_ConfigShowRedactsSecrets(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("config", "show")
	assert.Contains(t, out, env.dir)
	assert.Contains(t, out, "https://api.example.com")

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("config", "show", "--json")), &cfg))
	assert.Equal(t, env.dir, cfg.Store.DataDir)
}

func TestCLI_ConfigInitAndPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync", "config.toml")

	cmd := newRootCmd()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "config", "path"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, path, strings.TrimSpace(out.String()))

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--config", path, "-q", "config", "init"})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--config", path, "-q", "config", "init"})
	require.ErrorIs(t, cmd.Execute(), config.ErrConfigExists)
}

func TestCLI_SyncRefusesWhileDaemonHoldsLock(t *testing.T) {
	env := newCLIEnv(t)

	cleanup, err := writePIDFile(filepath.Join(env.dir, "fieldsync.pid"))
	require.NoError(t, err)

	defer cleanup()

	_, err = env.run("sync")
	require.ErrorIs(t, err, errDaemonRunning)
}
