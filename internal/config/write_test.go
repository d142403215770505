package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefault_LoadsAsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, WriteDefault(path, testLogger(t)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".config-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestWriteDefault_RefusesOverwrite(t *testing.T) {
	path := writeTestConfig(t, "[sync]\ninterval = \"1m\"\n")

	err := WriteDefault(path, testLogger(t))
	require.ErrorIs(t, err, ErrConfigExists)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `interval = "1m"`)
}
