package config

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigDir_NonEmpty(t *testing.T) {
	dir := DefaultConfigDir()
	assert.NotEmpty(t, dir)
	assert.Contains(t, dir, appName)
}

func TestDefaultDataDir_NonEmpty(t *testing.T) {
	dir := DefaultDataDir()
	assert.NotEmpty(t, dir)
	assert.Contains(t, dir, appName)
}

func TestDefaultConfigPath_EndsWithConfigToml(t *testing.T) {
	path := DefaultConfigPath()
	assert.True(t, strings.HasSuffix(path, configFileName))
}

func TestDefaultConfigDir_XDG(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("Linux-only test")
	}

	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, filepath.Join("/custom/config", appName), DefaultConfigDir())

	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, filepath.Join("/custom/data", appName), DefaultDataDir())
}

func TestStorePaths(t *testing.T) {
	s := StoreConfig{DataDir: "/data"}

	assert.Equal(t, filepath.Join("/data", "queue.db"), s.DBPath())
	assert.Equal(t, filepath.Join("/data", "blobs"), s.BlobDir())
	assert.Equal(t, filepath.Join("/data", "fieldsync.pid"), s.PIDPath())
}

func TestTokenPath(t *testing.T) {
	r := RemoteConfig{}
	assert.Equal(t, filepath.Join("/data", "token.json"), r.TokenPath("/data"))

	r.TokenFile = "/etc/fieldsync/token.json"
	assert.Equal(t, "/etc/fieldsync/token.json", r.TokenPath("/data"))
}
