package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()

	tf, err := Load("/nonexistent/path/token.json")
	assert.Nil(t, tf)
	assert.NoError(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	expiry := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, Save(path, &File{
		Token: &oauth2.Token{
			AccessToken:  "access-123",
			RefreshToken: "refresh-456",
			TokenType:    "Bearer",
			Expiry:       expiry,
		},
		TokenURL: "https://auth.example.com/oauth/token",
		ClientID: "field-tablet",
		Scopes:   []string{"sync"},
	}))

	tf, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, tf)
	assert.Equal(t, "access-123", tf.Token.AccessToken)
	assert.Equal(t, "refresh-456", tf.Token.RefreshToken)
	assert.True(t, tf.Token.Expiry.Equal(expiry))
	assert.Equal(t, "https://auth.example.com/oauth/token", tf.TokenURL)
	assert.Equal(t, "field-tablet", tf.ClientID)
	assert.Equal(t, []string{"sync"}, tf.Scopes)
}

func TestLoad_MissingTokenField(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"bare"}`), 0o600))

	tf, err := Load(path)
	assert.Nil(t, tf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestLoad_InvalidJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestSave_CreatesDirectoryWithPermissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "token.json")

	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".token-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp file left behind")
}
