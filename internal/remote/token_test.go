package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/tokenfile"
)

func TestTokenSourceFromFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := TokenSourceFromFile(context.Background(), filepath.Join(t.TempDir(), "none.json"), nil, testLogger(t))
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestTokenSourceFromFile_StaticToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(path, &tokenfile.File{
		Token: &oauth2.Token{AccessToken: "fixed", Expiry: time.Now().Add(time.Hour)},
	}))

	src, err := TokenSourceFromFile(context.Background(), path, nil, testLogger(t))
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fixed", tok)
}

func TestTokenSourceFromFile_RefreshPersists(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("fresh-%d", n),
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(path, &tokenfile.File{
		Token: &oauth2.Token{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			Expiry:       time.Now().Add(-time.Hour),
		},
		TokenURL: srv.URL,
		ClientID: "tablet",
	}))

	src, err := TokenSourceFromFile(context.Background(), path, srv.Client(), testLogger(t))
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", tok)

	// Second call uses the cached, unexpired token.
	tok, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", tok)
	assert.Equal(t, int32(1), calls.Load())

	saved, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", saved.Token.AccessToken)
	assert.Equal(t, "refresh-2", saved.Token.RefreshToken)
	assert.Equal(t, srv.URL, saved.TokenURL)
}

func TestTokenSourceFromFile_RefreshRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(path, &tokenfile.File{
		Token:    &oauth2.Token{AccessToken: "stale", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)},
		TokenURL: srv.URL,
	}))

	src, err := TokenSourceFromFile(context.Background(), path, srv.Client(), testLogger(t))
	require.NoError(t, err)

	_, err = src.Token()
	require.Error(t, err)

	ce := classifyTokenError(err)

	var classified *retry.ClassifiedError
	require.ErrorAs(t, ce, &classified)
	assert.Equal(t, retry.ClassAuthRejected, classified.Class)
}
