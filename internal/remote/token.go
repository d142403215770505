package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/tokenfile"
)

// ErrNoCredentials is returned when no token file exists at the configured
// path.
var ErrNoCredentials = errors.New("remote: no credentials (token file missing)")

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token() (string, error) {
	return string(s), nil
}

// FileTokenSource serves tokens from a token file. When the file names a
// refresh endpoint, expired tokens are refreshed through oauth2 and the
// refreshed token is written back atomically.
type FileTokenSource struct {
	path   string
	file   tokenfile.File
	src    oauth2.TokenSource
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

// TokenSourceFromFile loads the token file at path. ctx must outlive the
// returned source; it is used for refresh requests.
func TokenSourceFromFile(ctx context.Context, path string, httpClient *http.Client, logger *slog.Logger) (*FileTokenSource, error) {
	tf, err := tokenfile.Load(path)
	if err != nil {
		return nil, err
	}

	if tf == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, path)
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	var src oauth2.TokenSource

	if tf.TokenURL != "" && tf.Token.RefreshToken != "" {
		cfg := &oauth2.Config{
			ClientID: tf.ClientID,
			Scopes:   tf.Scopes,
			Endpoint: oauth2.Endpoint{TokenURL: tf.TokenURL},
		}
		src = cfg.TokenSource(ctx, tf.Token)
	} else {
		src = oauth2.StaticTokenSource(tf.Token)
	}

	logger.Info("loaded credentials",
		slog.String("path", path),
		slog.Time("expiry", tf.Token.Expiry),
		slog.Bool("refreshable", tf.TokenURL != ""),
	)

	return &FileTokenSource{
		path:   path,
		file:   *tf,
		src:    src,
		logger: logger,
		last:   tf.Token.AccessToken,
	}, nil
}

// Token implements TokenSource. A token that changed since the last call
// was refreshed and is persisted before it is returned.
func (s *FileTokenSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("remote: obtaining token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		s.file.Token = tok

		if saveErr := tokenfile.Save(s.path, &s.file); saveErr != nil {
			s.logger.Warn("failed to persist refreshed token",
				slog.String("path", s.path),
				slog.String("error", saveErr.Error()),
			)
		} else {
			s.logger.Info("persisted refreshed token",
				slog.String("path", s.path),
				slog.Time("expiry", tok.Expiry),
			)
		}
	}

	return tok.AccessToken, nil
}

// classifyTokenError maps a token acquisition failure. A refresh rejected by
// the authorization server cannot succeed on retry; transport failures can.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := http.StatusUnauthorized
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			code = re.Response.StatusCode
		}

		return &retry.ClassifiedError{
			Class:      retry.ClassForStatus(code),
			StatusCode: code,
			Message:    "token refresh rejected",
			Err:        err,
		}
	}

	if errors.Is(err, ErrNoCredentials) {
		return &retry.ClassifiedError{Class: retry.ClassAuthRejected, Message: "no credentials", Err: err}
	}

	return retry.Classify(err)
}
