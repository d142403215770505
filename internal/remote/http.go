package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4096

// Headers used by the upload endpoints.
const (
	headerChecksum = "X-Content-SHA256"
	headerFileName = "X-File-Name"
	headerEntity   = "X-Entity"
	headerMetadata = "X-Upload-Metadata"
)

// TokenSource provides bearer tokens. A nil TokenSource sends no
// Authorization header.
type TokenSource interface {
	Token() (string, error)
}

// HTTPClient is the REST transport. Mutations map to
//
//	create  POST   {base}/v1/{entity_kind}
//	update  PATCH  {base}/v1/{entity_kind}/{entity_id}
//	delete  DELETE {base}/v1/{entity_kind}/{entity_id}
//	upload  POST   {base}/v1/uploads (single request)
//
// and chunked uploads to {base}/v1/uploads/sessions.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	userAgent  string
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// NewHTTPClient creates a REST transport. baseURL has no trailing slash.
func NewHTTPClient(baseURL string, httpClient *http.Client, token TokenSource, userAgent string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		userAgent:  userAgent,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Execute implements Executor.
func (c *HTTPClient) Execute(ctx context.Context, req Request) (Reference, error) {
	var (
		method, path string
		body         io.Reader
		contentType  = "application/json"
		headers      = http.Header{}
	)

	kind := url.PathEscape(req.EntityKind)
	id := url.PathEscape(req.EntityID)

	switch req.Kind {
	case store.KindCreate:
		method, path, body = http.MethodPost, "/v1/"+kind, bytes.NewReader(req.Payload)
	case store.KindUpdate:
		method, path, body = http.MethodPatch, "/v1/"+kind+"/"+id, bytes.NewReader(req.Payload)
	case store.KindDelete:
		method, path = http.MethodDelete, "/v1/"+kind+"/"+id
	case store.KindUpload:
		method, path, body = http.MethodPost, "/v1/uploads", bytes.NewReader(req.Content)
		contentType = req.ContentType

		headers.Set(headerChecksum, checksum(req.Content))
		headers.Set(headerFileName, req.FileName)
		headers.Set(headerEntity, req.EntityKind+"/"+req.EntityID)

		if len(req.Metadata) > 0 {
			meta, err := json.Marshal(req.Metadata)
			if err != nil {
				return Reference{}, fmt.Errorf("remote: encoding upload metadata: %w", err)
			}

			headers.Set(headerMetadata, string(meta))
		}
	default:
		return Reference{}, &retry.ClassifiedError{
			Class:   retry.ClassValidationRejected,
			Message: fmt.Sprintf("unsupported operation kind %q", req.Kind),
		}
	}

	if req.Kind != store.KindCreate && req.Kind != store.KindUpload && req.EntityID == "" {
		return Reference{}, &retry.ClassifiedError{
			Class:   retry.ClassValidationRejected,
			Message: fmt.Sprintf("%s %s requires an entity id", req.Kind, req.EntityKind),
		}
	}

	headers.Set(IdempotencyHeader, req.IdempotencyKey)

	resp, err := c.do(ctx, method, path, contentType, body, headers)
	if err != nil {
		// A delete whose target is already gone counts as applied.
		var ce *retry.ClassifiedError
		if req.Kind == store.KindDelete && errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
			c.logger.Debug("delete target already gone", slog.String("path", path))
			return Reference{ID: req.EntityID}, nil
		}

		return Reference{}, err
	}
	defer resp.Body.Close()

	ref, err := decodeReference(resp)
	if err != nil {
		return Reference{}, err
	}

	if ref.ID == "" {
		ref.ID = req.EntityID
	}

	return ref, nil
}

// BeginUpload implements ChunkUploader.
func (c *HTTPClient) BeginUpload(ctx context.Context, info UploadInfo) (string, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("remote: encoding upload session: %w", err)
	}

	headers := http.Header{}
	headers.Set(IdempotencyHeader, info.IdempotencyKey)

	resp, err := c.do(ctx, http.MethodPost, "/v1/uploads/sessions", "application/json", bytes.NewReader(body), headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		SessionID string `json:"session_id"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("remote: decoding upload session: %w", err)
	}

	if out.SessionID == "" {
		return "", fmt.Errorf("remote: upload session response missing session_id")
	}

	c.logger.Info("upload session created",
		slog.String("operation_id", info.OperationID),
		slog.String("session_id", out.SessionID),
		slog.Int("chunks", info.ChunkCount),
	)

	return out.SessionID, nil
}

// UploadChunk implements ChunkUploader.
func (c *HTTPClient) UploadChunk(ctx context.Context, sessionID string, chunk Chunk, total int64) error {
	path := fmt.Sprintf("/v1/uploads/sessions/%s/chunks/%d", url.PathEscape(sessionID), chunk.Index)

	headers := http.Header{}
	headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d",
		chunk.Offset, chunk.Offset+int64(len(chunk.Data))-1, total))
	headers.Set(headerChecksum, chunk.Checksum)

	resp, err := c.do(ctx, http.MethodPut, path, "application/octet-stream", bytes.NewReader(chunk.Data), headers)
	if err != nil {
		return err
	}

	drainAndClose(resp.Body)

	return nil
}

// FinalizeUpload implements ChunkUploader.
func (c *HTTPClient) FinalizeUpload(ctx context.Context, sessionID string, info UploadInfo) (Reference, error) {
	body, err := json.Marshal(struct {
		ChunkCount int    `json:"chunk_count"`
		TotalSize  int64  `json:"total_size"`
		Checksum   string `json:"sha256"`
	}{info.ChunkCount, info.TotalSize, info.Checksum})
	if err != nil {
		return Reference{}, fmt.Errorf("remote: encoding finalize: %w", err)
	}

	headers := http.Header{}
	headers.Set(IdempotencyHeader, info.IdempotencyKey)

	path := "/v1/uploads/sessions/" + url.PathEscape(sessionID) + "/finalize"

	resp, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), headers)
	if err != nil {
		return Reference{}, err
	}
	defer resp.Body.Close()

	return decodeReference(resp)
}

// do sends one request and converts every failure into a classified error.
// Context cancellation is returned unclassified so callers can tell it apart
// from a network failure.
func (c *HTTPClient) do(
	ctx context.Context, method, path, contentType string, body io.Reader, headers http.Header,
) (*http.Response, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	for k, v := range headers {
		req.Header[k] = v
	}

	if body != http.NoBody && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	if c.token != nil {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, fmt.Errorf("remote: %s %s: %w", method, path, classifyTokenError(tokErr))
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("remote: %s %s canceled: %w", method, path, ctx.Err())
		}

		return nil, fmt.Errorf("remote: %s %s: %w", method, path, retry.Network(err))
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best-effort message
	resp.Body.Close()

	ce := retry.FromStatus(resp.StatusCode, errorMessage(resp.StatusCode, errBody),
		retry.ParseRetryAfter(resp.Header.Get("Retry-After"), c.nowFunc()))

	c.logger.Debug("request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("class", string(ce.Class)),
	)

	return nil, fmt.Errorf("remote: %s %s: %w", method, path, ce)
}

func decodeReference(resp *http.Response) (Reference, error) {
	var ref Reference

	if resp.StatusCode == http.StatusNoContent || resp.ContentLength == 0 {
		drainAndClose(resp.Body)
		return ref, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil && !errors.Is(err, io.EOF) {
		return Reference{}, fmt.Errorf("remote: decoding response: %w", err)
	}

	return ref, nil
}

// errorMessage extracts {"message": "..."} or {"error": "..."} from an error
// body, falling back to the raw body or the status text.
func errorMessage(code int, body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}

		if parsed.Error != "" {
			return parsed.Error
		}
	}

	if len(bytes.TrimSpace(body)) > 0 {
		return string(bytes.TrimSpace(body))
	}

	return http.StatusText(code)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // drain for connection reuse
	body.Close()
}
