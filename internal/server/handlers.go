package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/fieldsync/internal/store"
	isync "github.com/tonimelisma/fieldsync/internal/sync"
)

type errorResponse struct {
	Error string `json:"error"`
}

type enqueueBody struct {
	EntityKind     string          `json:"entity_kind"`
	EntityID       string          `json:"entity_id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	HighPriority   bool            `json:"high_priority"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Online   bool                 `json:"online"`
	Pending  int                  `json:"pending"`
	Counts   map[store.Status]int `json:"counts"`
	LastSync *isync.Summary       `json:"last_sync,omitempty"`
	Version  string               `json:"version,omitempty"`
}

type networkBody struct {
	Online *bool `json:"online"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.StatusCounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	pending, err := s.engine.PendingCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Online:   s.network.IsOnline(),
		Pending:  pending,
		Counts:   counts,
		LastSync: s.engine.LastSummary(),
		Version:  s.version,
	})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	var statuses []store.Status

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := parseStatus(part)
			if err != nil {
				s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}

			statuses = append(statuses, st)
		}
	}

	ops, err := s.engine.Operations(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if ops == nil {
		ops = []store.Operation{}
	}

	s.writeJSON(w, http.StatusOK, ops)
}

func parseStatus(s string) (store.Status, error) {
	switch st := store.Status(strings.TrimSpace(s)); st {
	case store.StatusPending, store.StatusInFlight, store.StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// handleEnqueue accepts a JSON mutation, or a multipart form with a "file"
// part for uploads.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var (
		req isync.EnqueueRequest
		err error
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = s.parseUpload(r)
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp file cleanup
		}
	} else {
		req, err = parseMutation(w, r)
	}

	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id, err := s.engine.EnqueueOperation(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/operations/"+id)
	s.writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id})
}

func parseMutation(w http.ResponseWriter, r *http.Request) (isync.EnqueueRequest, error) {
	var body enqueueBody

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&body); err != nil {
		return isync.EnqueueRequest{}, fmt.Errorf("decoding body: %w", err)
	}

	if store.Kind(body.Kind) == store.KindUpload {
		return isync.EnqueueRequest{}, errors.New("uploads must be sent as multipart/form-data")
	}

	return isync.EnqueueRequest{
		EntityKind:     body.EntityKind,
		EntityID:       body.EntityID,
		Kind:           store.Kind(body.Kind),
		Payload:        body.Payload,
		HighPriority:   body.HighPriority,
		IdempotencyKey: body.IdempotencyKey,
	}, nil
}

// parseUpload reads entity_kind, entity_id, high_priority and
// idempotency_key form fields; any other "meta.*" field becomes upload
// metadata.
func (s *Server) parseUpload(r *http.Request) (isync.EnqueueRequest, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return isync.EnqueueRequest{}, fmt.Errorf("parsing form: %w", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return isync.EnqueueRequest{}, fmt.Errorf("reading file part: %w", err)
	}

	highPriority, _ := strconv.ParseBool(r.FormValue("high_priority")) //nolint:errcheck // absent means false

	meta := make(map[string]string)

	for key, values := range r.MultipartForm.Value {
		if name, ok := strings.CutPrefix(key, "meta."); ok && len(values) > 0 {
			meta[name] = values[0]
		}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return isync.EnqueueRequest{
		EntityKind:     r.FormValue("entity_kind"),
		EntityID:       r.FormValue("entity_id"),
		Kind:           store.KindUpload,
		HighPriority:   highPriority,
		IdempotencyKey: r.FormValue("idempotency_key"),
		Content:        file,
		ContentType:    contentType,
		FileName:       header.Filename,
		Metadata:       meta,
	}, nil
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RetryAllFailed(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Dismiss(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleCancelUpload abandons a running upload; the operation stays queued.
func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelUpload(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.TriggerSync(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.diag.Entries(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if entries == nil {
		entries = []store.LogEntry{}
	}

	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	text, err := s.diag.ExportAsText(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="fieldsync-diagnostics.txt"`)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.Debug("writing log export", slog.String("error", err.Error()))
	}
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.diag.Clear(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSetNetwork lets the host app push its own connectivity signal, for
// example from an OS reachability callback.
func (s *Server) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var body networkBody

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&body); err != nil || body.Online == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"online": true|false}`})
		return
	}

	s.network.SetLocalOnline(*body.Online)
	s.writeJSON(w, http.StatusOK, map[string]bool{"online": s.network.IsOnline()})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, isync.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, isync.ErrInFlight), errors.Is(err, isync.ErrNoTransfer):
		return http.StatusConflict
	case errors.Is(err, isync.ErrOffline), errors.Is(err, isync.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrStorageQuotaExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)

	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("encoding response", slog.String("error", err.Error()))
	}
}
