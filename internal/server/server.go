// Package server exposes the sync engine over a local HTTP API: queue
// inspection and control, diagnostics, a websocket event stream, and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/fieldsync/internal/events"
	"github.com/tonimelisma/fieldsync/internal/store"
	isync "github.com/tonimelisma/fieldsync/internal/sync"
)

// Server timeouts. WriteTimeout is left at zero so the event stream and long
// drain passes are not cut off; handlers bound their own work.
const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 10 * time.Second

	// maxJSONBody bounds JSON request bodies.
	maxJSONBody = 1 << 20
	// maxUploadMemory is how much of a multipart upload is held in memory
	// before spilling to a temp file.
	maxUploadMemory = 8 << 20
)

// Engine is the queue API. *sync.Processor satisfies it.
type Engine interface {
	EnqueueOperation(ctx context.Context, req isync.EnqueueRequest) (string, error)
	Operations(ctx context.Context, statuses ...store.Status) ([]store.Operation, error)
	StatusCounts(ctx context.Context) (map[store.Status]int, error)
	PendingCount(ctx context.Context) (int, error)
	Retry(ctx context.Context, id string) error
	RetryAllFailed(ctx context.Context) (int, error)
	Dismiss(ctx context.Context, id string) error
	CancelUpload(ctx context.Context, id string) error
	TriggerSync(ctx context.Context) (*isync.Summary, error)
	LastSummary() *isync.Summary
}

// Diagnostics is the failure log. *diaglog.Log satisfies it.
type Diagnostics interface {
	Entries(ctx context.Context) ([]store.LogEntry, error)
	Clear(ctx context.Context) error
	ExportAsText(ctx context.Context) (string, error)
}

// Network is the connectivity monitor. *netmon.Monitor satisfies it.
type Network interface {
	IsOnline() bool
	SetLocalOnline(up bool)
}

// Config holds the dependencies of a Server.
type Config struct {
	Engine      Engine
	Diagnostics Diagnostics
	Network     Network
	Events      *events.Bus
	Version     string
	Logger      *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	engine  Engine
	diag    Diagnostics
	network Network
	bus     *events.Bus
	version string
	logger  *slog.Logger
	router  chi.Router
}

// New creates a Server and builds its routes.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:  cfg.Engine,
		diag:    cfg.Diagnostics,
		network: cfg.Network,
		bus:     cfg.Events,
		version: cfg.Version,
		logger:  logger,
	}

	s.router = s.routes()

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", s.handleListOperations)
			r.Post("/", s.handleEnqueue)
			r.Post("/retry", s.handleRetryAll)
			r.Post("/{id}/retry", s.handleRetry)
			r.Post("/{id}/cancel", s.handleCancelUpload)
			r.Delete("/{id}", s.handleDismiss)
		})

		r.Post("/sync", s.handleSync)

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.handleListLogs)
			r.Get("/export", s.handleExportLogs)
			r.Delete("/", s.handleClearLogs)
		})

		r.Post("/network", s.handleSetNetwork)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http api listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}

	s.logger.Info("http api stopped")

	return nil
}

// logRequests logs each request at debug level once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
