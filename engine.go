package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tonimelisma/fieldsync/internal/blobstore"
	"github.com/tonimelisma/fieldsync/internal/config"
	"github.com/tonimelisma/fieldsync/internal/diaglog"
	"github.com/tonimelisma/fieldsync/internal/events"
	"github.com/tonimelisma/fieldsync/internal/netmon"
	"github.com/tonimelisma/fieldsync/internal/remote"
	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
	isync "github.com/tonimelisma/fieldsync/internal/sync"
	"github.com/tonimelisma/fieldsync/internal/upload"
)

// engine bundles the components one command needs. Local commands (enqueue,
// status, ops, logs) open it without a backend so they work offline;
// draining commands attach one with withBackend.
type engine struct {
	store     *store.Store
	blobs     *blobstore.Store
	diag      *diaglog.Log
	monitor   *netmon.Monitor
	bus       *events.Bus
	processor *isync.Processor

	closers []func() error
	logger  *slog.Logger
}

// engineOptions selects what openEngine wires beyond the local store.
type engineOptions struct {
	withBackend bool
	withEvents  bool
}

// openEngine opens the queue under cfg.Store.DataDir and assembles the
// processor. The caller must Close it.
func openEngine(ctx context.Context, cfg *config.Config, opts engineOptions, logger *slog.Logger) (*engine, error) {
	st, err := store.Open(ctx, cfg.Store.DBPath(), store.Options{MaxPending: cfg.Store.MaxPending}, logger)
	if err != nil {
		return nil, err
	}

	e := &engine{store: st, logger: logger}
	e.closers = append(e.closers, st.Close)

	e.blobs, err = blobstore.New(cfg.Store.BlobDir(), logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.diag = diaglog.New(diaglog.Config{
		Store:         st,
		Capacity:      cfg.Diagnostics.Capacity,
		MaxAge:        cfg.Diagnostics.MaxAgeDuration(),
		ClientContext: clientContext(cfg),
		Logger:        logger,
	})

	e.monitor = newMonitor(cfg, logger)

	if opts.withEvents {
		e.bus = events.NewBus(cfg.Server.FrameDuration())
		e.closers = append(e.closers, func() error { e.bus.Close(); return nil })
	}

	policy := retryPolicy(&cfg.Retry)

	pcfg := &isync.Config{
		Store:             st,
		Blobs:             e.blobs,
		Monitor:           e.monitor,
		Diagnostics:       e.diag,
		Events:            e.bus,
		Policy:            policy,
		LaneConcurrency:   cfg.Sync.LaneConcurrency,
		InlineUploadLimit: cfg.Upload.InlineBytes(),
		ChunkSize:         cfg.Upload.ChunkBytes(),
		Interval:          cfg.Sync.IntervalDuration(),
		FailedRetention:   cfg.Store.FailedRetentionDuration(),
		SessionMaxAge:     cfg.Upload.SessionMaxAgeDuration(),
		BreakerThreshold:  cfg.Sync.BreakerThreshold,
		BreakerCooldown:   cfg.Sync.BreakerCooldownDuration(),
		Logger:            logger,
	}

	if opts.withBackend {
		backend, closeBackend, err := openBackend(ctx, cfg, logger)
		if err != nil {
			e.Close()
			return nil, err
		}

		e.closers = append(e.closers, closeBackend)

		pcfg.Executor = backend
		pcfg.Uploads = upload.NewManager(upload.Config{
			Uploader:       backend,
			Sessions:       st,
			Blobs:          e.blobs,
			Diagnostics:    e.diag,
			Policy:         policy,
			ParallelChunks: cfg.Upload.ParallelChunks,
			Logger:         logger,
		})
	}

	e.processor = isync.NewProcessor(pcfg)
	e.closers = append(e.closers, func() error { e.processor.Stop(); return nil })

	return e, nil
}

// Close releases everything in reverse order of acquisition.
func (e *engine) Close() error {
	var errs []error

	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func clientContext(cfg *config.Config) string {
	if cfg.Diagnostics.ClientContext != "" {
		return cfg.Diagnostics.ClientContext
	}

	return diaglog.ClientContext(version)
}

func retryPolicy(cfg *config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	base, maxDelay := cfg.Delays()

	if base > 0 {
		p.BaseDelay = base
	}

	if maxDelay > 0 {
		p.MaxDelay = maxDelay
	}

	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}

	p.JitterFraction = cfg.Jitter

	return p
}

func newMonitor(cfg *config.Config, logger *slog.Logger) *netmon.Monitor {
	stable, interval, maxInterval, timeout := cfg.Network.Durations()

	mcfg := netmon.Config{
		StableWindow:     stable,
		ProbeInterval:    interval,
		MaxProbeInterval: maxInterval,
		ProbeTimeout:     timeout,
		Logger:           logger,
	}

	if cfg.Network.ProbeURL != "" {
		mcfg.Prober = &netmon.HTTPProber{URL: cfg.Network.ProbeURL, Client: &http.Client{Timeout: timeout}}
	}

	return netmon.New(mcfg)
}

// openBackend builds the configured transport. Broker-style transports
// connect lazily on first use so the daemon starts while offline.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Backend, func() error, error) {
	connect, request := cfg.Remote.Timeouts()

	switch cfg.Remote.Transport {
	case config.TransportPostgres:
		lazy := remote.NewLazy(func(ctx context.Context) (remote.Backend, func() error, error) {
			ctx, cancel := context.WithTimeout(ctx, connect)
			defer cancel()

			outbox, err := remote.NewPostgresOutbox(ctx, cfg.Remote.PostgresDSN, logger)
			if err != nil {
				return nil, nil, err
			}

			return outbox, func() error { outbox.Close(); return nil }, nil
		})

		return lazy, lazy.Close, nil

	case config.TransportAMQP:
		lazy := remote.NewLazy(func(context.Context) (remote.Backend, func() error, error) {
			pub, err := remote.NewAMQPPublisher(cfg.Remote.AMQPURL, cfg.Remote.AMQPExchange, logger)
			if err != nil {
				return nil, nil, err
			}

			return pub, pub.Close, nil
		})

		return lazy, lazy.Close, nil

	default:
		httpClient := newHTTPClient(connect, request)

		var token remote.TokenSource

		tokenPath := cfg.Remote.TokenPath(cfg.Store.DataDir)

		src, err := remote.TokenSourceFromFile(context.WithoutCancel(ctx), tokenPath, httpClient, logger)
		switch {
		case err == nil:
			token = src
		case errors.Is(err, remote.ErrNoCredentials):
			logger.Warn("no token file, requests will be unauthenticated", slog.String("path", tokenPath))
		default:
			return nil, nil, fmt.Errorf("loading credentials: %w", err)
		}

		userAgent := cfg.Remote.UserAgent
		if userAgent == "" {
			userAgent = "fieldsync/" + version
		}

		client := remote.NewHTTPClient(cfg.Remote.BaseURL, httpClient, token, userAgent, logger)

		return client, func() error { httpClient.CloseIdleConnections(); return nil }, nil
	}
}

// newHTTPClient returns a client with a dial timeout and an overall
// per-request timeout.
func newHTTPClient(connect, request time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib default
	transport.DialContext = (&net.Dialer{Timeout: connect}).DialContext

	return &http.Client{Transport: transport, Timeout: request}
}
