// Package netmon tracks whether the backend is reachable. It combines a
// cheap local signal with an active reachability probe and debounces
// transitions to online, so a link that flaps every few hundred
// milliseconds does not start a sync storm. Transitions to offline are
// reported immediately.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for Config fields left zero.
const (
	DefaultStableWindow         = 2 * time.Second
	DefaultProbeInterval        = 15 * time.Second
	DefaultOfflineProbeInterval = time.Second
	DefaultMaxProbeInterval     = 60 * time.Second
	DefaultProbeTimeout         = 5 * time.Second
)

// Config configures a Monitor.
type Config struct {
	// Prober checks the backend. Nil trusts the local signal alone.
	Prober Prober
	// Local is the cheap local signal. Nil uses InterfaceSignal.
	Local LocalSignal

	StableWindow         time.Duration
	ProbeInterval        time.Duration
	OfflineProbeInterval time.Duration
	MaxProbeInterval     time.Duration
	ProbeTimeout         time.Duration

	Logger *slog.Logger
}

// Monitor reports backend reachability and notifies subscribers of
// transitions. Create one per process with New, then Start it.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	online         bool
	localOverride  *bool
	candidateSince time.Time
	nextID         int
	onOnline       map[int]func()
	onOffline      map[int]func()

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	nowFunc func() time.Time
}

// New creates a stopped Monitor that reports offline until the first
// successful, stable check.
func New(cfg Config) *Monitor {
	if cfg.Local == nil {
		cfg.Local = InterfaceSignal{}
	}

	if cfg.Prober == nil {
		cfg.Prober = probeFunc(func(context.Context) error { return nil })
	}

	if cfg.StableWindow <= 0 {
		cfg.StableWindow = DefaultStableWindow
	}

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	if cfg.OfflineProbeInterval <= 0 {
		cfg.OfflineProbeInterval = DefaultOfflineProbeInterval
	}

	if cfg.MaxProbeInterval <= 0 {
		cfg.MaxProbeInterval = DefaultMaxProbeInterval
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		onOnline:  make(map[int]func()),
		onOffline: make(map[int]func()),
		wake:      make(chan struct{}, 1),
		nowFunc:   time.Now,
	}
}

// IsOnline returns the current debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// OnOnline registers cb to run on every transition to online. Callbacks run
// on the monitor goroutine, one at a time, and must not block for long.
func (m *Monitor) OnOnline(cb func()) (unsubscribe func()) {
	return m.subscribe(m.onOnline, cb)
}

// OnOffline registers cb to run on every transition to offline.
func (m *Monitor) OnOffline(cb func()) (unsubscribe func()) {
	return m.subscribe(m.onOffline, cb)
}

func (m *Monitor) subscribe(set map[int]func(), cb func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	set[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(set, id)
		m.mu.Unlock()
	}
}

// SetLocalOnline feeds the host runtime's connectivity flag into the
// monitor, replacing the interface-based signal, and triggers a check.
func (m *Monitor) SetLocalOnline(up bool) {
	m.mu.Lock()
	m.localOverride = &up
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start launches the monitoring goroutine. Stop (or canceling ctx) ends it.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
}

// Stop ends the monitoring goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// Refresh checks connectivity immediately and applies the result without
// debouncing. Used when a user explicitly asks to sync.
func (m *Monitor) Refresh(ctx context.Context) bool {
	up := m.check(ctx)

	m.mu.Lock()
	m.candidateSince = time.Time{}
	changed := m.online != up
	m.online = up
	callbacks := m.callbacksLocked(up)
	m.mu.Unlock()

	if changed {
		m.notify(up, callbacks)
	}

	return up
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.OfflineProbeInterval
	bo.MaxInterval = m.cfg.MaxProbeInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		wait := m.step(ctx, bo)
		timer.Reset(wait)
	}
}

// step runs one check, applies the debounce, and returns how long to wait
// before the next check.
func (m *Monitor) step(ctx context.Context, bo *backoff.ExponentialBackOff) time.Duration {
	up := m.check(ctx)
	if ctx.Err() != nil {
		return 0
	}

	now := m.nowFunc()

	m.mu.Lock()

	var (
		transition bool
		wait       time.Duration
	)

	switch {
	case !up:
		m.candidateSince = time.Time{}
		transition = m.online
		m.online = false
		wait = bo.NextBackOff()
	case m.online:
		bo.Reset()
		wait = m.cfg.ProbeInterval
	case m.candidateSince.IsZero():
		m.candidateSince = now
		wait = m.cfg.StableWindow
	case now.Sub(m.candidateSince) >= m.cfg.StableWindow:
		m.candidateSince = time.Time{}
		m.online = true
		transition = true

		bo.Reset()

		wait = m.cfg.ProbeInterval
	default:
		wait = m.cfg.StableWindow - now.Sub(m.candidateSince)
	}

	online := m.online
	callbacks := m.callbacksLocked(online)
	m.mu.Unlock()

	if transition {
		m.notify(online, callbacks)
	}

	return wait
}

// check evaluates the combined signal: local first, then the probe.
func (m *Monitor) check(ctx context.Context) bool {
	m.mu.Lock()
	override := m.localOverride
	m.mu.Unlock()

	local := m.cfg.Local.Up()
	if override != nil {
		local = *override
	}

	if !local {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if err := m.cfg.Prober.Probe(probeCtx); err != nil {
		m.logger.Debug("reachability probe failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

func (m *Monitor) callbacksLocked(online bool) []func() {
	set := m.onOffline
	if online {
		set = m.onOnline
	}

	cbs := make([]func(), 0, len(set))
	for _, cb := range set {
		cbs = append(cbs, cb)
	}

	return cbs
}

func (m *Monitor) notify(online bool, callbacks []func()) {
	m.logger.Info("connectivity changed", slog.Bool("online", online))

	for _, cb := range callbacks {
		cb()
	}
}
