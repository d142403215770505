// Package sync drains the durable operation queue against the remote
// backend. A drain pass groups pending operations into per-entity lanes,
// applies each lane in order with bounded concurrency across lanes, and
// classifies every failure as retryable or terminal.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/fieldsync/internal/blobstore"
	"github.com/tonimelisma/fieldsync/internal/events"
	"github.com/tonimelisma/fieldsync/internal/remote"
	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
	"github.com/tonimelisma/fieldsync/internal/upload"
)

// Defaults for Config fields left zero.
const (
	DefaultLaneConcurrency   = 2
	DefaultInlineUploadLimit = 1 << 20
	DefaultInterval          = 5 * time.Minute
	DefaultFailedRetention   = 30 * 24 * time.Hour
	DefaultSessionMaxAge     = 7 * 24 * time.Hour
)

// ErrOffline is returned by TriggerSync when the network monitor reports
// the backend unreachable.
var ErrOffline = errors.New("sync: offline")

// ErrInFlight is returned when an operation cannot be changed because a
// drain pass is applying it.
var ErrInFlight = errors.New("sync: operation is in flight")

// ErrStopped is returned by TriggerSync after Stop.
var ErrStopped = errors.New("sync: processor stopped")

// ErrNoTransfer is returned by CancelUpload when the operation exists but no
// upload of it is running.
var ErrNoTransfer = errors.New("sync: no upload in progress")

// Monitor is the connectivity view the processor needs. *netmon.Monitor
// satisfies it.
type Monitor interface {
	IsOnline() bool
	OnOnline(cb func()) (unsubscribe func())
	OnOffline(cb func()) (unsubscribe func())
}

// Uploader sends large upload payloads in chunks. *upload.Manager
// satisfies it.
type Uploader interface {
	Upload(ctx context.Context, op *store.Operation, payload store.UploadPayload, chunkSize int64) (remote.Reference, error)
}

// Blobs spools upload content. *blobstore.Store satisfies it.
type Blobs interface {
	Put(r io.Reader) (string, int64, error)
	Open(ref string) (blobstore.File, error)
	Remove(ref string) error
}

// Recorder receives failed attempts. *diaglog.Log satisfies it.
type Recorder interface {
	Record(ctx context.Context, e store.LogEntry) error
}

// Config holds the options for NewProcessor.
type Config struct {
	Store       *store.Store
	Executor    remote.Executor
	Uploads     Uploader // nil sends every upload inline
	Blobs       Blobs
	Monitor     Monitor
	Diagnostics Recorder
	Events      *events.Bus // optional
	Policy      retry.Policy

	LaneConcurrency   int
	InlineUploadLimit int64
	ChunkSize         int64
	Interval          time.Duration // periodic pass while online; <0 disables
	FailedRetention   time.Duration
	SessionMaxAge     time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration

	Logger *slog.Logger
}

// Processor owns the drain loop. All exported methods are safe for
// concurrent use.
type Processor struct {
	store    *store.Store
	executor remote.Executor
	uploads  Uploader
	blobs    Blobs
	monitor  Monitor
	diag     Recorder
	bus      *events.Bus
	policy   retry.Policy
	breaker  *breaker
	logger   *slog.Logger

	laneConcurrency   int
	inlineUploadLimit int64
	chunkSize         int64
	interval          time.Duration
	failedRetention   time.Duration
	sessionMaxAge     time.Duration

	passes singleflight.Group
	kick   chan struct{}

	// Passes run under life rather than under the caller that started
	// them; Stop cancels it and waits for the running pass.
	life     context.Context
	stopLife context.CancelFunc
	running  stdsync.WaitGroup

	mu        stdsync.Mutex
	reclaimed bool
	stopped   bool
	last      *Summary
	transfers map[string]context.CancelFunc

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a Processor. It does not start any goroutines; call
// Run for automatic draining or TriggerSync for a single pass.
func NewProcessor(cfg *Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Processor{
		store:             cfg.Store,
		executor:          cfg.Executor,
		uploads:           cfg.Uploads,
		blobs:             cfg.Blobs,
		monitor:           cfg.Monitor,
		diag:              cfg.Diagnostics,
		bus:               cfg.Events,
		policy:            cfg.Policy,
		breaker:           newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, logger),
		logger:            logger,
		laneConcurrency:   orDefault(cfg.LaneConcurrency, DefaultLaneConcurrency),
		inlineUploadLimit: orDefault(cfg.InlineUploadLimit, DefaultInlineUploadLimit),
		chunkSize:         orDefault(cfg.ChunkSize, upload.DefaultChunkSize),
		interval:          orDefault(cfg.Interval, DefaultInterval),
		failedRetention:   orDefault(cfg.FailedRetention, DefaultFailedRetention),
		sessionMaxAge:     orDefault(cfg.SessionMaxAge, DefaultSessionMaxAge),
		kick:              make(chan struct{}, 1),
		transfers:         make(map[string]context.CancelFunc),
		nowFunc:           time.Now,
		sleepFunc:         retry.Sleep,
	}

	if p.policy.MaxAttempts == 0 {
		p.policy = retry.DefaultPolicy()
	}

	p.life, p.stopLife = context.WithCancel(context.Background())

	return p
}

func orDefault[T int | int64 | time.Duration](v, def T) T {
	if v == 0 {
		return def
	}

	return v
}

// TriggerSync runs one drain pass and returns its summary. If a pass is
// already running the call joins it and receives the same summary. The pass
// belongs to the processor: a caller whose context ends stops waiting but
// does not stop the pass. Only Stop does.
func (p *Processor) TriggerSync(ctx context.Context) (*Summary, error) {
	if p.monitor != nil && !p.monitor.IsOnline() {
		return nil, ErrOffline
	}

	ch := p.passes.DoChan("drain", func() (any, error) {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrStopped
		}
		p.running.Add(1)
		p.mu.Unlock()

		defer p.running.Done()

		passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()

		unlink := context.AfterFunc(p.life, cancel)
		defer unlink()

		return p.drain(passCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sync: waiting for drain pass: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		if res.Shared {
			p.logger.Debug("joined running drain pass")
		}

		return res.Val.(*Summary), nil //nolint:forcetypeassert // drain always returns *Summary
	}
}

// Stop cancels the running pass, if any, and waits for it to return.
// Interrupted operations go back to pending. Later TriggerSync calls fail
// with ErrStopped. Stop is idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.stopLife()
	p.running.Wait()
}

// CancelUpload abandons the in-progress transfer of upload operation id.
// Only the chunk in flight is lost: completed chunks stay recorded and the
// operation returns to pending, so the next pass resumes it.
func (p *Processor) CancelUpload(ctx context.Context, id string) error {
	p.mu.Lock()
	cancel, ok := p.transfers[id]
	p.mu.Unlock()

	if ok {
		cancel()
		p.logger.Info("upload canceled by user", slog.String("operation_id", id))

		return nil
	}

	if _, err := p.store.Get(ctx, id); err != nil {
		return fmt.Errorf("sync: cancel upload %s: %w", id, err)
	}

	return fmt.Errorf("sync: cancel upload %s: %w", id, ErrNoTransfer)
}

// trackTransfer derives a context for one upload that CancelUpload can end.
func (p *Processor) trackTransfer(ctx context.Context, id string) (context.Context, func()) {
	tctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.transfers[id] = cancel
	p.mu.Unlock()

	return tctx, func() {
		p.mu.Lock()
		delete(p.transfers, id)
		p.mu.Unlock()
		cancel()
	}
}

// LastSummary returns the summary of the most recent completed pass, or nil.
func (p *Processor) LastSummary() *Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.last
}

// drain is one pass over the queue.
func (p *Processor) drain(ctx context.Context) (*Summary, error) {
	start := p.nowFunc()

	if err := p.reclaimOnce(ctx); err != nil {
		return nil, err
	}

	p.housekeeping(ctx)

	ops, err := p.store.List(ctx, store.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("sync: loading pending operations: %w", err)
	}

	lanes := buildLanes(ops)

	p.logger.Info("drain pass starting",
		slog.Int("operations", len(ops)),
		slog.Int("lanes", len(lanes)),
		slog.Int("lane_concurrency", p.laneConcurrency),
	)

	col := &collector{summary: Summary{Total: len(ops), StartedAt: start}}
	p.publishProgress(col, 0, "")

	g := new(errgroup.Group)
	g.SetLimit(p.laneConcurrency)

	for _, l := range lanes {
		g.Go(func() error {
			p.runLane(ctx, l, col)
			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // lane workers never return errors

	summary := col.snapshot()
	summary.Duration = p.nowFunc().Sub(start)

	// Count against the store rather than the lanes: an operation enqueued
	// during the pass is pending too.
	if pending, countErr := p.store.List(context.WithoutCancel(ctx), store.StatusPending); countErr == nil {
		summary.Deferred = len(pending)
		pendingOperations.Set(float64(len(pending)))
	}

	passDuration.Observe(summary.Duration.Seconds())

	p.mu.Lock()
	p.last = &summary
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.TypeSyncComplete, summary)
	}

	p.logger.Info("drain pass complete",
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("deferred", summary.Deferred),
		slog.Duration("duration", summary.Duration),
	)

	return &summary, nil
}

// reclaimOnce returns operations a crashed process left in flight to the
// queue. It runs before the first pass only; later passes are serialized by
// the singleflight group so no in_flight row can belong to a live worker.
func (p *Processor) reclaimOnce(ctx context.Context) error {
	p.mu.Lock()
	done := p.reclaimed
	p.mu.Unlock()

	if done {
		return nil
	}

	n, err := p.store.ReclaimInFlight(ctx)
	if err != nil {
		return fmt.Errorf("sync: reclaiming in-flight operations: %w", err)
	}

	if n > 0 {
		p.logger.Info("reclaimed interrupted operations", slog.Int("count", n))
	}

	p.mu.Lock()
	p.reclaimed = true
	p.mu.Unlock()

	return nil
}

// housekeeping evicts expired failed operations and stale upload sessions.
// Failures are logged; they never block a pass.
func (p *Processor) housekeeping(ctx context.Context) {
	cutoff := p.nowFunc().Add(-p.failedRetention)

	failed, err := p.store.List(ctx, store.StatusFailed)
	if err != nil {
		p.logger.Warn("listing failed operations for eviction", slog.String("error", err.Error()))
		return
	}

	var blobs []string

	for i := range failed {
		if failed[i].UpdatedAt.Before(cutoff) && failed[i].Kind == store.KindUpload {
			if pl, decErr := decodeUpload(&failed[i]); decErr == nil {
				blobs = append(blobs, pl.BlobRef)
			}
		}
	}

	if _, err := p.store.EvictFailed(ctx, cutoff); err != nil {
		p.logger.Warn("evicting failed operations", slog.String("error", err.Error()))
		return
	}

	for _, ref := range blobs {
		p.releaseBlob(ctx, ref)
	}

	if _, err := p.store.CleanStaleUploadSessions(ctx, p.sessionMaxAge); err != nil {
		p.logger.Warn("cleaning stale upload sessions", slog.String("error", err.Error()))
	}
}

// outcome is how an operation left processOp.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeDeferred // still pending; the lane must stop here
	outcomeSkipped  // no longer pending (dismissed or claimed elsewhere)
)

// runLane applies a lane's operations in order. It stops at the first
// operation that is still pending afterwards so nothing behind it can
// overtake it.
func (p *Processor) runLane(ctx context.Context, l *lane, col *collector) {
	for i := range l.ops {
		op := &l.ops[i]

		if ctx.Err() != nil {
			return
		}

		if op.NextAttemptAt.After(p.nowFunc()) {
			p.logger.Debug("lane waiting on retry delay",
				slog.String("lane", l.key),
				slog.String("operation_id", op.ID),
				slog.Time("next_attempt_at", op.NextAttemptAt),
			)

			return
		}

		if p.processOp(ctx, op, col) == outcomeDeferred {
			operationsProcessed.WithLabelValues(string(op.Kind), resultDeferred).Inc()
			return
		}
	}
}

// processOp drives one operation to a terminal state, retrying transient
// failures in place after the policy delay.
func (p *Processor) processOp(ctx context.Context, op *store.Operation, col *collector) outcome {
	for {
		if p.breaker.open() {
			return outcomeDeferred
		}

		if err := p.store.MarkInFlight(ctx, op.ID); err != nil {
			if errors.Is(err, store.ErrNotPending) {
				return outcomeSkipped
			}

			p.logger.Warn("claiming operation", slog.String("operation_id", op.ID), slog.String("error", err.Error()))

			return outcomeDeferred
		}

		p.publishProgress(col, -1, op.Describe())

		var ref remote.Reference

		err := p.breaker.do(func() error {
			var execErr error
			ref, execErr = p.execute(ctx, op)

			return execErr
		})

		if err == nil {
			p.complete(ctx, op, ref)
			p.publishProgress(col, col.succeeded(), "")
			operationsProcessed.WithLabelValues(string(op.Kind), resultSucceeded).Inc()

			return outcomeDone
		}

		if errors.Is(err, errBreakerOpen) || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			p.release(ctx, op)
			return outcomeDeferred
		}

		ce := classify(err)
		attempts := op.AttemptCount + 1
		p.record(ctx, op, attempts, ce, err)

		decision := p.policy.DecideError(attempts, ce)
		if errors.Is(err, upload.ErrRetriesExhausted) {
			decision = retry.Decision{}
		}

		info := &store.ErrorInfo{
			Message:    ce.Error(),
			Class:      string(ce.Class),
			HTTPStatus: ce.StatusCode,
			At:         p.nowFunc(),
		}

		if !decision.Retry {
			p.fail(ctx, op, attempts, info)
			p.publishProgress(col, col.failed(op, ce), "")
			operationsProcessed.WithLabelValues(string(op.Kind), resultFailed).Inc()

			return outcomeFailed
		}

		next := p.nowFunc().Add(decision.Delay)
		pending := store.StatusPending

		if updErr := p.store.Update(context.WithoutCancel(ctx), op.ID, store.Patch{
			Status:        &pending,
			AttemptCount:  &attempts,
			LastError:     info,
			NextAttemptAt: &next,
		}); updErr != nil {
			p.logger.Error("recording retry", slog.String("operation_id", op.ID), slog.String("error", updErr.Error()))
			return outcomeDeferred
		}

		op.AttemptCount = attempts
		op.LastError = info
		op.NextAttemptAt = next
		operationsProcessed.WithLabelValues(string(op.Kind), resultRetried).Inc()

		p.logger.Info("operation will be retried",
			slog.String("operation_id", op.ID),
			slog.String("operation", op.Describe()),
			slog.String("class", string(ce.Class)),
			slog.Int("attempt", attempts),
			slog.Duration("delay", decision.Delay),
		)

		if sleepErr := p.sleepFunc(ctx, decision.Delay); sleepErr != nil {
			return outcomeDeferred
		}
	}
}

// execute sends op to the backend, converting a panic in the transport into
// an Unknown failure.
func (p *Processor) execute(ctx context.Context, op *store.Operation) (ref remote.Reference, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	if op.Kind != store.KindUpload {
		return p.executor.Execute(ctx, remote.Request{
			OperationID:    op.ID,
			EntityKind:     op.EntityKind,
			EntityID:       op.EntityID,
			Kind:           op.Kind,
			Payload:        op.Payload,
			IdempotencyKey: op.IdempotencyKey,
		})
	}

	if op.RemoteRef != "" {
		// Uploaded by an earlier attempt that could not be removed.
		return remote.Reference{ID: op.RemoteRef}, nil
	}

	pl, err := decodeUpload(op)
	if err != nil {
		return remote.Reference{}, err
	}

	ctx, done := p.trackTransfer(ctx, op.ID)
	defer done()

	if p.uploads != nil && pl.Size > p.inlineUploadLimit {
		return p.uploads.Upload(ctx, op, pl, p.chunkSize)
	}

	blob, err := p.blobs.Open(pl.BlobRef)
	if err != nil {
		return remote.Reference{}, &retry.ClassifiedError{Class: retry.ClassValidationRejected, Message: "upload content missing", Err: err}
	}
	defer blob.Close()

	content, err := io.ReadAll(blob)
	if err != nil {
		return remote.Reference{}, fmt.Errorf("sync: reading upload content: %w", err)
	}

	return p.executor.Execute(ctx, remote.Request{
		OperationID:    op.ID,
		EntityKind:     op.EntityKind,
		EntityID:       op.EntityID,
		Kind:           op.Kind,
		Payload:        op.Payload,
		IdempotencyKey: op.IdempotencyKey,
		Content:        content,
		ContentType:    pl.ContentType,
		FileName:       pl.FileName,
		Metadata:       pl.Metadata,
	})
}

// complete records the remote reference of an upload, then removes the
// operation and releases its blob.
func (p *Processor) complete(ctx context.Context, op *store.Operation, ref remote.Reference) {
	ctx = context.WithoutCancel(ctx)

	if op.Kind == store.KindUpload && ref.ID != "" {
		if err := p.store.Update(ctx, op.ID, store.Patch{RemoteRef: &ref.ID}); err != nil {
			p.logger.Warn("recording remote reference", slog.String("operation_id", op.ID), slog.String("error", err.Error()))
		}
	}

	if err := p.store.Remove(ctx, op.ID); err != nil {
		p.logger.Error("removing applied operation",
			slog.String("operation_id", op.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if op.Kind == store.KindUpload {
		if pl, err := decodeUpload(op); err == nil {
			p.releaseBlob(ctx, pl.BlobRef)
		}
	}

	p.logger.Info("operation applied",
		slog.String("operation_id", op.ID),
		slog.String("operation", op.Describe()),
		slog.String("remote_id", ref.ID),
	)
}

// fail marks op failed; only a manual retry brings it back.
func (p *Processor) fail(ctx context.Context, op *store.Operation, attempts int, info *store.ErrorInfo) {
	failed := store.StatusFailed

	if err := p.store.Update(context.WithoutCancel(ctx), op.ID, store.Patch{
		Status:       &failed,
		AttemptCount: &attempts,
		LastError:    info,
	}); err != nil {
		p.logger.Error("marking operation failed", slog.String("operation_id", op.ID), slog.String("error", err.Error()))
		return
	}

	p.logger.Warn("operation failed",
		slog.String("operation_id", op.ID),
		slog.String("operation", op.Describe()),
		slog.String("class", info.Class),
		slog.Int("attempts", attempts),
		slog.String("error", info.Message),
	)
}

// release returns a claimed operation to pending without charging an
// attempt.
func (p *Processor) release(ctx context.Context, op *store.Operation) {
	pending := store.StatusPending

	if err := p.store.Update(context.WithoutCancel(ctx), op.ID, store.Patch{Status: &pending}); err != nil {
		p.logger.Error("releasing operation", slog.String("operation_id", op.ID), slog.String("error", err.Error()))
	}
}

func (p *Processor) record(ctx context.Context, op *store.Operation, attempt int, ce *retry.ClassifiedError, err error) {
	if p.diag == nil {
		return
	}

	entry := store.LogEntry{
		OperationID:          op.ID,
		OperationDescription: op.Describe(),
		ErrorMessage:         ce.Error(),
		ErrorClass:           string(ce.Class),
		HTTPStatus:           ce.StatusCode,
		AttemptNumber:        attempt,
	}

	var pe *panicError
	if errors.As(err, &pe) {
		entry.StackTrace = pe.stack
	}

	if recErr := p.diag.Record(context.WithoutCancel(ctx), entry); recErr != nil {
		p.logger.Warn("recording diagnostic entry", slog.String("error", recErr.Error()))
	}
}

func (p *Processor) releaseBlob(ctx context.Context, ref string) {
	inUse, err := p.store.BlobInUse(ctx, ref)
	if err != nil || inUse {
		return
	}

	if err := p.blobs.Remove(ref); err != nil {
		p.logger.Warn("removing blob", slog.String("ref", ref), slog.String("error", err.Error()))
	}
}

func (p *Processor) publishProgress(col *collector, done int, current string) {
	if p.bus == nil {
		return
	}

	s := col.snapshot()
	if done < 0 {
		done = s.Succeeded + s.Failed
	}

	p.bus.PublishProgress(events.Progress{
		Done:    done,
		Total:   s.Total,
		Pending: s.Total - done,
		Current: current,
	})
}

// classify maps an executor error onto the retry taxonomy. Local storage
// exhaustion is its own class.
func classify(err error) *retry.ClassifiedError {
	if store.IsQuotaError(err) {
		return &retry.ClassifiedError{Class: retry.ClassStorageQuotaExceeded, Err: err}
	}

	var pe *panicError
	if errors.As(err, &pe) {
		return &retry.ClassifiedError{Class: retry.ClassUnknown, Message: pe.Error(), Err: err}
	}

	return retry.Classify(err)
}

func decodeUpload(op *store.Operation) (store.UploadPayload, error) {
	var pl store.UploadPayload

	if err := json.Unmarshal(op.Payload, &pl); err != nil || pl.BlobRef == "" {
		return pl, &retry.ClassifiedError{
			Class:   retry.ClassValidationRejected,
			Message: fmt.Sprintf("upload %s has no blob reference", op.ID),
			Err:     err,
		}
	}

	return pl, nil
}

// panicError carries a recovered transport panic.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
