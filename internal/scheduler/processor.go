// Package scheduler runs the single update processor of the instance.
//
// The processor claims the enqueued update with the smallest sequence across
// every index, applies it inside one write transaction on the index
// environment and records the outcome. Only one update is ever processing:
// claims are serialized by the processor's own mutex and enforced again by
// the queue's single processing slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/tracing"
)

// ErrPaused is returned by Pause when another caller already holds the
// processor.
var ErrPaused = errors.New("processor is already paused")

// Observer is told about every update reaching a terminal status.
type Observer interface {
	UpdateFinished(op update.Operation)
}

// Options configures the processor.
type Options struct {
	// IdlePollInterval re-checks the queue even without an enqueue signal.
	IdlePollInterval time.Duration
}

type running struct {
	seq       uint64
	indexUID  string
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Processor is the instance-wide update loop.
type Processor struct {
	queue    *queue.Queue
	registry *registry.Registry
	engine   *indexer.Engine
	observer Observer
	metrics  *metrics.Metrics
	idlePoll time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	paused  bool
	current *running
	resume  chan struct{}
	halted  error
}

// New builds a processor. observer may be nil.
func New(q *queue.Queue, reg *registry.Registry, engine *indexer.Engine, observer Observer, m *metrics.Metrics, opts Options) *Processor {
	if opts.IdlePollInterval <= 0 {
		opts.IdlePollInterval = time.Second
	}
	return &Processor{
		queue:    q,
		registry: reg,
		engine:   engine,
		observer: observer,
		metrics:  m,
		idlePoll: opts.IdlePollInterval,
		resume:   make(chan struct{}, 1),
		logger:   slog.Default().With("component", "scheduler"),
	}
}

// Run recovers any update interrupted by a previous crash, then processes
// updates until ctx is cancelled. It returns early with the cause when a
// storage error halts the loop.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Recover(); err != nil {
		p.halt(err)
		return err
	}
	p.logger.Info("update processor started")

	ticker := time.NewTicker(p.idlePoll)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			p.logger.Info("update processor stopped")
			return nil
		}
		p.refreshDepth()

		run, op, err := p.claim()
		if err != nil {
			if apperrors.IsFatal(err) {
				p.halt(err)
				return err
			}
			p.logger.Warn("claiming update failed, retrying", "error", err, "retry_in", p.idlePoll)
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
			continue
		}
		if run == nil {
			select {
			case <-ctx.Done():
			case <-p.queue.Pending():
			case <-p.resume:
			case <-ticker.C:
			}
			continue
		}

		err = p.process(ctx, run, op)
		p.release(run)
		if err != nil {
			p.halt(err)
			return err
		}
	}
}

// claim marks the oldest enqueued update processing. It returns a nil run
// when there is nothing to do or the processor is paused.
func (p *Processor) claim() (*running, update.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return nil, update.Operation{}, nil
	}
	next, ok, err := p.queue.NextPending()
	if err != nil || !ok {
		return nil, update.Operation{}, err
	}
	op, err := p.queue.MarkProcessing(next.Seq)
	if err != nil {
		return nil, update.Operation{}, err
	}
	run := &running{seq: op.Seq, indexUID: op.IndexUID, done: make(chan struct{})}
	p.current = run
	return run, op, nil
}

func (p *Processor) release(run *running) {
	p.mu.Lock()
	p.current = nil
	close(run.done)
	p.mu.Unlock()
}

// process applies op and persists its terminal status. A non-nil return is
// fatal: op is left processing for recovery.
func (p *Processor) process(ctx context.Context, run *running, op update.Operation) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	run.cancel = cancel
	if run.cancelled {
		cancel()
	}
	p.mu.Unlock()

	logger := p.logger.With("update_id", op.Seq, "index", op.IndexUID, "type", op.Kind.Type())
	logger.Debug("processing update")
	start := time.Now()
	runCtx, span := tracing.StartSpan(runCtx, "update", fmt.Sprintf("update-%d", op.Seq))
	span.SetAttr("type", op.Kind.Type())
	defer func() {
		span.End()
		span.Log(ctx, logger)
	}()

	out, h, err := p.execute(runCtx, op)
	if h != nil {
		// held until the status is recorded so a concurrent index delete
		// observes the update as finished
		defer h.Release()
	}
	p.metrics.UpdateDuration.WithLabelValues(string(op.Kind.Type())).Observe(time.Since(start).Seconds())

	if err != nil && apperrors.IsFatal(err) {
		logger.Error("storage error, halting update processor", "error", err)
		return err
	}
	if err != nil && errors.Is(err, apperrors.ErrAborted) && ctx.Err() != nil && !p.cancelRequested(run) {
		// shutdown, not a user cancellation: put it back for the next start
		if _, rerr := p.queue.Requeue(op.Seq); rerr != nil {
			return rerr
		}
		logger.Info("update interrupted by shutdown, requeued")
		return nil
	}

	_, record := tracing.StartChildSpan(runCtx, "record")
	defer record.End()
	var rec update.Operation
	if err != nil {
		logger.Warn("update failed", "error", err, "code", apperrors.Classify(err))
		rec, err = p.queue.MarkFailed(op.Seq, update.NewFailure(err))
	} else {
		rec, err = p.queue.MarkProcessed(op.Seq, out)
		p.metrics.DocsIndexedTotal.Add(float64(out.IndexedDocuments))
		p.metrics.DocsDeletedTotal.Add(float64(out.DeletedDocuments))
	}
	if err != nil {
		logger.Error("recording update status failed, halting update processor", "error", err)
		return err
	}

	span.SetAttr("status", rec.Status)
	p.metrics.UpdatesFinishedTotal.WithLabelValues(string(op.Kind.Type()), string(rec.Status)).Inc()
	logger.Info("update finished", "status", rec.Status, "duration", rec.Duration)
	if p.observer != nil {
		p.observer.UpdateFinished(rec)
	}
	return nil
}

// execute runs the mutation itself. On success it returns the still borrowed
// target index.
func (p *Processor) execute(ctx context.Context, op update.Operation) (update.Outcome, *registry.Handle, error) {
	if k, ok := op.Kind.(update.RenameIndex); ok {
		return p.rename(op, k)
	}

	_, resolve := tracing.StartChildSpan(ctx, "resolve")
	h, created, err := p.resolve(op)
	resolve.End()
	if err != nil {
		return update.Outcome{}, nil, err
	}

	out, err := p.applyIn(ctx, h, op)
	if err == nil {
		out.CreatedIndex = created
		return out, h, nil
	}
	h.Release()
	if created && !apperrors.IsFatal(err) {
		// the index was created for this update only
		if derr := p.registry.Delete(context.Background(), op.IndexUID); derr != nil {
			p.logger.Error("dropping implicitly created index failed", "index", op.IndexUID, "error", derr)
		}
	}
	return update.Outcome{}, nil, err
}

// resolve borrows the target index, creating it when the kind allows. An
// update enqueued against an existing index only ever applies to that
// environment: once it is renamed or deleted the update fails instead of
// landing in, or creating, another index under the same uid.
func (p *Processor) resolve(op update.Operation) (*registry.Handle, bool, error) {
	h, err := p.registry.Borrow(op.IndexUID)
	if err == nil {
		if bound(op, h.UUID) {
			return h, false, nil
		}
		h.Release()
		return nil, false, staleTarget(op)
	}
	if !errors.Is(err, apperrors.ErrIndexNotFound) || !update.CreatesIndex(op.Kind) {
		return nil, false, err
	}
	if op.IndexUUID != "" {
		return nil, false, staleTarget(op)
	}
	var primaryKey string
	if add, ok := op.Kind.(update.DocumentsAddition); ok {
		primaryKey = add.PrimaryKey
	}
	if _, err := p.registry.Create(op.IndexUID, primaryKey); err != nil {
		return nil, false, err
	}
	h, err = p.registry.Borrow(op.IndexUID)
	return h, true, err
}

func (p *Processor) applyIn(ctx context.Context, h *registry.Handle, op update.Operation) (update.Outcome, error) {
	w, err := h.Env.BeginWrite()
	if err != nil {
		return update.Outcome{}, err
	}
	applyCtx, apply := tracing.StartChildSpan(ctx, "apply")
	out, err := p.engine.Apply(applyCtx, w.Txn, op.Seq, op.Kind)
	apply.End()
	if err != nil {
		w.Discard()
		return update.Outcome{}, err
	}
	_, commit := tracing.StartChildSpan(ctx, "commit")
	err = w.Commit()
	commit.End()
	if err != nil {
		if errors.Is(err, kvstore.ErrTxnTooBig) {
			return update.Outcome{}, apperrors.Indexing("update exceeds the index size budget")
		}
		return update.Outcome{}, err
	}
	return out, nil
}

func (p *Processor) rename(op update.Operation, k update.RenameIndex) (update.Outcome, *registry.Handle, error) {
	if id, ok := p.registry.Lookup(op.IndexUID); ok && !bound(op, id) {
		return update.Outcome{}, nil, staleTarget(op)
	}
	if err := p.registry.Rename(op.IndexUID, k.NewUID); err != nil {
		return update.Outcome{}, nil, err
	}
	h, err := p.registry.Borrow(k.NewUID)
	if err != nil {
		return update.Outcome{}, nil, err
	}
	if err := h.Env.Update(p.engine.Touch); err != nil {
		h.Release()
		return update.Outcome{}, nil, err
	}
	return update.Outcome{NewUID: k.NewUID}, h, nil
}

func bound(op update.Operation, id uuid.UUID) bool {
	return op.IndexUUID == "" || op.IndexUUID == id.String()
}

func staleTarget(op update.Operation) error {
	return fmt.Errorf("%w: index %q was renamed or deleted after update %d was enqueued",
		apperrors.ErrIndexNotFound, op.IndexUID, op.Seq)
}

// Cancel aborts an enqueued update, or asks the running one to stop at its
// next checkpoint.
func (p *Processor) Cancel(seq uint64) (update.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, err := p.queue.Cancel(seq)
	if err != nil {
		return op, err
	}
	if op.Status == update.StatusAborted {
		p.metrics.UpdatesFinishedTotal.WithLabelValues(string(op.Kind.Type()), string(op.Status)).Inc()
		if p.observer != nil {
			p.observer.UpdateFinished(op)
		}
		return op, nil
	}
	if p.current != nil && p.current.seq == seq {
		p.current.cancelled = true
		if p.current.cancel != nil {
			p.current.cancel()
		}
		p.logger.Info("cancellation requested for running update", "update_id", seq)
	}
	return op, nil
}

func (p *Processor) cancelRequested(run *running) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return run.cancelled
}

// Pause stops new claims and waits for the running update, if any, to
// finish. The running update is never interrupted: once grace elapses a
// warning is logged and Pause keeps waiting. Resume must follow a successful
// Pause.
func (p *Processor) Pause(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return ErrPaused
	}
	p.paused = true
	run := p.current
	p.mu.Unlock()
	p.metrics.SchedulerPaused.Set(1)

	if run == nil {
		return nil
	}
	var graceC <-chan time.Time
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		graceC = timer.C
	}
	for {
		select {
		case <-run.done:
			return nil
		case <-graceC:
			p.logger.Warn("running update exceeds the pause grace period, still waiting",
				"update_id", run.seq, "index", run.indexUID, "grace", grace)
			graceC = nil
		case <-ctx.Done():
			p.Resume()
			return ctx.Err()
		}
	}
}

// Resume lets the processor claim updates again.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.metrics.SchedulerPaused.Set(0)
	select {
	case p.resume <- struct{}{}:
	default:
	}
}

// WaitIndex blocks while the running update targets uid.
func (p *Processor) WaitIndex(ctx context.Context, uid string) error {
	for {
		p.mu.Lock()
		run := p.current
		p.mu.Unlock()
		if run == nil || run.indexUID != uid {
			return nil
		}
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Current reports the update being processed, if any.
func (p *Processor) Current() (seq uint64, indexUID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0, "", false
	}
	return p.current.seq, p.current.indexUID, true
}

// Halted returns the error that stopped the loop, or nil.
func (p *Processor) Halted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// HealthCheck reports the processor down once it halted.
func (p *Processor) HealthCheck() health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := p.Halted(); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		p.mu.Lock()
		paused := p.paused
		p.mu.Unlock()
		if paused {
			return health.ComponentHealth{Status: health.StatusUp, Message: "paused for snapshot"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

func (p *Processor) halt(err error) {
	p.mu.Lock()
	p.halted = fmt.Errorf("update processor halted: %w", err)
	p.mu.Unlock()
	p.metrics.SchedulerHalted.Set(1)
	p.logger.Error("update processor halted, operator intervention required", "error", err)
}

func (p *Processor) refreshDepth() {
	if n, err := p.queue.Depth(); err == nil {
		p.metrics.QueueDepth.Set(float64(n))
	}
}
