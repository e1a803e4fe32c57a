// Package controller is the entry point of the API layer into the core.
//
// A Controller owns one generation of storage: the index registry, the update
// queue, the update processor driving them and the snapshot coordinator
// pausing it. Restoring a snapshot stops the generation, swaps the data
// directory and opens a new one; every other call runs under a read lock and
// never observes a half-swapped instance.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
)

// Options configures a Controller.
type Options struct {
	DataDir         string
	IndexSizeBudget int64
	QueueSizeBudget int64
	SyncWrites      bool
	GCInterval      time.Duration

	ApplyWorkers     int
	CheckpointEvery  int
	IdlePollInterval time.Duration
	// Retention is how long terminal update records are kept. Zero keeps
	// them forever.
	Retention     time.Duration
	PruneInterval time.Duration

	SnapshotDir      string
	SnapshotInterval time.Duration
	GracePeriod      time.Duration
	// ImportPath is a snapshot restored before the storage is opened.
	ImportPath     string
	IgnoreMissing  bool
	IgnoreIfExists bool

	Notify notify.Options
}

// OptionsFromConfig maps the file configuration onto controller options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DataDir:          cfg.Storage.DataDir,
		IndexSizeBudget:  cfg.Storage.IndexSizeBudget,
		QueueSizeBudget:  cfg.Storage.QueueSizeBudget,
		SyncWrites:       cfg.Storage.SyncWrites,
		GCInterval:       cfg.Storage.GCInterval,
		ApplyWorkers:     cfg.Scheduler.ApplyWorkers,
		CheckpointEvery:  cfg.Scheduler.CheckpointEvery,
		IdlePollInterval: cfg.Scheduler.IdlePollInterval,
		Retention:        cfg.Scheduler.Retention,
		PruneInterval:    cfg.Scheduler.PruneInterval,
		SnapshotDir:      cfg.Snapshot.Dir,
		SnapshotInterval: cfg.Snapshot.Interval,
		GracePeriod:      cfg.Snapshot.GracePeriod,
		ImportPath:       cfg.Snapshot.ImportPath,
		IgnoreMissing:    cfg.Snapshot.IgnoreMissing,
		IgnoreIfExists:   cfg.Snapshot.IgnoreIfExists,
	}
}

type generation struct {
	registry  *registry.Registry
	queue     *queue.Queue
	processor *scheduler.Processor
	snapshots *snapshot.Coordinator

	stop context.CancelFunc
	done chan struct{}
}

// Controller composes the registry, the queue, the processor, the
// notification hub and the snapshot coordinator.
type Controller struct {
	opts    Options
	engine  *indexer.Engine
	hub     *notify.Hub
	cache   *cache.QueryCache
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	gen    *generation
	runCtx context.Context
}

// Open imports the configured snapshot if any, then opens the storage under
// opts.DataDir. qc may be nil to serve every search from the index.
func Open(ctx context.Context, opts Options, m *metrics.Metrics, qc *cache.QueryCache, sinks ...notify.Sink) (*Controller, error) {
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	c := &Controller{
		opts: opts,
		engine: indexer.NewEngine(indexer.Options{
			Workers:         opts.ApplyWorkers,
			CheckpointEvery: opts.CheckpointEvery,
		}),
		cache:   qc,
		metrics: m,
		logger:  slog.Default().With("component", "controller"),
	}
	c.hub = notify.NewHub(c, m, opts.Notify, sinks...)

	if err := c.importOnStart(ctx); err != nil {
		return nil, err
	}
	gen, err := c.openGeneration()
	if err != nil {
		return nil, err
	}
	c.gen = gen
	return c, nil
}

func (c *Controller) openGeneration() (*generation, error) {
	reg, err := registry.Open(registry.Options{
		DataDir:    c.opts.DataDir,
		SizeBudget: c.opts.IndexSizeBudget,
		SyncWrites: c.opts.SyncWrites,
		GCInterval: c.opts.GCInterval,
	}, c.engine, c.metrics)
	if err != nil {
		return nil, fmt.Errorf("opening index registry: %w", err)
	}
	q, err := queue.Open(queue.Options{
		Path:       queue.Path(c.opts.DataDir),
		SizeBudget: c.opts.QueueSizeBudget,
		SyncWrites: c.opts.SyncWrites,
		GCInterval: c.opts.GCInterval,
	})
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("opening update queue: %w", err)
	}
	proc := scheduler.New(q, reg, c.engine, c.hub, c.metrics, scheduler.Options{
		IdlePollInterval: c.opts.IdlePollInterval,
	})
	return &generation{
		registry:  reg,
		queue:     q,
		processor: proc,
		snapshots: snapshot.NewCoordinator(c.snapshotOptions(), proc, c.metrics),
	}, nil
}

func (c *Controller) snapshotOptions() snapshot.Options {
	return snapshot.Options{
		Dir:         c.opts.SnapshotDir,
		GracePeriod: c.opts.GracePeriod,
		Workers:     c.opts.ApplyWorkers,
		SizeBudget:  max(c.opts.IndexSizeBudget, c.opts.QueueSizeBudget),
	}
}

func closeGeneration(g *generation) error {
	qErr := g.queue.Close()
	rErr := g.registry.Close()
	if rErr != nil {
		return rErr
	}
	return qErr
}

// acquire pins the current generation until release is called.
func (c *Controller) acquire() (*generation, func(), error) {
	c.mu.RLock()
	if c.gen == nil {
		c.mu.RUnlock()
		return nil, func() {}, apperrors.New(apperrors.ErrUnavailable, http.StatusServiceUnavailable, "storage is not open")
	}
	return c.gen, c.mu.RUnlock, nil
}

// Run drives the update processor, the notification dispatcher and the
// maintenance loops until ctx is cancelled. The processor stops first so that
// every update it finishes still reaches the sinks.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.startLocked()
	c.mu.Unlock()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		c.hub.Run(hubCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	if c.opts.Retention > 0 {
		g.Go(func() error {
			every(gctx, c.opts.PruneInterval, c.prune)
			return nil
		})
	}
	if c.opts.SnapshotInterval > 0 {
		g.Go(func() error {
			every(gctx, c.opts.SnapshotInterval, c.scheduledSnapshot)
			return nil
		})
	}
	<-ctx.Done()
	err := g.Wait()

	c.mu.Lock()
	c.stopLocked()
	c.runCtx = nil
	c.mu.Unlock()

	stopHub()
	<-hubDone
	return err
}

// startLocked launches the processor of the current generation. c.mu must be
// held for writing.
func (c *Controller) startLocked() {
	g := c.gen
	if g == nil || c.runCtx == nil || g.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	g.stop = cancel
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		if err := g.processor.Run(ctx); err != nil {
			c.logger.Error("update processor exited", "error", err)
		}
	}()
}

// stopLocked stops the processor of the current generation and waits for
// it. An update interrupted mid-apply is requeued by the processor.
func (c *Controller) stopLocked() {
	g := c.gen
	if g == nil || g.stop == nil {
		return
	}
	g.stop()
	<-g.done
	g.stop = nil
}

// Close stops the processor and closes every environment.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	if c.gen == nil {
		return nil
	}
	err := closeGeneration(c.gen)
	c.gen = nil
	return err
}

// Get returns the durable record of seq. It lets the hub read statuses
// across restores.
func (c *Controller) Get(seq uint64) (update.Operation, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return update.Operation{}, err
	}
	return g.queue.Get(seq)
}

func (c *Controller) prune(ctx context.Context) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return
	}
	cutoff := time.Now().UTC().Add(-c.opts.Retention)
	n, err := g.queue.Prune(cutoff)
	if err != nil {
		c.logger.Error("pruning update records failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("pruned update records", "count", n, "cutoff", cutoff)
	}
}

func (c *Controller) scheduledSnapshot(ctx context.Context) {
	if _, _, err := c.CreateSnapshot(ctx); err != nil {
		c.logger.Error("scheduled snapshot failed", "error", err)
	}
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
