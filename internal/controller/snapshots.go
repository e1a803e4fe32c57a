package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/snapshot"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

// CreateSnapshot pauses the processor and archives every environment. It
// returns the archive path.
func (c *Controller) CreateSnapshot(ctx context.Context) (string, *snapshot.Manifest, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return "", nil, err
	}
	path, m, err := g.snapshots.Create(ctx, g.registry, g.queue)
	if errors.Is(err, scheduler.ErrPaused) {
		return "", nil, apperrors.New(apperrors.ErrAlreadyExists, http.StatusConflict, "a snapshot is already in progress")
	}
	return path, m, err
}

// Snapshots lists the archives in the snapshot directory, oldest first.
func (c *Controller) Snapshots() ([]string, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	return g.snapshots.List()
}

// RestoreSnapshot replaces the whole instance with the archive at path. The
// instance must hold no index and no pending update. The archive is fully
// verified before anything live is touched; a corrupt archive fails with
// errors.ErrInvalidSnapshot and leaves the instance as it was.
func (c *Controller) RestoreSnapshot(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gen
	if g == nil {
		return apperrors.New(apperrors.ErrUnavailable, http.StatusServiceUnavailable, "storage is not open")
	}

	if n := g.registry.Len(); n > 0 {
		return apperrors.Newf(apperrors.ErrAlreadyExists, http.StatusConflict,
			"the instance holds %d indexes, delete them before restoring a snapshot", n)
	}
	depth, err := g.queue.Depth()
	if err != nil {
		return err
	}
	if _, _, busy := g.processor.Current(); busy || depth > 0 {
		return apperrors.Newf(apperrors.ErrAlreadyExists, http.StatusConflict,
			"%d updates are still waiting to be processed", depth)
	}

	// Update ids already handed out stay retired once the archive's queue
	// replaces the live one.
	issued, err := g.queue.NextSeq()
	if err != nil {
		return err
	}

	staged, err := g.snapshots.Stage(ctx, path, c.opts.DataDir)
	if err != nil {
		return err
	}

	wasRunning := g.stop != nil
	c.stopLocked()
	if err := closeGeneration(g); err != nil {
		c.gen = nil
		staged.Discard()
		return fmt.Errorf("closing storage before restore: %w", err)
	}
	c.gen = nil

	installErr := staged.Install(c.opts.DataDir)
	if installErr != nil {
		staged.Discard()
	}
	next, err := c.openGeneration()
	if err != nil {
		c.logger.Error("reopening storage after restore failed, instance unavailable", "error", err)
		return errors.Join(installErr, err)
	}
	c.gen = next
	if err := next.queue.EnsureNext(issued); err != nil {
		c.logger.Error("carrying the update sequence across restore failed", "error", err)
		installErr = errors.Join(installErr, err)
	}
	if wasRunning {
		c.startLocked()
	}
	if installErr != nil {
		return installErr
	}
	c.logger.Info("snapshot restored", "path", path, "indexes", next.registry.Len())
	return nil
}

// importOnStart restores the configured snapshot into an empty data
// directory before the storage is opened.
func (c *Controller) importOnStart(ctx context.Context) error {
	path := c.opts.ImportPath
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && c.opts.IgnoreMissing {
			c.logger.Warn("snapshot to import not found, starting without it", "path", path)
			return nil
		}
		return fmt.Errorf("snapshot to import: %w", err)
	}
	if !registry.IsEmpty(c.opts.DataDir) {
		if c.opts.IgnoreIfExists {
			c.logger.Info("data directory already holds a database, skipping snapshot import", "path", path)
			return nil
		}
		return apperrors.Newf(apperrors.ErrAlreadyExists, http.StatusConflict,
			"data directory %s already holds a database, refusing to import %s", c.opts.DataDir, path)
	}

	staged, err := snapshot.NewCoordinator(c.snapshotOptions(), nil, c.metrics).Stage(ctx, path, c.opts.DataDir)
	if err != nil {
		return fmt.Errorf("importing snapshot %s: %w", path, err)
	}
	if err := staged.Install(c.opts.DataDir); err != nil {
		staged.Discard()
		return fmt.Errorf("importing snapshot %s: %w", path, err)
	}
	c.logger.Info("snapshot imported", "path", path, "indexes", len(staged.Manifest.Indexes))
	return nil
}
