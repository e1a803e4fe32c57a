// Package snapshot writes and restores whole-instance archives.
//
// An archive is a zstd-compressed tar stream. Its first entry is
// manifest.json, followed by one BadgerDB backup stream per environment:
// registry.bak, updates.bak and indexes/<uuid>.bak. Creating a snapshot pauses
// the update processor so that no new update is claimed while the
// environments are exported; an update already running is allowed to finish.
package snapshot

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
)

// Extension is the file suffix of every archive.
const Extension = ".snapshot"

// Pauser stops and restarts update claims.
type Pauser interface {
	Pause(ctx context.Context, grace time.Duration) error
	Resume()
}

// Options configures the coordinator.
type Options struct {
	// Dir receives created archives.
	Dir string
	// GracePeriod is how long Create waits on a running update before
	// logging that it is still waiting.
	GracePeriod time.Duration
	// Workers bounds concurrent environment exports.
	Workers int
	// SizeBudget sizes the environments opened while restoring.
	SizeBudget int64
}

// Coordinator creates and restores snapshots.
type Coordinator struct {
	opts    Options
	pauser  Pauser
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

func NewCoordinator(opts Options, p Pauser, m *metrics.Metrics) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Coordinator{
		opts:    opts,
		pauser:  p,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With("component", "snapshot"),
	}
}

type source struct {
	name string
	env  *kvstore.Env
}

// Create pauses the processor and writes an archive of reg and q into the
// snapshot directory. It returns the archive path.
func (c *Coordinator) Create(ctx context.Context, reg *registry.Registry, q *queue.Queue) (string, *Manifest, error) {
	start := time.Now()
	path, m, err := c.create(ctx, reg, q)
	c.observe("create", start, err)
	if err != nil {
		return "", nil, err
	}
	c.logger.Info("snapshot created", "path", path, "indexes", len(m.Indexes), "duration", time.Since(start))
	return path, m, nil
}

func (c *Coordinator) create(ctx context.Context, reg *registry.Registry, q *queue.Queue) (string, *Manifest, error) {
	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	if err := c.pauser.Pause(ctx, c.opts.GracePeriod); err != nil {
		return "", nil, fmt.Errorf("pausing update processor: %w", err)
	}
	defer c.pauser.Resume()

	// The registry environment and the borrowed indexes must describe the
	// same set of indexes until every export is done.
	unfreeze := reg.Freeze()
	defer unfreeze()
	handles := reg.BorrowAll()
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()

	m := &Manifest{FormatVersion: FormatVersion, CreatedAt: c.now()}
	sources := []source{{registryName, reg.Store()}, {updatesName, q.Env()}}
	for _, h := range handles {
		m.Indexes = append(m.Indexes, IndexEntry{UID: h.UID, UUID: h.UUID})
		sources = append(sources, source{indexEntryName(h.UUID), h.Env})
	}

	work, err := os.MkdirTemp(c.opts.Dir, ".export-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating export dir: %w", err)
	}
	defer os.RemoveAll(work)

	m.Files = make([]FileEntry, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, src := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := exportEnv(filepath.Join(work, fmt.Sprintf("%d%s", i, backupExt)), src)
			if err != nil {
				return fmt.Errorf("exporting %s: %w", src.name, err)
			}
			m.Files[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}
	unfreeze()

	name := m.CreatedAt.Format("20060102-150405.000") + Extension
	dst := filepath.Join(c.opts.Dir, name)
	if err := writeArchive(dst, m, work); err != nil {
		return "", nil, err
	}
	return dst, m, nil
}

// exportEnv backs src up into path, hashing the stream as it is written.
func exportEnv(path string, src source) (FileEntry, error) {
	f, err := os.Create(path)
	if err != nil {
		return FileEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	if err := src.env.Backup(cw); err != nil {
		return FileEntry{}, err
	}
	if err := f.Sync(); err != nil {
		return FileEntry{}, err
	}
	return FileEntry{Name: src.name, Size: cw.n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// writeArchive streams the manifest and every exported file into dst through
// a temporary file renamed into place once complete.
func writeArchive(dst string, m *Manifest, work string) (err error) {
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating compressor: %w", err)
	}
	tw := tar.NewWriter(enc)

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	hdr := &tar.Header{Name: manifestName, Mode: 0o644, Size: int64(len(manifest)), ModTime: m.CreatedAt}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(manifest); err != nil {
		return err
	}

	for i, entry := range m.Files {
		if err := appendFile(tw, filepath.Join(work, fmt.Sprintf("%d%s", i, backupExt)), entry, m.CreatedAt); err != nil {
			return fmt.Errorf("archiving %s: %w", entry.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func appendFile(tw *tar.Writer, path string, entry FileEntry, modTime time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	hdr := &tar.Header{Name: entry.Name, Mode: 0o644, Size: entry.Size, ModTime: modTime}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// List returns the archives in the snapshot directory, oldest first.
func (c *Coordinator) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.opts.Dir, "*"+Extension))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (c *Coordinator) observe(kind string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		c.logger.Error("snapshot "+kind+" failed", "error", err)
	}
	c.metrics.SnapshotsTotal.WithLabelValues(kind, status).Inc()
	c.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
