package snapshot

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

const (
	stagingDir = ".restore-staging"
	retiredDir = ".restore-retired"

	maxManifestSize = 16 << 20
)

// Staged is a fully extracted and verified archive waiting to replace the
// live data directory.
type Staged struct {
	Dir      string
	Manifest *Manifest

	coordinator *Coordinator
	start       time.Time
}

// Stage extracts the archive at src into a staging directory inside dataDir
// and verifies every entry against the manifest. Nothing outside the staging
// directory is modified, so a corrupt archive leaves the instance untouched.
func (c *Coordinator) Stage(ctx context.Context, src, dataDir string) (*Staged, error) {
	start := time.Now()
	s, err := c.stage(ctx, src, dataDir)
	if err != nil {
		c.observe("restore", start, err)
		return nil, err
	}
	s.start = start
	return s, nil
}

func (c *Coordinator) stage(ctx context.Context, src, dataDir string) (*Staged, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	dir := filepath.Join(dataDir, stagingDir)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing staging dir: %w", err)
	}
	if err := os.MkdirAll(registry.IndexesPath(dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	m, err := c.extract(ctx, f, dir)
	if err == nil {
		err = c.verify(dir, m)
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &Staged{Dir: dir, Manifest: m, coordinator: c}, nil
}

func (c *Coordinator) extract(ctx context.Context, r io.Reader, dir string) (*Manifest, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, invalid("opening compressed stream: %v", err)
	}
	defer dec.Close()
	tr := tar.NewReader(dec)

	hdr, err := tr.Next()
	if err != nil {
		return nil, invalid("reading manifest: %v", err)
	}
	if hdr.Name != manifestName || hdr.Size > maxManifestSize {
		return nil, invalid("first entry is %s, want %s", hdr.Name, manifestName)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, invalid("reading manifest: %v", err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}
	files, err := m.validate()
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]bool, len(files))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, invalid("reading archive: %v", err)
		}
		want, ok := files[hdr.Name]
		if !ok || loaded[hdr.Name] || hdr.Typeflag != tar.TypeReg {
			return nil, invalid("unexpected entry %s", hdr.Name)
		}
		if err := c.loadEntry(tr, envPath(dir, hdr.Name), want); err != nil {
			return nil, err
		}
		loaded[hdr.Name] = true
	}
	if len(loaded) != len(files) {
		return nil, invalid("archive is truncated: %d of %d entries present", len(loaded), len(files))
	}
	return m, nil
}

// loadEntry replays one backup stream into a fresh environment at path while
// checking its size and checksum.
func (c *Coordinator) loadEntry(r io.Reader, path string, want FileEntry) error {
	env, err := kvstore.Open(kvstore.Options{Path: path, SizeBudget: c.opts.SizeBudget})
	if err != nil {
		return err
	}
	defer env.Close()

	h := sha256.New()
	tee := io.TeeReader(r, h)
	cr := &countingReader{r: tee}
	if err := env.Load(cr); err != nil {
		return invalid("loading %s: %v", want.Name, err)
	}
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return invalid("reading %s: %v", want.Name, err)
	}
	if cr.n != want.Size {
		return invalid("%s is %d bytes, manifest says %d", want.Name, cr.n, want.Size)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != want.SHA256 {
		return invalid("%s checksum mismatch", want.Name)
	}
	return nil
}

// verify reopens the staged environments and checks they agree with the
// manifest.
func (c *Coordinator) verify(dir string, m *Manifest) error {
	store, err := kvstore.Open(kvstore.Options{Path: registry.RegistryPath(dir), SizeBudget: c.opts.SizeBudget})
	if err != nil {
		return err
	}
	records, err := registry.ReadRecords(store)
	store.Close()
	if err != nil {
		return invalid("reading staged registry: %v", err)
	}
	if len(records) != len(m.Indexes) {
		return invalid("registry holds %d indexes, manifest lists %d", len(records), len(m.Indexes))
	}
	for _, idx := range m.Indexes {
		if records[idx.UID] != idx.UUID {
			return invalid("index %s is not registered under %s", idx.UID, idx.UUID)
		}
		if err := verifyIndex(registry.IndexPath(dir, idx.UUID), c.opts.SizeBudget); err != nil {
			return invalid("index %s: %v", idx.UID, err)
		}
	}
	return nil
}

func verifyIndex(path string, budget int64) error {
	env, err := kvstore.Open(kvstore.Options{Path: path, SizeBudget: budget})
	if err != nil {
		return err
	}
	defer env.Close()
	return env.View(func(txn *kvstore.Txn) error {
		_, err := indexer.ReadMeta(txn)
		return err
	})
}

// Install swaps the staged environments in place of those in dataDir. Every
// environment under dataDir must be closed. If a rename fails midway the
// previous directories are moved back.
func (s *Staged) Install(dataDir string) (err error) {
	defer func() { s.coordinator.observe("restore", s.start, err) }()

	retired := filepath.Join(dataDir, retiredDir)
	if err := os.RemoveAll(retired); err != nil {
		return err
	}
	if err := os.MkdirAll(retired, 0o755); err != nil {
		return err
	}

	targets := []string{
		registry.RegistryPath(""),
		queue.Path(""),
		registry.IndexesPath(""),
	}
	var moved, installed []string
	rollback := func() {
		for _, t := range installed {
			os.RemoveAll(filepath.Join(dataDir, t))
		}
		for _, t := range moved {
			os.Rename(filepath.Join(retired, t), filepath.Join(dataDir, t))
		}
	}

	for _, t := range targets {
		live := filepath.Join(dataDir, t)
		if _, statErr := os.Stat(live); statErr == nil {
			if err := os.Rename(live, filepath.Join(retired, t)); err != nil {
				rollback()
				return fmt.Errorf("retiring %s: %w", t, err)
			}
			moved = append(moved, t)
		}
	}
	for _, t := range targets {
		if err := os.Rename(filepath.Join(s.Dir, t), filepath.Join(dataDir, t)); err != nil {
			rollback()
			return fmt.Errorf("installing %s: %w", t, err)
		}
		installed = append(installed, t)
	}

	if err := os.RemoveAll(retired); err != nil {
		s.coordinator.logger.Warn("removing retired environments failed", "error", err)
	}
	os.RemoveAll(s.Dir)
	s.coordinator.logger.Info("snapshot restored", "indexes", len(s.Manifest.Indexes), "created_at", s.Manifest.CreatedAt)
	return nil
}

// Discard removes the staged files.
func (s *Staged) Discard() error {
	return os.RemoveAll(s.Dir)
}

func envPath(dir, name string) string {
	switch name {
	case registryName:
		return registry.RegistryPath(dir)
	case updatesName:
		return queue.Path(dir)
	}
	id, _ := uuidFromEntry(name)
	return registry.IndexPath(dir, id)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
