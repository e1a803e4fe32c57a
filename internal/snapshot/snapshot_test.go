package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
)

const budget = 4 << 20

type fakePauser struct {
	mu      sync.Mutex
	paused  bool
	pauses  int
	resumes int
	err     error
}

func (p *fakePauser) Pause(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.paused = true
	p.pauses++
	return nil
}

func (p *fakePauser) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.resumes++
}

type instance struct {
	dataDir  string
	engine   *indexer.Engine
	registry *registry.Registry
	queue    *queue.Queue
}

func openInstance(t *testing.T, dataDir string) *instance {
	t.Helper()
	engine := indexer.NewEngine(indexer.Options{})
	reg, err := registry.Open(registry.Options{DataDir: dataDir, SizeBudget: budget}, engine, metrics.NewNop())
	require.NoError(t, err)
	q, err := queue.Open(queue.Options{Path: queue.Path(dataDir), SizeBudget: budget})
	require.NoError(t, err)
	return &instance{dataDir: dataDir, engine: engine, registry: reg, queue: q}
}

func (in *instance) close() {
	in.queue.Close()
	in.registry.Close()
}

func (in *instance) seed(t *testing.T, uid string, seq uint64, kind update.Kind) {
	t.Helper()
	if !in.registry.Exists(uid) {
		_, err := in.registry.Create(uid, "")
		require.NoError(t, err)
	}
	h, err := in.registry.Borrow(uid)
	require.NoError(t, err)
	defer h.Release()
	require.NoError(t, h.Env.Update(func(txn *kvstore.Txn) error {
		_, err := in.engine.Apply(context.Background(), txn, seq, kind)
		return err
	}))
}

func docs(raw ...string) update.DocumentsAddition {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return update.DocumentsAddition{Documents: out, Method: update.ReplaceDocuments}
}

func newCoordinator(t *testing.T, p Pauser) *Coordinator {
	return NewCoordinator(Options{Dir: filepath.Join(t.TempDir(), "snapshots"), SizeBudget: budget}, p, metrics.NewNop())
}

func createSnapshot(t *testing.T, c *Coordinator, in *instance) (string, *Manifest) {
	t.Helper()
	path, m, err := c.Create(context.Background(), in.registry, in.queue)
	require.NoError(t, err)
	return path, m
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	src := openInstance(t, t.TempDir())
	defer src.close()

	src.seed(t, "movies", 1, docs(`{"id":1,"title":"Alien"}`, `{"id":2,"title":"Heat"}`))
	src.seed(t, "movies", 2, update.SettingsUpdate{Settings: update.Settings{StopWords: update.Set([]string{"the"})}})
	src.seed(t, "books", 3, docs(`{"bookid":"x1","title":"Dune"}`))
	op, err := src.queue.Enqueue("movies", "", update.ClearAllDocuments{})
	require.NoError(t, err)

	pauser := &fakePauser{}
	c := newCoordinator(t, pauser)
	path, m := createSnapshot(t, c, src)
	assert.Equal(t, 1, pauser.pauses)
	assert.Equal(t, 1, pauser.resumes)
	assert.FileExists(t, path)
	assert.Len(t, m.Indexes, 2)
	assert.Len(t, m.Files, 4)

	dst := t.TempDir()
	staged, err := c.Stage(context.Background(), path, dst)
	require.NoError(t, err)
	require.NoError(t, staged.Install(dst))
	assert.NoDirExists(t, filepath.Join(dst, stagingDir))

	restored := openInstance(t, dst)
	defer restored.close()

	infos, err := restored.registry.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "books", infos[0].UID)
	assert.Equal(t, "movies", infos[1].UID)

	h, err := restored.registry.Borrow("movies")
	require.NoError(t, err)
	defer h.Release()
	require.NoError(t, h.Env.View(func(txn *kvstore.Txn) error {
		doc, err := indexer.GetDocument(txn, "2")
		require.NoError(t, err)
		assert.Equal(t, "Heat", doc["title"])
		settings, err := indexer.ReadSettings(txn)
		require.NoError(t, err)
		assert.Equal(t, []string{"the"}, settings.StopWords)
		applied, err := indexer.LastApplied(txn)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), applied.Seq)
		return nil
	}))

	got, err := restored.queue.Get(op.Seq)
	require.NoError(t, err)
	assert.Equal(t, update.StatusEnqueued, got.Status)
	next, err := restored.queue.Enqueue("books", "", update.ClearAllDocuments{})
	require.NoError(t, err)
	assert.Equal(t, op.Seq+1, next.Seq)
}

func TestRestoreReplacesExistingData(t *testing.T) {
	dataDir := t.TempDir()
	in := openInstance(t, dataDir)
	in.seed(t, "movies", 1, docs(`{"id":1}`))

	c := newCoordinator(t, &fakePauser{})
	path, _ := createSnapshot(t, c, in)

	require.NoError(t, in.registry.Delete(context.Background(), "movies"))
	in.seed(t, "other", 2, docs(`{"id":9}`))
	in.close()

	staged, err := c.Stage(context.Background(), path, dataDir)
	require.NoError(t, err)
	require.NoError(t, staged.Install(dataDir))

	in = openInstance(t, dataDir)
	defer in.close()
	assert.True(t, in.registry.Exists("movies"))
	assert.False(t, in.registry.Exists("other"))
}

func TestCorruptArchivesAreRejected(t *testing.T) {
	in := openInstance(t, t.TempDir())
	in.seed(t, "movies", 1, docs(`{"id":1}`, `{"id":2}`))
	c := newCoordinator(t, &fakePauser{})
	path, _ := createSnapshot(t, c, in)
	in.close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:len(b)/2] }},
		{"flipped byte", func(b []byte) []byte {
			out := append([]byte{}, b...)
			out[len(out)/2] ^= 0xff
			return out
		}},
		{"not an archive", func([]byte) []byte { return []byte("definitely not zstd") }},
		{"empty", func([]byte) []byte { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := filepath.Join(t.TempDir(), "bad"+Extension)
			require.NoError(t, os.WriteFile(bad, tt.mutate(data), 0o644))

			dataDir := t.TempDir()
			live := openInstance(t, dataDir)
			live.seed(t, "keep", 1, docs(`{"id":1}`))
			live.close()

			_, err := c.Stage(context.Background(), bad, dataDir)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidSnapshot), "got %v", err)
			assert.NoDirExists(t, filepath.Join(dataDir, stagingDir))

			live = openInstance(t, dataDir)
			defer live.close()
			assert.True(t, live.registry.Exists("keep"))
		})
	}
}

func TestManifestValidation(t *testing.T) {
	id := [16]byte{1}
	good := func() Manifest {
		return Manifest{
			FormatVersion: FormatVersion,
			Indexes:       []IndexEntry{{UID: "a", UUID: id}},
			Files: []FileEntry{
				{Name: registryName}, {Name: updatesName}, {Name: indexEntryName(id)},
			},
		}
	}

	m := good()
	_, err := m.validate()
	require.NoError(t, err)

	tests := map[string]func(*Manifest){
		"version":        func(m *Manifest) { m.FormatVersion = 99 },
		"missing queue":  func(m *Manifest) { m.Files = m.Files[:1] },
		"missing index":  func(m *Manifest) { m.Files = m.Files[:2] },
		"duplicate uid":  func(m *Manifest) { m.Indexes = append(m.Indexes, m.Indexes[0]) },
		"path traversal": func(m *Manifest) { m.Files = append(m.Files, FileEntry{Name: "../etc/passwd"}) },
		"stray file":     func(m *Manifest) { m.Files = append(m.Files, FileEntry{Name: indexEntryName([16]byte{2})}) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			m := good()
			mutate(&m)
			_, err := m.validate()
			assert.True(t, errors.Is(err, apperrors.ErrInvalidSnapshot), "got %v", err)
		})
	}
}

func TestCreateFailsWhenPauseFails(t *testing.T) {
	in := openInstance(t, t.TempDir())
	defer in.close()

	pauser := &fakePauser{err: context.DeadlineExceeded}
	c := newCoordinator(t, pauser)
	_, _, err := c.Create(context.Background(), in.registry, in.queue)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, pauser.resumes)

	list, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
