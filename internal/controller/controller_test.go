package controller

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
)

const budget = 4 << 20

func testOptions(t *testing.T, dataDir string) Options {
	return Options{
		DataDir:          dataDir,
		IndexSizeBudget:  budget,
		QueueSizeBudget:  budget,
		ApplyWorkers:     2,
		CheckpointEvery:  10,
		IdlePollInterval: 20 * time.Millisecond,
		SnapshotDir:      filepath.Join(t.TempDir(), "snapshots"),
		GracePeriod:      time.Second,
	}
}

type harness struct {
	*Controller
	stopRun func()
}

func start(t *testing.T, opts Options, qc *cache.QueryCache) *harness {
	t.Helper()
	c, err := Open(context.Background(), opts, metrics.NewNop(), qc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Run(ctx))
	}()
	h := &harness{Controller: c}
	var once sync.Once
	h.stopRun = func() {
		once.Do(func() {
			cancel()
			<-done
			c.Close()
		})
	}
	t.Cleanup(h.stopRun)
	return h
}

func addDocs(docs ...string) update.DocumentsAddition {
	raw := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		raw[i] = json.RawMessage(d)
	}
	return update.DocumentsAddition{Documents: raw, Method: update.ReplaceDocuments}
}

func (h *harness) apply(t *testing.T, uid string, kind update.Kind) update.Operation {
	t.Helper()
	op, err := h.Enqueue(context.Background(), uid, kind)
	require.NoError(t, err)
	done, err := h.Await(context.Background(), op.Seq, 20*time.Second)
	require.NoError(t, err)
	return done
}

func TestEnqueueValidation(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	ctx := context.Background()

	_, err := h.Enqueue(ctx, "missing", update.ClearAllDocuments{})
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)
	_, err = h.Enqueue(ctx, "missing", update.DocumentsDeletion{IDs: []string{"1"}})
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)
	_, err = h.Enqueue(ctx, "missing", update.RenameIndex{NewUID: "other"})
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)

	_, err = h.Enqueue(ctx, "bad uid!", addDocs(`{"id":1}`))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.CreateIndex(ctx, "books", "id")
	require.NoError(t, err)
	_, err = h.Enqueue(ctx, "books", update.RenameIndex{NewUID: "books"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = h.Enqueue(ctx, "books", update.RenameIndex{NewUID: "no spaces"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestEnqueueProcessAndRead(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)

	op := h.apply(t, "books", addDocs(
		`{"id":"1","title":"Dune","author":"Frank Herbert"}`,
		`{"id":"2","title":"Emma","author":"Jane Austen"}`,
	))
	require.Equal(t, update.StatusProcessed, op.Status, "error: %+v", op.Error)
	assert.True(t, op.Outcome.CreatedIndex)
	assert.Equal(t, 2, op.Outcome.IndexedDocuments)

	doc, err := h.GetDocument("books", "1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", doc["title"])

	res, err := h.Search(context.Background(), "books", indexer.SearchRequest{Query: "herbert"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "1", res.Hits[0]["id"])

	stats, err := h.Stats("books")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NumberOfDocuments)

	ops, err := h.IndexUpdates("books")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.Seq, ops[0].Seq)

	got, err := h.Update(op.Seq)
	require.NoError(t, err)
	assert.Equal(t, update.StatusProcessed, got.Status)

	_, err = h.IndexUpdates("films")
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)
	_, err = h.GetDocument("films", "1")
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)
}

func TestAwaitTimesOutWhileNothingRuns(t *testing.T) {
	c, err := Open(context.Background(), testOptions(t, t.TempDir()), metrics.NewNop(), nil)
	require.NoError(t, err)
	defer c.Close()

	op, err := c.Enqueue(context.Background(), "books", addDocs(`{"id":"1"}`))
	require.NoError(t, err)
	got, err := c.Await(context.Background(), op.Seq, 30*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Equal(t, update.StatusEnqueued, got.Status)

	aborted, err := c.Cancel(context.Background(), op.Seq)
	require.NoError(t, err)
	assert.Equal(t, update.StatusAborted, aborted.Status)
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	ctx := context.Background()

	h.apply(t, "books", addDocs(
		`{"id":"1","title":"Dune","year":1965}`,
		`{"id":"2","title":"Emma","year":1815}`,
		`{"id":"3","title":"Ulysses","year":1922}`,
	))
	op := h.apply(t, "books", update.SettingsUpdate{Settings: update.Settings{
		StopWords:           update.Set([]string{"the"}),
		DisplayedAttributes: update.Set([]string{"id", "title"}),
	}})
	require.Equal(t, update.StatusProcessed, op.Status)

	wantDocs, err := h.ListDocuments("books", 0, 100)
	require.NoError(t, err)
	wantSettings, err := h.Settings("books")
	require.NoError(t, err)

	path, manifest, err := h.CreateSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, manifest.Indexes, 1)

	require.NoError(t, h.DeleteIndex(ctx, "books"))
	_, err = h.GetIndex("books")
	require.ErrorIs(t, err, apperrors.ErrIndexNotFound)

	require.NoError(t, h.RestoreSnapshot(ctx, path))

	gotDocs, err := h.ListDocuments("books", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, wantDocs, gotDocs)
	gotSettings, err := h.Settings("books")
	require.NoError(t, err)
	assert.Equal(t, wantSettings, gotSettings)

	// the processor runs again on the restored storage
	next := h.apply(t, "books", addDocs(`{"id":"4","title":"Beloved","year":1987}`))
	assert.Equal(t, update.StatusProcessed, next.Status)
	assert.Greater(t, next.Seq, op.Seq)
	stats, err := h.Stats("books")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.NumberOfDocuments)
}

func TestRestoreRefusesPopulatedInstance(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	h.apply(t, "books", addDocs(`{"id":"1"}`))
	path, _, err := h.CreateSnapshot(context.Background())
	require.NoError(t, err)

	err = h.RestoreSnapshot(context.Background(), path)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	_, err = h.GetIndex("books")
	assert.NoError(t, err)
}

func TestRestoreDoesNotReuseUpdateIDs(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	ctx := context.Background()

	first := h.apply(t, "books", addDocs(`{"id":"1"}`))
	require.Equal(t, uint64(0), first.Seq)
	path, _, err := h.CreateSnapshot(ctx)
	require.NoError(t, err)

	h.apply(t, "books", addDocs(`{"id":"2"}`))
	last := h.apply(t, "books", addDocs(`{"id":"3"}`))
	require.Equal(t, uint64(2), last.Seq)
	require.NoError(t, h.DeleteIndex(ctx, "books"))

	require.NoError(t, h.RestoreSnapshot(ctx, path))

	next := h.apply(t, "books", addDocs(`{"id":"4"}`))
	assert.Equal(t, update.StatusProcessed, next.Status)
	assert.Equal(t, uint64(3), next.Seq)
}

func TestSnapshotsStayConsistentUnderIndexChurn(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	ctx := context.Background()
	_, err := h.CreateIndex(ctx, "stable", "id")
	require.NoError(t, err)

	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			uid := "churn-" + strconv.Itoa(i%3)
			_, err := h.CreateIndex(ctx, uid, "id")
			if errors.Is(err, apperrors.ErrAlreadyExists) {
				assert.NoError(t, h.DeleteIndex(ctx, uid))
				continue
			}
			assert.NoError(t, err)
		}
	}()

	var paths []string
	for range 5 {
		path, _, err := h.CreateSnapshot(ctx)
		require.NoError(t, err)
		paths = append(paths, path)
	}
	close(stop)
	<-churned

	coordinator := snapshot.NewCoordinator(h.snapshotOptions(), nil, metrics.NewNop())
	for _, path := range paths {
		staged, err := coordinator.Stage(ctx, path, t.TempDir())
		require.NoError(t, err, "archive %s", filepath.Base(path))
		assert.NotEmpty(t, staged.Manifest.Indexes)
		require.NoError(t, staged.Discard())
	}
}

func TestRestoreCorruptArchiveKeepsInstanceRunning(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	bogus := filepath.Join(t.TempDir(), "bogus.snapshot")
	require.NoError(t, os.WriteFile(bogus, []byte("not a snapshot"), 0o644))

	err := h.RestoreSnapshot(context.Background(), bogus)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSnapshot)

	op := h.apply(t, "books", addDocs(`{"id":"1"}`))
	assert.Equal(t, update.StatusProcessed, op.Status)
}

func TestImportOnStart(t *testing.T) {
	src := start(t, testOptions(t, t.TempDir()), nil)
	src.apply(t, "books", addDocs(`{"id":"1","title":"Dune"}`, `{"id":"2","title":"Emma"}`))
	path, _, err := src.CreateSnapshot(context.Background())
	require.NoError(t, err)
	src.stopRun()

	t.Run("imports into an empty data dir", func(t *testing.T) {
		opts := testOptions(t, t.TempDir())
		opts.ImportPath = path
		c, err := Open(context.Background(), opts, metrics.NewNop(), nil)
		require.NoError(t, err)
		defer c.Close()
		stats, err := c.Stats("books")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.NumberOfDocuments)
	})

	t.Run("missing archive", func(t *testing.T) {
		opts := testOptions(t, t.TempDir())
		opts.ImportPath = filepath.Join(t.TempDir(), "absent.snapshot")
		_, err := Open(context.Background(), opts, metrics.NewNop(), nil)
		require.Error(t, err)

		opts.IgnoreMissing = true
		c, err := Open(context.Background(), opts, metrics.NewNop(), nil)
		require.NoError(t, err)
		c.Close()
	})

	t.Run("existing database", func(t *testing.T) {
		opts := testOptions(t, t.TempDir())
		c, err := Open(context.Background(), opts, metrics.NewNop(), nil)
		require.NoError(t, err)
		c.Close()

		opts.ImportPath = path
		_, err = Open(context.Background(), opts, metrics.NewNop(), nil)
		assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)

		opts.IgnoreIfExists = true
		c, err = Open(context.Background(), opts, metrics.NewNop(), nil)
		require.NoError(t, err)
		defer c.Close()
		assert.Zero(t, len(mustList(t, c)))
	})
}

func mustList(t *testing.T, c *Controller) []string {
	t.Helper()
	infos, err := c.ListIndexes()
	require.NoError(t, err)
	uids := make([]string, 0, len(infos))
	for _, info := range infos {
		uids = append(uids, info.UID)
	}
	return uids
}

func TestRenameKeepsDocuments(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	h.apply(t, "books", addDocs(`{"id":"1","title":"Dune"}`))
	op := h.apply(t, "books", update.RenameIndex{NewUID: "novels"})
	require.Equal(t, update.StatusProcessed, op.Status)

	assert.Equal(t, []string{"novels"}, mustList(t, h.Controller))
	doc, err := h.GetDocument("novels", "1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", doc["title"])
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *memStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (s *memStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = string(value.([]byte))
	return nil
}

func (s *memStore) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.data {
		if strings.HasPrefix(k, strings.TrimSuffix(pattern, "*")) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

func TestSearchCacheFollowsUpdates(t *testing.T) {
	qc := cache.New(&memStore{data: make(map[string]string)}, "search:", time.Minute, metrics.NewNop())
	h := start(t, testOptions(t, t.TempDir()), qc)
	ctx := context.Background()
	req := indexer.SearchRequest{Query: "dune"}

	h.apply(t, "books", addDocs(`{"id":"1","title":"Dune"}`))
	first, err := h.Search(ctx, "books", req)
	require.NoError(t, err)
	require.Len(t, first.Hits, 1)

	_, err = h.Search(ctx, "books", req)
	require.NoError(t, err)
	hits, _ := qc.Stats()
	assert.Equal(t, int64(1), hits)

	h.apply(t, "books", addDocs(`{"id":"2","title":"Dune Messiah"}`))
	after, err := h.Search(ctx, "books", req)
	require.NoError(t, err)
	assert.Len(t, after.Hits, 2, "a committed update must never be hidden by a cached response")
	hits, _ = qc.Stats()
	assert.Equal(t, int64(1), hits)
}

func TestPruneDropsFinishedRecords(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	opts.Retention = time.Nanosecond
	h := start(t, opts, nil)
	op := h.apply(t, "books", addDocs(`{"id":"1"}`))

	time.Sleep(5 * time.Millisecond)
	h.prune(context.Background())
	_, err := h.Update(op.Seq)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	ops, err := h.Updates(0, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestHealthChecks(t *testing.T) {
	h := start(t, testOptions(t, t.TempDir()), nil)
	hc := health.NewChecker(time.Second)
	h.RegisterHealth(hc)
	report := hc.Run(context.Background())
	assert.Equal(t, health.StatusUp, report.Status)
	assert.Len(t, report.Components, 3)

	h.stopRun()
	report = hc.Run(context.Background())
	assert.Equal(t, health.StatusDown, report.Components["storage"].Status)
}

func TestScheduledSnapshots(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	opts.SnapshotInterval = 50 * time.Millisecond
	h := start(t, opts, nil)
	h.apply(t, "books", addDocs(`{"id":"1","title":"Dune"}`))

	require.Eventually(t, func() bool {
		paths, err := h.Snapshots()
		return err == nil && len(paths) > 0
	}, 10*time.Second, 20*time.Millisecond)
}
