package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(Options{Path: filepath.Join(t.TempDir(), "env"), SizeBudget: 8 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestUpdateAndViewPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	env, err := Open(Options{Path: path, SizeBudget: 8 << 20, SyncWrites: true})
	require.NoError(t, err)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("v"))
	}))
	require.NoError(t, env.Close())
	assert.True(t, Exists(path))

	env, err = Open(Options{Path: path, SizeBudget: 8 << 20})
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.View(func(txn *Txn) error {
		val, ok, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v"), val)

		_, ok, err = txn.Get([]byte("missing"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	env := openTestEnv(t)
	boom := errors.New("boom")

	err := env.Update(func(txn *Txn) error {
		require.NoError(t, txn.Put([]byte("k"), []byte("v")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, env.View(func(txn *Txn) error {
		_, ok, err := txn.Get([]byte("k"))
		assert.False(t, ok)
		return err
	}))
}

func TestReadTxnIsSnapshotIsolated(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("old"))
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		require.NoError(t, env.Update(func(w *Txn) error {
			return w.Put([]byte("k"), []byte("new"))
		}))
		val, _, err := txn.Get([]byte("k"))
		assert.Equal(t, []byte("old"), val)
		return err
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		val, _, err := txn.Get([]byte("k"))
		assert.Equal(t, []byte("new"), val)
		return err
	}))
}

func TestBeginWriteIsExclusive(t *testing.T) {
	env := openTestEnv(t)
	w, err := env.BeginWrite()
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		w2, err := env.BeginWrite()
		if err == nil {
			w2.Discard()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired while first was open")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, w.Commit())
	w.Discard()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired")
	}
}

func TestIterateOrderAndStop(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(txn *Txn) error {
		for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
			if err := txn.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var forward, backward []string
	require.NoError(t, env.View(func(txn *Txn) error {
		if err := txn.Iterate([]byte("a/"), false, func(k, _ []byte) error {
			forward = append(forward, string(k))
			return nil
		}); err != nil {
			return err
		}
		return txn.Iterate([]byte("a/"), true, func(k, _ []byte) error {
			backward = append(backward, string(k))
			if len(backward) == 2 {
				return ErrStop
			}
			return nil
		})
	}))
	assert.Equal(t, []string{"a/1", "a/2", "a/3"}, forward)
	assert.Equal(t, []string{"a/3", "a/2"}, backward)

	require.NoError(t, env.View(func(txn *Txn) error {
		n, err := txn.Count([]byte("b/"))
		assert.Equal(t, 1, n)
		return err
	}))
}

func TestDeletePrefix(t *testing.T) {
	env := openTestEnv(t)
	const n = 1000
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := range n {
			if err := txn.Put(fmt.Appendf(nil, "d/%04d", i), []byte("v")); err != nil {
				return err
			}
		}
		return txn.Put([]byte("e/keep"), []byte("v"))
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		// written in this txn, so only visible through its pending writes
		require.NoError(t, txn.Put([]byte("d/fresh"), []byte("v")))
		deleted, err := txn.DeletePrefix([]byte("d/"))
		require.NoError(t, err)
		assert.Equal(t, n+1, deleted)

		left, err := txn.Count([]byte("d/"))
		require.NoError(t, err)
		assert.Zero(t, left)
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		left, err := txn.Count([]byte("d/"))
		require.NoError(t, err)
		assert.Zero(t, left)
		_, ok, err := txn.Get([]byte("e/keep"))
		assert.True(t, ok)
		return err
	}))
}

func TestBackupLoadRoundTrip(t *testing.T) {
	src := openTestEnv(t)
	require.NoError(t, src.Update(func(txn *Txn) error {
		return txn.Put([]byte("doc/1"), []byte(`{"id":1}`))
	}))

	var buf bytes.Buffer
	require.NoError(t, src.Backup(&buf))

	dst := openTestEnv(t)
	require.NoError(t, dst.Load(&buf))
	require.NoError(t, dst.View(func(txn *Txn) error {
		val, ok, err := txn.Get([]byte("doc/1"))
		assert.True(t, ok)
		assert.Equal(t, []byte(`{"id":1}`), val)
		return err
	}))
}

func TestClosedEnvReportsStorageError(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Close())
	require.NoError(t, env.Close())

	err := env.View(func(*Txn) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	_, err = env.BeginWrite()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDestroyRemovesFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	env, err := Open(Options{Path: path, SizeBudget: 8 << 20})
	require.NoError(t, err)
	require.True(t, Exists(path))
	require.NoError(t, env.Destroy())
	assert.False(t, Exists(path))
}

func TestConcurrentReadersDuringWrite(t *testing.T) {
	env := openTestEnv(t)
	w, err := env.BeginWrite()
	require.NoError(t, err)
	defer w.Discard()
	require.NoError(t, w.Put([]byte("pending"), []byte("x")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.View(func(txn *Txn) error {
				_, ok, err := txn.Get([]byte("pending"))
				assert.False(t, ok)
				return err
			}))
		}()
	}
	wg.Wait()
}

func TestOpenAtMinimumBudget(t *testing.T) {
	for _, budget := range []int64{0, 2048, minSizeBudget} {
		env, err := Open(Options{Path: filepath.Join(t.TempDir(), "env"), SizeBudget: budget})
		require.NoError(t, err, "budget %d", budget)

		large := bytes.Repeat([]byte("x"), int(valueThreshold(minSizeBudget))+1)
		require.NoError(t, env.Update(func(txn *Txn) error {
			return txn.Put([]byte("large"), large)
		}))
		require.NoError(t, env.View(func(txn *Txn) error {
			val, ok, err := txn.Get([]byte("large"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, large, val)
			return nil
		}))
		require.NoError(t, env.Close())
	}

	env, err := Open(Options{InMemory: true, SizeBudget: minSizeBudget})
	require.NoError(t, err)
	require.NoError(t, env.Close())
}

func TestValueThresholdFitsBatch(t *testing.T) {
	assert.Equal(t, int64(defaultValueThreshold), valueThreshold(64<<20))
	for _, budget := range []int64{minSizeBudget, 6 << 20, 8 << 20} {
		assert.Less(t, valueThreshold(budget), budget*15/100)
	}
}
