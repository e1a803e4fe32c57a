// Package kvstore provides the storage environment used for every index, for
// the update queue and for the index registry.
//
// An Env wraps one BadgerDB directory and gives it the discipline the rest of
// the system relies on: any number of concurrent, snapshot-isolated read
// transactions, and at most one write transaction open at a time. Engine
// errors are wrapped with errors.ErrStorage so callers can tell a storage
// fault from a payload or algorithm failure.
package kvstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

// ErrTxnTooBig is returned when a single write transaction outgrows the
// environment's size budget.
var ErrTxnTooBig = badger.ErrTxnTooBig

// ErrClosed is returned by operations on a closed environment.
var ErrClosed = errors.New("environment closed")

const (
	minSizeBudget         = 4 << 20
	defaultValueThreshold = 1 << 20
	maxValueLogSize       = 1<<30 - 1
	loadMaxPendingKeys    = 256
)

// Options configures an environment.
type Options struct {
	// Path is the directory holding the environment files. Ignored when
	// InMemory is set.
	Path string

	// SizeBudget bounds the memory an environment may map for pending writes.
	// A write transaction may grow to roughly 15% of it.
	SizeBudget int64

	SyncWrites bool
	InMemory   bool

	// GCInterval triggers value log garbage collection. Zero disables it.
	GCInterval time.Duration

	Logger *slog.Logger
}

// Env is one transactional key-value environment.
type Env struct {
	db       *badger.DB
	path     string
	inMemory bool
	writeMu  sync.Mutex
	closed   atomic.Bool
	gc       *gcRunner
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates the directory if needed and opens the environment.
func Open(opts Options) (*Env, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("path is required for persistent environment")
	}
	budget := opts.SizeBudget
	if budget < minSizeBudget {
		budget = minSizeBudget
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, apperrors.Storage(fmt.Sprintf("creating environment directory %s", opts.Path), err)
		}
		bopts = badger.DefaultOptions(opts.Path)
		bopts = bopts.WithValueLogFileSize(min(budget, maxValueLogSize))
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithMemTableSize(budget).
		WithValueThreshold(valueThreshold(budget)).
		WithNumMemtables(2).
		WithBlockCacheSize(budget / 4).
		WithIndexCacheSize(0)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("opening environment %s", opts.Path), err)
	}
	env := &Env{
		db:       db,
		path:     opts.Path,
		inMemory: opts.InMemory,
	}
	if opts.GCInterval > 0 && !opts.InMemory {
		env.gc = newGCRunner(db, opts.GCInterval, opts.Logger)
		env.gc.start()
	}
	return env, nil
}

// valueThreshold keeps badger's value-log threshold below the largest batch
// a memtable of budget bytes accepts. Badger refuses to open otherwise.
func valueThreshold(budget int64) int64 {
	maxBatch := budget * 15 / 100
	return min(defaultValueThreshold, maxBatch/2)
}

// Path returns the directory of the environment, or "" when in memory.
func (e *Env) Path() string {
	return e.path
}

// View runs fn inside a read transaction. The transaction observes a
// consistent snapshot as of its start and never blocks on writers.
func (e *Env) View(fn func(txn *Txn) error) error {
	if e.closed.Load() {
		return apperrors.Storage("view", ErrClosed)
	}
	txn := e.db.NewTransaction(false)
	defer txn.Discard()
	return fn(&Txn{txn: txn})
}

// Update runs fn inside a write transaction and commits it if fn succeeds.
func (e *Env) Update(fn func(txn *Txn) error) error {
	w, err := e.BeginWrite()
	if err != nil {
		return err
	}
	defer w.Discard()
	if err := fn(w.Txn); err != nil {
		return err
	}
	return w.Commit()
}

// BeginWrite opens the environment's single write transaction, waiting for
// any other writer to finish. The caller must Commit or Discard it.
func (e *Env) BeginWrite() (*WriteTxn, error) {
	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return nil, apperrors.Storage("begin write", ErrClosed)
	}
	return &WriteTxn{Txn: &Txn{txn: e.db.NewTransaction(true)}, env: e}, nil
}

// Backup streams a consistent copy of the environment to w.
func (e *Env) Backup(w io.Writer) error {
	if e.closed.Load() {
		return apperrors.Storage("backup", ErrClosed)
	}
	if _, err := e.db.Backup(w, 0); err != nil {
		return apperrors.Storage("backing up environment", err)
	}
	return nil
}

// Load restores a stream produced by Backup into the environment.
func (e *Env) Load(r io.Reader) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.db.Load(r, loadMaxPendingKeys); err != nil {
		return apperrors.Storage("loading environment", err)
	}
	return nil
}

// Size reports the on-disk size of the LSM tree and the value log.
func (e *Env) Size() int64 {
	lsm, vlog := e.db.Size()
	return lsm + vlog
}

// Close stops garbage collection and closes the environment, waiting for an
// open write transaction to finish first. It is safe to call twice.
func (e *Env) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.gc != nil {
		e.gc.stop()
	}
	if err := e.db.Close(); err != nil {
		return apperrors.Storage(fmt.Sprintf("closing environment %s", e.path), err)
	}
	return nil
}

// Destroy closes the environment and removes its files.
func (e *Env) Destroy() error {
	if err := e.Close(); err != nil {
		return err
	}
	return RemoveDir(e.path)
}

// RemoveDir removes an environment directory. Empty paths are a no-op.
func RemoveDir(path string) error {
	if path == "" {
		return nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if err := os.RemoveAll(absPath); err != nil {
		return apperrors.Storage(fmt.Sprintf("removing environment %s", absPath), err)
	}
	return nil
}

// Exists reports whether path holds an environment.
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, badger.ManifestFilename))
	return err == nil
}
