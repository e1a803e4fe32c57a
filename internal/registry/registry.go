// Package registry maps index uids to their storage environments.
//
// The uid -> uuid mapping is persisted in a dedicated environment so that an
// index keeps its directory (indexes/<uuid>) across renames. The in-memory
// map is guarded by an RWMutex held only for map access; environment I/O
// never runs under it, so lookups do not wait on an unrelated create, rename
// or delete. Structural changes are serialised by a second mutex, which
// Freeze holds to keep the set of indexes stable while it is exported.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
)

const (
	registryDir = "registry"
	indexesDir  = "indexes"
)

var validUID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,400}$`)

var uidPrefix = []byte("uid/")

// Options configures the registry and the environments it opens.
type Options struct {
	DataDir    string
	SizeBudget int64
	SyncWrites bool
	GCInterval time.Duration
}

// Info summarises one index.
type Info struct {
	UID        string    `json:"uid"`
	UUID       uuid.UUID `json:"uuid"`
	PrimaryKey string    `json:"primaryKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type record struct {
	UUID      uuid.UUID `json:"uuid"`
	CreatedAt time.Time `json:"createdAt"`
}

type entry struct {
	uuid uuid.UUID
	env  *kvstore.Env
	refs sync.WaitGroup
}

// Handle is a borrowed index environment. Release must be called once the
// caller is done with Env.
type Handle struct {
	UID  string
	UUID uuid.UUID
	Env  *kvstore.Env

	once  sync.Once
	entry *entry
}

// Release returns the borrow. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(h.entry.refs.Done)
}

// Registry owns every open index environment.
type Registry struct {
	opts    Options
	engine  *indexer.Engine
	store   *kvstore.Env
	metrics *metrics.Metrics
	logger  *slog.Logger

	// structure serialises Create, Rename and Delete against each other
	// and against Freeze. It is never taken while holding mu.
	structure sync.Mutex

	mu      sync.RWMutex
	indexes map[string]*entry
}

// ValidateUID rejects uids that are not made of ASCII alphanumerics, '-' and '_'.
func ValidateUID(uid string) error {
	if !validUID.MatchString(uid) {
		return fmt.Errorf("%w: index uid %q is badly formatted, it must be alphanumeric, '-' or '_'", apperrors.ErrValidation, uid)
	}
	return nil
}

// Open loads the registry environment and opens every registered index.
func Open(opts Options, engine *indexer.Engine, m *metrics.Metrics) (*Registry, error) {
	store, err := kvstore.Open(kvstore.Options{
		Path:       filepath.Join(opts.DataDir, registryDir),
		SizeBudget: opts.SizeBudget,
		SyncWrites: opts.SyncWrites,
		Logger:     slog.Default().With("component", "kvstore", "env", registryDir),
	})
	if err != nil {
		return nil, err
	}
	r := &Registry{
		opts:    opts,
		engine:  engine,
		store:   store,
		metrics: m,
		logger:  slog.Default().With("component", "registry"),
		indexes: make(map[string]*entry),
	}

	records, err := ReadRecords(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	for uid, id := range records {
		env, err := r.openEnv(id)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("opening index %s: %w", uid, err)
		}
		r.indexes[uid] = &entry{uuid: id, env: env}
	}
	r.metrics.Indexes.Set(float64(len(r.indexes)))
	r.logger.Info("registry loaded", "indexes", len(r.indexes), "data_dir", opts.DataDir)
	return r, nil
}

// ReadRecords returns the uid -> uuid mapping persisted in a registry
// environment.
func ReadRecords(store *kvstore.Env) (map[string]uuid.UUID, error) {
	records := make(map[string]uuid.UUID)
	err := store.View(func(txn *kvstore.Txn) error {
		return txn.Iterate(uidPrefix, false, func(key, val []byte) error {
			var rec record
			if err := json.Unmarshal(val, &rec); err != nil {
				return apperrors.Storage("decoding registry record", err)
			}
			records[string(key[len(uidPrefix):])] = rec.UUID
			return nil
		})
	})
	return records, err
}

// Create registers uid and initialises an empty environment for it.
func (r *Registry) Create(uid, primaryKey string) (Info, error) {
	if err := ValidateUID(uid); err != nil {
		return Info{}, err
	}
	r.structure.Lock()
	defer r.structure.Unlock()
	if r.Exists(uid) {
		return Info{}, fmt.Errorf("index %q: %w", uid, apperrors.ErrAlreadyExists)
	}

	e, info, err := r.materialize(uid, primaryKey)
	if err != nil {
		return Info{}, err
	}
	r.mu.Lock()
	r.indexes[uid] = e
	r.metrics.Indexes.Set(float64(len(r.indexes)))
	r.mu.Unlock()
	r.logger.Info("index created", "uid", uid, "uuid", e.uuid)
	return info, nil
}

func (r *Registry) materialize(uid, primaryKey string) (*entry, Info, error) {
	id := uuid.New()
	env, err := r.openEnv(id)
	if err != nil {
		return nil, Info{}, err
	}
	now := time.Now().UTC()
	if err := env.Update(func(txn *kvstore.Txn) error {
		return r.engine.Init(txn, primaryKey, now)
	}); err != nil {
		env.Destroy()
		return nil, Info{}, err
	}
	if err := r.putRecord(uid, record{UUID: id, CreatedAt: now}); err != nil {
		env.Destroy()
		return nil, Info{}, err
	}
	info := Info{UID: uid, UUID: id, PrimaryKey: primaryKey, CreatedAt: now, UpdatedAt: now}
	return &entry{uuid: id, env: env}, info, nil
}

// Borrow looks uid up and pins its environment until Release.
func (r *Registry) Borrow(uid string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.indexes[uid]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", uid, apperrors.ErrIndexNotFound)
	}
	e.refs.Add(1)
	return &Handle{UID: uid, UUID: e.uuid, Env: e.env, entry: e}, nil
}

// Exists reports whether uid is registered.
func (r *Registry) Exists(uid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.indexes[uid]
	return ok
}

// Lookup returns the uuid currently bound to uid.
func (r *Registry) Lookup(uid string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.indexes[uid]
	if !ok {
		return uuid.Nil, false
	}
	return e.uuid, true
}

// Get returns the summary of one index.
func (r *Registry) Get(uid string) (Info, error) {
	h, err := r.Borrow(uid)
	if err != nil {
		return Info{}, err
	}
	defer h.Release()
	return describe(h)
}

// List returns every index sorted by uid.
func (r *Registry) List() ([]Info, error) {
	handles := r.borrowAll()
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()
	infos := make([]Info, 0, len(handles))
	for _, h := range handles {
		info, err := describe(h)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// BorrowAll pins every index, sorted by uid.
func (r *Registry) BorrowAll() []*Handle {
	return r.borrowAll()
}

func (r *Registry) borrowAll() []*Handle {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.indexes))
	for uid, e := range r.indexes {
		e.refs.Add(1)
		handles = append(handles, &Handle{UID: uid, UUID: e.uuid, Env: e.env, entry: e})
	}
	r.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].UID < handles[j].UID })
	return handles
}

// Len returns the number of registered indexes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.indexes)
}

// Delete unregisters uid, waits for every borrow of its environment to be
// released, then removes its files. New borrows fail as soon as Delete is
// called.
func (r *Registry) Delete(ctx context.Context, uid string) error {
	e, err := r.unregister(uid)
	if err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		e.refs.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		r.logger.Warn("index delete gave up waiting for borrowers, files kept until release", "uid", uid)
		go func() {
			<-drained
			r.destroy(uid, e)
		}()
		return ctx.Err()
	}
	return r.destroy(uid, e)
}

// unregister drops uid from the map and the registry environment. Waiting for
// borrowers happens afterwards, outside the structure lock, because Freeze
// holders keep borrows of their own.
func (r *Registry) unregister(uid string) (*entry, error) {
	r.structure.Lock()
	defer r.structure.Unlock()

	r.mu.Lock()
	e, ok := r.indexes[uid]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("index %q: %w", uid, apperrors.ErrIndexNotFound)
	}
	delete(r.indexes, uid)
	r.metrics.Indexes.Set(float64(len(r.indexes)))
	r.mu.Unlock()

	if err := r.store.Update(func(txn *kvstore.Txn) error {
		return txn.Delete(uidKey(uid))
	}); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Registry) destroy(uid string, e *entry) error {
	if err := e.env.Destroy(); err != nil {
		r.logger.Error("removing index files failed", "uid", uid, "uuid", e.uuid, "error", err)
		return err
	}
	r.logger.Info("index deleted", "uid", uid, "uuid", e.uuid)
	return nil
}

// Rename moves the registration of oldUID to newUID. The environment stays
// where it is.
func (r *Registry) Rename(oldUID, newUID string) error {
	if err := ValidateUID(newUID); err != nil {
		return err
	}
	r.structure.Lock()
	defer r.structure.Unlock()

	r.mu.RLock()
	e, ok := r.indexes[oldUID]
	_, taken := r.indexes[newUID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("index %q: %w", oldUID, apperrors.ErrIndexNotFound)
	}
	if taken {
		return fmt.Errorf("index %q: %w", newUID, apperrors.ErrAlreadyExists)
	}

	err := r.store.Update(func(txn *kvstore.Txn) error {
		data, ok, err := txn.Get(uidKey(oldUID))
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Storage("renaming index", fmt.Errorf("registry record for %q is missing", oldUID))
		}
		if err := txn.Delete(uidKey(oldUID)); err != nil {
			return err
		}
		return txn.Put(uidKey(newUID), data)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.indexes, oldUID)
	r.indexes[newUID] = e
	r.mu.Unlock()
	r.logger.Info("index renamed", "from", oldUID, "to", newUID, "uuid", e.uuid)
	return nil
}

// Freeze blocks Create, Rename and Delete until the returned function is
// called, so that a borrowed view of every index stays consistent with the
// registry environment. Lookups and borrows are not affected.
func (r *Registry) Freeze() (release func()) {
	r.structure.Lock()
	var once sync.Once
	return func() { once.Do(r.structure.Unlock) }
}

// Close closes every environment. Borrowed handles become unusable.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for uid, e := range r.indexes {
		if err := e.env.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing index %s: %w", uid, err)
		}
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Store exposes the registry environment for snapshots.
func (r *Registry) Store() *kvstore.Env {
	return r.store
}

// IndexPath returns the directory of the environment for id.
func IndexPath(dataDir string, id uuid.UUID) string {
	return filepath.Join(dataDir, indexesDir, id.String())
}

// IndexesPath returns the directory holding every index environment.
func IndexesPath(dataDir string) string {
	return filepath.Join(dataDir, indexesDir)
}

// RegistryPath returns the directory of the registry environment.
func RegistryPath(dataDir string) string {
	return filepath.Join(dataDir, registryDir)
}

// IsEmpty reports whether dataDir holds no registry yet.
func IsEmpty(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, registryDir))
	return os.IsNotExist(err)
}

func (r *Registry) openEnv(id uuid.UUID) (*kvstore.Env, error) {
	return kvstore.Open(kvstore.Options{
		Path:       IndexPath(r.opts.DataDir, id),
		SizeBudget: r.opts.SizeBudget,
		SyncWrites: r.opts.SyncWrites,
		GCInterval: r.opts.GCInterval,
		Logger:     slog.Default().With("component", "kvstore", "env", id.String()),
	})
}

func (r *Registry) putRecord(uid string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding registry record: %w", err)
	}
	return r.store.Update(func(txn *kvstore.Txn) error {
		return txn.Put(uidKey(uid), data)
	})
}

func describe(h *Handle) (Info, error) {
	info := Info{UID: h.UID, UUID: h.UUID}
	err := h.Env.View(func(txn *kvstore.Txn) error {
		meta, err := indexer.ReadMeta(txn)
		if err != nil {
			return err
		}
		info.PrimaryKey = meta.PrimaryKey
		info.CreatedAt = meta.CreatedAt
		info.UpdatedAt = meta.UpdatedAt
		return nil
	})
	return info, err
}

func uidKey(uid string) []byte {
	return append(append([]byte{}, uidPrefix...), uid...)
}
