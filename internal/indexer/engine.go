// Package indexer applies updates to an index environment and serves reads
// from it.
//
// Apply runs inside a write transaction owned by the caller: nothing it does
// becomes visible unless the caller commits. Every successful Apply also
// records the update sequence and outcome under m/applied in the same
// transaction, which is what crash recovery inspects to decide whether an
// interrupted update was committed.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

// Meta is the per-index metadata stored inside the index environment.
type Meta struct {
	PrimaryKey string    `json:"primaryKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Settings is the full, resolved settings of an index. Nil attribute lists
// mean "all fields".
type Settings struct {
	SearchableAttributes []string `json:"searchableAttributes"`
	DisplayedAttributes  []string `json:"displayedAttributes"`
	StopWords            []string `json:"stopWords"`
	DistinctAttribute    string   `json:"distinctAttribute,omitempty"`
}

// Applied is the commit marker of the last update applied to an index.
type Applied struct {
	Seq     uint64         `json:"seq"`
	Outcome update.Outcome `json:"outcome"`
}

// Options configures an Engine.
type Options struct {
	// Workers bounds the goroutines preparing documents during one apply.
	Workers int
	// CheckpointEvery is how many documents are written between two
	// cancellation checks.
	CheckpointEvery int
}

// Engine is the indexing algorithm. It holds no per-index state; everything
// lives in the environment passed to each call.
type Engine struct {
	workers         int
	checkpointEvery int
	now             func() time.Time
	logger          *slog.Logger
}

func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 1000
	}
	return &Engine{
		workers:         opts.Workers,
		checkpointEvery: opts.CheckpointEvery,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          slog.Default().With("component", "indexer"),
	}
}

// Init writes the metadata of a freshly created index.
func (e *Engine) Init(txn *kvstore.Txn, primaryKey string, createdAt time.Time) error {
	meta := Meta{PrimaryKey: primaryKey, CreatedAt: createdAt, UpdatedAt: createdAt}
	if err := putJSON(txn, keyMeta, meta); err != nil {
		return err
	}
	return putJSON(txn, keySettings, Settings{})
}

// Apply mutates the index inside txn. ctx cancellation is honoured only at
// checkpoints and surfaces as errors.ErrAborted; the caller must then discard
// the transaction.
func (e *Engine) Apply(ctx context.Context, txn *kvstore.Txn, seq uint64, kind update.Kind) (update.Outcome, error) {
	st, err := loadState(txn)
	if err != nil {
		return update.Outcome{}, err
	}

	var out update.Outcome
	switch k := kind.(type) {
	case update.DocumentsAddition:
		out, err = e.addDocuments(ctx, txn, st, k)
	case update.DocumentsDeletion:
		out, err = e.deleteDocuments(ctx, txn, st, k)
	case update.ClearAllDocuments:
		out, err = e.clearDocuments(ctx, txn)
	case update.SettingsUpdate:
		out, err = e.updateSettings(ctx, txn, st, k.Settings)
	default:
		err = apperrors.Validation("update type %s cannot be applied to documents", kind.Type())
	}
	if err != nil {
		if errors.Is(err, kvstore.ErrTxnTooBig) {
			return update.Outcome{}, apperrors.Indexing("update exceeds the index size budget")
		}
		return update.Outcome{}, err
	}

	st.meta.UpdatedAt = e.now()
	if err := putJSON(txn, keyMeta, st.meta); err != nil {
		return update.Outcome{}, err
	}
	if err := putJSON(txn, keyApplied, Applied{Seq: seq, Outcome: out}); err != nil {
		return update.Outcome{}, err
	}
	return out, nil
}

// Touch bumps updated_at for changes made outside Apply, such as a rename.
func (e *Engine) Touch(txn *kvstore.Txn) error {
	st, err := loadState(txn)
	if err != nil {
		return err
	}
	st.meta.UpdatedAt = e.now()
	return putJSON(txn, keyMeta, st.meta)
}

// LastApplied returns the commit marker, or nil if nothing was applied yet.
func LastApplied(txn *kvstore.Txn) (*Applied, error) {
	var a Applied
	ok, err := getJSON(txn, keyApplied, &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

// ReadMeta returns the index metadata.
func ReadMeta(txn *kvstore.Txn) (Meta, error) {
	st, err := loadState(txn)
	return st.meta, err
}

// ReadSettings returns the index settings.
func ReadSettings(txn *kvstore.Txn) (Settings, error) {
	st, err := loadState(txn)
	return st.settings, err
}

type state struct {
	meta     Meta
	settings Settings
}

func loadState(txn *kvstore.Txn) (*state, error) {
	st := &state{}
	ok, err := getJSON(txn, keyMeta, &st.meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Indexing("index metadata is missing")
	}
	if _, err := getJSON(txn, keySettings, &st.settings); err != nil {
		return nil, err
	}
	return st, nil
}

// checkpoint reports a pending cancellation.
func checkpoint(ctx context.Context, done int) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: cancelled after %d documents", apperrors.ErrAborted, done)
	}
	return nil
}

func putJSON(txn *kvstore.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Put(key, data)
}

func getJSON(txn *kvstore.Txn, key []byte, v any) (bool, error) {
	data, ok, err := txn.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, apperrors.Storage(fmt.Sprintf("decoding %s", key), err)
	}
	return true, nil
}
