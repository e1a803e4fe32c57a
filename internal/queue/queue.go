// Package queue is the durable, totally ordered log of updates.
//
// Every record lives in one environment:
//
//	s/next          next sequence number
//	u/<seq>         update record (JSON)
//	p/<seq>         present while the update is enqueued
//	x/processing    sequence of the update being processed, if any
//
// Each method is one write or read transaction on that environment; writes
// are serialized by the environment itself, which makes Enqueue, NextPending
// and the Mark* transitions linearizable with respect to each other.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

var (
	keyNext       = []byte("s/next")
	keyProcessing = []byte("x/processing")
	prefixRecord  = []byte("u/")
	prefixPending = []byte("p/")
)

const (
	pruneBatch = 512
	dirName    = "updates"
)

// Path returns the queue environment directory inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, dirName)
}

// Options configures the queue environment.
type Options struct {
	Path       string
	SizeBudget int64
	SyncWrites bool
	GCInterval time.Duration
}

// Queue is the persistent update log.
type Queue struct {
	env     *kvstore.Env
	now     func() time.Time
	pending chan struct{}
	logger  *slog.Logger
}

// Open opens the queue environment at opts.Path.
func Open(opts Options) (*Queue, error) {
	env, err := kvstore.Open(kvstore.Options{
		Path:       opts.Path,
		SizeBudget: opts.SizeBudget,
		SyncWrites: opts.SyncWrites,
		GCInterval: opts.GCInterval,
		Logger:     slog.Default().With("component", "kvstore", "env", "updates"),
	})
	if err != nil {
		return nil, err
	}
	return &Queue{
		env:     env,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(chan struct{}, 1),
		logger:  slog.Default().With("component", "queue"),
	}, nil
}

// Env exposes the queue environment for snapshots.
func (q *Queue) Env() *kvstore.Env {
	return q.env
}

// Close closes the environment.
func (q *Queue) Close() error {
	return q.env.Close()
}

// Pending is signalled whenever an update becomes enqueued.
func (q *Queue) Pending() <-chan struct{} {
	return q.pending
}

func (q *Queue) signal() {
	select {
	case q.pending <- struct{}{}:
	default:
	}
}

// Enqueue assigns the next sequence number and persists the update as
// enqueued. indexUUID may be empty when the index does not exist yet.
func (q *Queue) Enqueue(indexUID, indexUUID string, kind update.Kind) (update.Operation, error) {
	if kind == nil {
		return update.Operation{}, apperrors.Validation("update has no kind")
	}
	var op update.Operation
	err := q.env.Update(func(txn *kvstore.Txn) error {
		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		op = update.Operation{
			Seq:        seq,
			IndexUID:   indexUID,
			IndexUUID:  indexUUID,
			Kind:       kind,
			Status:     update.StatusEnqueued,
			EnqueuedAt: q.now(),
		}
		if err := putRecord(txn, op); err != nil {
			return err
		}
		if err := txn.Put(seqKey(prefixPending, seq), nil); err != nil {
			return err
		}
		return txn.Put(keyNext, encodeSeq(seq+1))
	})
	if errors.Is(err, kvstore.ErrTxnTooBig) {
		return update.Operation{}, apperrors.Validation("update payload exceeds the queue size budget")
	}
	if err != nil {
		return update.Operation{}, err
	}
	q.signal()
	q.logger.Debug("update enqueued", "update_id", op.Seq, "index", indexUID, "type", kind.Type())
	return op, nil
}

// Get returns the current record of seq.
func (q *Queue) Get(seq uint64) (update.Operation, error) {
	var op update.Operation
	err := q.env.View(func(txn *kvstore.Txn) error {
		var err error
		op, err = getRecord(txn, seq)
		return err
	})
	return op, err
}

// NextPending returns the enqueued update with the smallest sequence.
func (q *Queue) NextPending() (update.Operation, bool, error) {
	var (
		op    update.Operation
		found bool
	)
	err := q.env.View(func(txn *kvstore.Txn) error {
		return txn.Iterate(prefixPending, false, func(key, _ []byte) error {
			var err error
			op, err = getRecord(txn, decodeSeq(key[len(prefixPending):]))
			if err != nil {
				return err
			}
			found = true
			return kvstore.ErrStop
		})
	})
	return op, found, err
}

// Processing returns the update currently marked processing, if any.
func (q *Queue) Processing() (update.Operation, bool, error) {
	var (
		op    update.Operation
		found bool
	)
	err := q.env.View(func(txn *kvstore.Txn) error {
		val, ok, err := txn.Get(keyProcessing)
		if err != nil || !ok {
			return err
		}
		op, err = getRecord(txn, decodeSeq(val))
		found = err == nil
		return err
	})
	return op, found, err
}

// MarkProcessing claims seq. It fails when another update is processing.
func (q *Queue) MarkProcessing(seq uint64) (update.Operation, error) {
	return q.transition(seq, update.StatusProcessing, func(txn *kvstore.Txn, op *update.Operation) error {
		val, ok, err := txn.Get(keyProcessing)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: update %d is already processing", apperrors.ErrInvalidInput, decodeSeq(val))
		}
		now := q.now()
		op.StartedAt = &now
		if err := txn.Delete(seqKey(prefixPending, seq)); err != nil {
			return err
		}
		return txn.Put(keyProcessing, encodeSeq(seq))
	})
}

// MarkProcessed records the outcome of a committed update.
func (q *Queue) MarkProcessed(seq uint64, out update.Outcome) (update.Operation, error) {
	return q.transition(seq, update.StatusProcessed, func(txn *kvstore.Txn, op *update.Operation) error {
		op.Outcome = &out
		q.finish(op)
		return txn.Delete(keyProcessing)
	})
}

// MarkFailed records why an update was not applied.
func (q *Queue) MarkFailed(seq uint64, failure *update.Failure) (update.Operation, error) {
	return q.transition(seq, update.StatusFailed, func(txn *kvstore.Txn, op *update.Operation) error {
		op.Error = failure
		q.finish(op)
		return txn.Delete(keyProcessing)
	})
}

// Requeue returns a processing update to the queue under its original
// sequence. Only crash recovery uses it.
func (q *Queue) Requeue(seq uint64) (update.Operation, error) {
	op, err := q.transition(seq, update.StatusEnqueued, func(txn *kvstore.Txn, op *update.Operation) error {
		op.StartedAt = nil
		if err := txn.Put(seqKey(prefixPending, seq), nil); err != nil {
			return err
		}
		return txn.Delete(keyProcessing)
	})
	if err == nil {
		q.signal()
	}
	return op, err
}

// Cancel aborts an enqueued update. For a processing update it only records
// the request; the processor decides when to honour it.
func (q *Queue) Cancel(seq uint64) (update.Operation, error) {
	var op update.Operation
	err := q.env.Update(func(txn *kvstore.Txn) error {
		var err error
		op, err = getRecord(txn, seq)
		if err != nil {
			return err
		}
		switch op.Status {
		case update.StatusEnqueued:
			op.Status = update.StatusAborted
			q.finish(&op)
			if err := txn.Delete(seqKey(prefixPending, seq)); err != nil {
				return err
			}
		case update.StatusProcessing:
			op.CancelRequested = true
		default:
			return fmt.Errorf("%w: update %d is already %s", apperrors.ErrInvalidInput, seq, op.Status)
		}
		return putRecord(txn, op)
	})
	return op, err
}

// ListOptions filters List.
type ListOptions struct {
	IndexUID string
	From     uint64
	Limit    int
}

// List returns records in sequence order starting at opts.From.
func (q *Queue) List(opts ListOptions) ([]update.Operation, error) {
	ops := make([]update.Operation, 0)
	err := q.env.View(func(txn *kvstore.Txn) error {
		return txn.Iterate(prefixRecord, false, func(key, val []byte) error {
			if decodeSeq(key[len(prefixRecord):]) < opts.From {
				return nil
			}
			var op update.Operation
			if err := json.Unmarshal(val, &op); err != nil {
				return apperrors.Storage("decoding update record", err)
			}
			if opts.IndexUID != "" && op.IndexUID != opts.IndexUID {
				return nil
			}
			ops = append(ops, op)
			if opts.Limit > 0 && len(ops) == opts.Limit {
				return kvstore.ErrStop
			}
			return nil
		})
	})
	return ops, err
}

// Depth counts enqueued updates.
func (q *Queue) Depth() (int, error) {
	n := 0
	err := q.env.View(func(txn *kvstore.Txn) error {
		var err error
		n, err = txn.Count(prefixPending)
		return err
	})
	return n, err
}

// NextSeq returns the sequence number the next enqueued update will get.
func (q *Queue) NextSeq() (uint64, error) {
	var seq uint64
	err := q.env.View(func(txn *kvstore.Txn) error {
		var err error
		seq, err = nextSeq(txn)
		return err
	})
	return seq, err
}

// EnsureNext raises the next sequence number to at least seq. It never
// lowers it, so ids handed out before a restore are not given out again.
func (q *Queue) EnsureNext(seq uint64) error {
	return q.env.Update(func(txn *kvstore.Txn) error {
		cur, err := nextSeq(txn)
		if err != nil || cur >= seq {
			return err
		}
		q.logger.Info("advancing update sequence", "from", cur, "to", seq)
		return txn.Put(keyNext, encodeSeq(seq))
	})
}

// Prune deletes terminal records that finished before cutoff. Sequence
// numbers are never reused.
func (q *Queue) Prune(cutoff time.Time) (int, error) {
	total := 0
	for {
		var victims [][]byte
		err := q.env.View(func(txn *kvstore.Txn) error {
			return txn.Iterate(prefixRecord, false, func(key, val []byte) error {
				var op update.Operation
				if err := json.Unmarshal(val, &op); err != nil {
					return apperrors.Storage("decoding update record", err)
				}
				if op.Status.Terminal() && op.FinishedAt != nil && op.FinishedAt.Before(cutoff) {
					victims = append(victims, append([]byte{}, key...))
					if len(victims) == pruneBatch {
						return kvstore.ErrStop
					}
				}
				return nil
			})
		})
		if err != nil {
			return total, err
		}
		if len(victims) == 0 {
			break
		}
		err = q.env.Update(func(txn *kvstore.Txn) error {
			for _, key := range victims {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(victims)
		if len(victims) < pruneBatch {
			break
		}
	}
	if total > 0 {
		q.logger.Info("pruned finished updates", "count", total, "cutoff", cutoff)
	}
	return total, nil
}

func (q *Queue) transition(seq uint64, to update.Status, mutate func(*kvstore.Txn, *update.Operation) error) (update.Operation, error) {
	var op update.Operation
	err := q.env.Update(func(txn *kvstore.Txn) error {
		var err error
		op, err = getRecord(txn, seq)
		if err != nil {
			return err
		}
		if !update.CanTransition(op.Status, to) {
			return fmt.Errorf("%w: update %d cannot go from %s to %s", apperrors.ErrInvalidInput, seq, op.Status, to)
		}
		op.Status = to
		if err := mutate(txn, &op); err != nil {
			return err
		}
		return putRecord(txn, op)
	})
	return op, err
}

func (q *Queue) finish(op *update.Operation) {
	now := q.now()
	op.FinishedAt = &now
	if op.StartedAt != nil {
		op.Duration = now.Sub(*op.StartedAt)
	}
}

func nextSeq(txn *kvstore.Txn) (uint64, error) {
	val, ok, err := txn.Get(keyNext)
	if err != nil || !ok {
		return 0, err
	}
	return decodeSeq(val), nil
}

func getRecord(txn *kvstore.Txn, seq uint64) (update.Operation, error) {
	var op update.Operation
	val, ok, err := txn.Get(seqKey(prefixRecord, seq))
	if err != nil {
		return op, err
	}
	if !ok {
		return op, fmt.Errorf("update %d: %w", seq, apperrors.ErrNotFound)
	}
	if err := json.Unmarshal(val, &op); err != nil {
		return op, apperrors.Storage(fmt.Sprintf("decoding update %d", seq), err)
	}
	return op, nil
}

func putRecord(txn *kvstore.Txn, op update.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return apperrors.Validation("update cannot be encoded: %v", err)
	}
	return txn.Put(seqKey(prefixRecord, op.Seq), data)
}

func seqKey(prefix []byte, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefix...), seq)
}

func encodeSeq(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
