package kvstore

import (
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v4"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

// ErrStop ends an Iterate call early without reporting an error.
var ErrStop = errors.New("stop iteration")

// Txn is a read or write transaction. Values returned by Get and passed to
// Iterate callbacks are copies and remain valid after the transaction ends.
type Txn struct {
	txn *badger.Txn
}

// Get returns the value stored under key. ok is false when the key is absent.
func (t *Txn) Get(key []byte) (val []byte, ok bool, err error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Storage("get", err)
	}
	val, err = item.ValueCopy(nil)
	if err != nil {
		return nil, false, apperrors.Storage("reading value", err)
	}
	return val, true, nil
}

// Put stores val under key. ErrTxnTooBig is returned unwrapped so the caller
// can fail the offending update instead of treating it as a storage fault.
func (t *Txn) Put(key, val []byte) error {
	err := t.txn.Set(key, val)
	if errors.Is(err, badger.ErrTxnTooBig) {
		return ErrTxnTooBig
	}
	return apperrors.Storage("put", err)
}

// Delete removes key. Deleting an absent key is not an error.
func (t *Txn) Delete(key []byte) error {
	err := t.txn.Delete(key)
	if errors.Is(err, badger.ErrTxnTooBig) {
		return ErrTxnTooBig
	}
	return apperrors.Storage("delete", err)
}

// Iterate calls fn for every key with the given prefix in key order, or in
// reverse order when reverse is set. Returning ErrStop ends the scan.
func (t *Txn) Iterate(prefix []byte, reverse bool, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := t.txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return apperrors.Storage("reading value", err)
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Count returns the number of keys with the given prefix without reading
// values.
func (t *Txn) Count(prefix []byte) (int, error) {
	n := 0
	err := t.scanKeys(prefix, func([]byte) error {
		n++
		return nil
	})
	return n, err
}

// DeletePrefix removes every key with the given prefix and returns how many
// were removed. Keys are deleted as the scan reaches them, so the prefix is
// never held in memory as a whole.
func (t *Txn) DeletePrefix(prefix []byte) (int, error) {
	n := 0
	err := t.scanKeys(prefix, func(key []byte) error {
		if err := t.Delete(key); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// scanKeys calls fn with a copy of every key under prefix. The iterator
// works on the transaction's state at the time it was opened, so fn may
// write to the transaction.
func (t *Txn) scanKeys(prefix []byte, fn func(key []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item().KeyCopy(nil)); err != nil {
			return err
		}
	}
	return nil
}

// WriteTxn is the environment's exclusive write transaction.
type WriteTxn struct {
	*Txn
	env  *Env
	once sync.Once
}

// Commit makes the transaction's writes durable and visible to read
// transactions opened afterwards.
func (w *WriteTxn) Commit() error {
	err := ErrClosed
	w.once.Do(func() {
		err = w.txn.Commit()
		w.env.writeMu.Unlock()
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return ErrTxnTooBig
	}
	return apperrors.Storage("commit", err)
}

// Discard drops the transaction's writes. Calling it after Commit is a no-op.
func (w *WriteTxn) Discard() {
	w.once.Do(func() {
		w.txn.Discard()
		w.env.writeMu.Unlock()
	})
}
