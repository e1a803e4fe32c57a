package scheduler

import (
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

// recoveryPolicy decides the fate of an update found processing at startup
// whose mutation never committed.
type recoveryPolicy int

const (
	// requeue puts the update back under its original sequence. Safe when
	// the stored payload fully describes the mutation.
	requeue recoveryPolicy = iota
	// interrupt fails the update; the caller must resubmit it.
	interrupt
)

// recoveryPolicies covers every kind. Index mutations record their sequence
// in the index in the same transaction, so whether they committed is always
// known. A rename commits in the registry instead; when it is absent the
// target uid may have been claimed by a direct create since, so it is not
// retried.
var recoveryPolicies = map[update.KindType]recoveryPolicy{
	update.TypeDocumentsAddition: requeue,
	update.TypeDocumentsDeletion: requeue,
	update.TypeSettingsUpdate:    requeue,
	update.TypeClearAll:          requeue,
	update.TypeRenameIndex:       interrupt,
}

type decision string

const (
	decisionCommitted   decision = "committed"
	decisionRequeued    decision = "requeued"
	decisionInterrupted decision = "interrupted"
	decisionAborted     decision = "aborted"
)

// Recover reconciles the update left processing by a crash, if any.
func (p *Processor) Recover() error {
	op, ok, err := p.queue.Processing()
	if err != nil || !ok {
		return err
	}
	logger := p.logger.With("update_id", op.Seq, "index", op.IndexUID, "type", op.Kind.Type())

	out, committed, err := p.committed(op)
	if err != nil {
		return fmt.Errorf("inspecting interrupted update %d: %w", op.Seq, err)
	}

	var (
		rec update.Operation
		d   decision
	)
	switch {
	case committed:
		d = decisionCommitted
		rec, err = p.queue.MarkProcessed(op.Seq, out)
	case op.CancelRequested:
		d = decisionAborted
		rec, err = p.queue.MarkFailed(op.Seq, update.NewFailure(
			fmt.Errorf("%w: cancelled before the restart", apperrors.ErrAborted)))
	case recoveryPolicies[op.Kind.Type()] == requeue:
		d = decisionRequeued
		rec, err = p.queue.Requeue(op.Seq)
	default:
		d = decisionInterrupted
		rec, err = p.queue.MarkFailed(op.Seq, update.NewFailure(
			fmt.Errorf("%w: the process stopped while the update was processing", apperrors.ErrInterrupted)))
	}
	if err != nil {
		return err
	}

	p.metrics.UpdatesRecoveredTotal.WithLabelValues(string(d)).Inc()
	logger.Warn("recovered interrupted update", "decision", d, "status", rec.Status)
	if rec.Status.Terminal() && p.observer != nil {
		p.observer.UpdateFinished(rec)
	}
	return nil
}

// committed re-derives from durable state whether op's mutation landed.
func (p *Processor) committed(op update.Operation) (update.Outcome, bool, error) {
	if k, ok := op.Kind.(update.RenameIndex); ok {
		id, found := p.registry.Lookup(k.NewUID)
		if found && op.IndexUUID != "" && id.String() == op.IndexUUID {
			return update.Outcome{NewUID: k.NewUID}, true, nil
		}
		return update.Outcome{}, false, nil
	}

	h, err := p.registry.Borrow(op.IndexUID)
	if errors.Is(err, apperrors.ErrIndexNotFound) {
		return update.Outcome{}, false, nil
	}
	if err != nil {
		return update.Outcome{}, false, err
	}
	defer h.Release()

	var applied *indexer.Applied
	err = h.Env.View(func(txn *kvstore.Txn) error {
		var err error
		applied, err = indexer.LastApplied(txn)
		return err
	})
	if err != nil || applied == nil || applied.Seq < op.Seq {
		return update.Outcome{}, false, err
	}
	out := applied.Outcome
	if applied.Seq != op.Seq {
		out = update.Outcome{}
	}
	return out, true, nil
}
