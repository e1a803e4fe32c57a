package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/logger"
)

// Enqueue durably records kind against uid and returns the enqueued record.
// It never waits for the update to be applied. Only kinds that create their
// index may target an index that does not exist yet.
func (c *Controller) Enqueue(ctx context.Context, uid string, kind update.Kind) (update.Operation, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return update.Operation{}, err
	}
	if err := registry.ValidateUID(uid); err != nil {
		return update.Operation{}, err
	}
	if k, ok := kind.(update.RenameIndex); ok {
		if err := registry.ValidateUID(k.NewUID); err != nil {
			return update.Operation{}, err
		}
		if k.NewUID == uid {
			return update.Operation{}, apperrors.Validation("index %q cannot be renamed to itself", uid)
		}
	}

	var indexUUID string
	id, exists := g.registry.Lookup(uid)
	switch {
	case exists:
		indexUUID = id.String()
	case !update.CreatesIndex(kind):
		return update.Operation{}, fmt.Errorf("index %q: %w", uid, apperrors.ErrIndexNotFound)
	}

	op, err := g.queue.Enqueue(uid, indexUUID, kind)
	if err != nil {
		return update.Operation{}, err
	}
	c.metrics.UpdatesEnqueuedTotal.WithLabelValues(string(kind.Type())).Inc()
	logger.FromContext(ctx).Debug("update enqueued",
		"update_id", op.Seq,
		"index", uid,
		"type", kind.Type(),
	)
	return op, nil
}

// Update returns the current record of seq.
func (c *Controller) Update(seq uint64) (update.Operation, error) {
	return c.hub.Status(seq)
}

// Await blocks until seq is terminal or timeout elapses. On timeout the
// latest record is returned with an error matching errors.ErrTimeout.
func (c *Controller) Await(ctx context.Context, seq uint64, timeout time.Duration) (update.Operation, error) {
	return c.hub.Await(ctx, seq, timeout)
}

// Cancel aborts an enqueued update or asks the processing one to stop.
func (c *Controller) Cancel(ctx context.Context, seq uint64) (update.Operation, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return update.Operation{}, err
	}
	op, err := g.processor.Cancel(seq)
	if err != nil {
		return op, err
	}
	logger.FromContext(ctx).Info("update cancellation requested", "update_id", seq, "status", op.Status)
	return op, nil
}

// IndexUpdates lists every record of uid in sequence order.
func (c *Controller) IndexUpdates(uid string) ([]update.Operation, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	ops, err := g.queue.List(queue.ListOptions{IndexUID: uid})
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 && !g.registry.Exists(uid) {
		return nil, fmt.Errorf("index %q: %w", uid, apperrors.ErrIndexNotFound)
	}
	return ops, nil
}

// Updates lists records across every index from sequence from on.
func (c *Controller) Updates(from uint64, limit int) ([]update.Operation, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	return g.queue.List(queue.ListOptions{From: from, Limit: limit})
}
