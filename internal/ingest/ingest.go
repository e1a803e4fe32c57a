// Package ingest bridges a Kafka topic of document batches onto the update
// queue. Every message becomes one DocumentsAddition; the consumer commits
// the offset once the update is durably enqueued, not once it is applied.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kafka"
)

// Event is the payload of a document-ingest message. When IndexUID is empty
// the message key names the index.
type Event struct {
	IndexUID   string               `json:"indexUid"`
	Documents  []json.RawMessage    `json:"documents"`
	PrimaryKey string               `json:"primaryKey,omitempty"`
	Method     update.MergeStrategy `json:"method,omitempty"`
}

// Enqueuer durably records an update.
type Enqueuer interface {
	Enqueue(ctx context.Context, uid string, kind update.Kind) (update.Operation, error)
}

// Bridge runs the Kafka consumer feeding the queue.
type Bridge struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates a Bridge around a consumer built with HandleMessage.
func New(consumer *kafka.Consumer) *Bridge {
	return &Bridge{
		consumer: consumer,
		logger:   slog.Default().With("component", "ingest"),
	}
}

// Start consumes until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("ingest bridge starting")
	return b.consumer.Start(ctx)
}

// HandleMessage returns a MessageHandler enqueueing each event. Malformed
// events and events the queue rejects as invalid are skipped; storage
// failures are returned so the consumer retries them.
func HandleMessage(q Enqueuer) kafka.MessageHandler {
	logger := slog.Default().With("component", "ingest")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[Event](value)
		if err != nil {
			logger.Warn("dropping undecodable ingest event", "key", string(key), "error", err)
			return err
		}
		kind, uid, err := event.kind(string(key))
		if err != nil {
			logger.Warn("dropping invalid ingest event", "key", string(key), "error", err)
			return fmt.Errorf("%w: %w", kafka.ErrSkip, err)
		}

		op, err := q.Enqueue(ctx, uid, kind)
		if err != nil {
			if permanent(err) {
				logger.Warn("ingest event rejected", "index", uid, "error", err)
				return fmt.Errorf("%w: %w", kafka.ErrSkip, err)
			}
			return fmt.Errorf("enqueueing %d documents into %q: %w", len(event.Documents), uid, err)
		}
		logger.Info("ingest event enqueued",
			"update_id", op.Seq,
			"index", uid,
			"documents", len(event.Documents),
		)
		return nil
	}
}

func (e Event) kind(key string) (update.DocumentsAddition, string, error) {
	uid := e.IndexUID
	if uid == "" {
		uid = key
	}
	if uid == "" {
		return update.DocumentsAddition{}, "", apperrors.Validation("event names no index")
	}
	if len(e.Documents) == 0 {
		return update.DocumentsAddition{}, "", apperrors.Validation("event carries no documents")
	}
	method := e.Method
	switch method {
	case "":
		method = update.ReplaceDocuments
	case update.ReplaceDocuments, update.UpdateDocuments:
	default:
		return update.DocumentsAddition{}, "", apperrors.Validation("unknown method %q", method)
	}
	return update.DocumentsAddition{
		Documents:  e.Documents,
		Method:     method,
		PrimaryKey: e.PrimaryKey,
	}, uid, nil
}

// permanent reports whether retrying err can never succeed.
func permanent(err error) bool {
	return errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrInvalidInput) ||
		errors.Is(err, apperrors.ErrIndexNotFound)
}
