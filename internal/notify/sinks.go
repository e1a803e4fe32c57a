package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kafka"
)

// Event is the wire form of a finished update shared by every sink.
type Event struct {
	UpdateID   uint64          `json:"updateId"`
	IndexUID   string          `json:"indexUid"`
	Type       update.KindType `json:"type"`
	Status     update.Status   `json:"status"`
	Outcome    *update.Outcome `json:"outcome,omitempty"`
	Error      *update.Failure `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

func NewEvent(op update.Operation) Event {
	return Event{
		UpdateID:   op.Seq,
		IndexUID:   op.IndexUID,
		Type:       op.Kind.Type(),
		Status:     op.Status,
		Outcome:    op.Outcome,
		Error:      op.Error,
		DurationMs: op.Duration.Milliseconds(),
		EnqueuedAt: op.EnqueuedAt,
		FinishedAt: op.FinishedAt,
	}
}

// Sink receives every finished update. Deliver must be safe to retry.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// KafkaSink publishes events keyed by index uid, so events of one index keep
// their order within a partition.
type KafkaSink struct {
	producer Publisher
}

func NewKafkaSink(p Publisher) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	return s.producer.Publish(ctx, kafka.Event{
		Key:   ev.IndexUID,
		Value: ev,
		Headers: map[string]string{
			"update-id": strconv.FormatUint(ev.UpdateID, 10),
			"type":      string(ev.Type),
			"status":    string(ev.Status),
		},
	})
}

// RedisClient is satisfied by *redis.Client.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// RedisSink drops the cached search responses of an index once an update on
// it committed, then broadcasts the event on a channel.
type RedisSink struct {
	client      RedisClient
	channel     string
	cachePrefix string
}

func NewRedisSink(c RedisClient, channel, cachePrefix string) *RedisSink {
	return &RedisSink{client: c, channel: channel, cachePrefix: cachePrefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, ev Event) error {
	if ev.Status == update.StatusProcessed {
		uids := []string{ev.IndexUID}
		if ev.Outcome != nil && ev.Outcome.NewUID != "" {
			uids = append(uids, ev.Outcome.NewUID)
		}
		for _, uid := range uids {
			if _, err := s.client.FlushByPattern(ctx, cache.Pattern(s.cachePrefix, uid)); err != nil {
				return fmt.Errorf("invalidating cached searches of %s: %w", uid, err)
			}
		}
	}
	if s.channel == "" {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, data)
}

// Execer is satisfied by *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AuditSchema creates the table PostgresSink writes to.
const AuditSchema = `CREATE TABLE IF NOT EXISTS update_audit (
	update_id    BIGINT PRIMARY KEY,
	index_uid    TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	error_code   TEXT,
	error        TEXT,
	outcome      JSONB,
	duration_ms  BIGINT NOT NULL,
	enqueued_at  TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ
)`

const upsertAudit = `INSERT INTO update_audit
	(update_id, index_uid, type, status, error_code, error, outcome, duration_ms, enqueued_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (update_id) DO UPDATE SET
	status = EXCLUDED.status,
	error_code = EXCLUDED.error_code,
	error = EXCLUDED.error,
	outcome = EXCLUDED.outcome,
	duration_ms = EXCLUDED.duration_ms,
	finished_at = EXCLUDED.finished_at`

// PostgresSink keeps an audit row per finished update. The upsert makes
// redelivery harmless.
type PostgresSink struct {
	db Execer
}

func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Deliver(ctx context.Context, ev Event) error {
	var code, message *string
	if ev.Error != nil {
		c := string(ev.Error.Code)
		code, message = &c, &ev.Error.Message
	}
	var outcome any
	if ev.Outcome != nil {
		data, err := json.Marshal(ev.Outcome)
		if err != nil {
			return fmt.Errorf("encoding outcome: %w", err)
		}
		outcome = string(data)
	}
	_, err := s.db.ExecContext(ctx, upsertAudit,
		int64(ev.UpdateID), ev.IndexUID, string(ev.Type), string(ev.Status),
		code, message, outcome, ev.DurationMs, ev.EnqueuedAt, ev.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("recording audit row for update %d: %w", ev.UpdateID, err)
	}
	return nil
}
