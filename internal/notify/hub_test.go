package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/resilience"
)

type fakeSource struct {
	mu    sync.Mutex
	ops   map[uint64]update.Operation
	reads int
}

func newSource(ops ...update.Operation) *fakeSource {
	s := &fakeSource{ops: make(map[uint64]update.Operation)}
	for _, op := range ops {
		s.ops[op.Seq] = op
	}
	return s
}

func (s *fakeSource) Get(seq uint64) (update.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	op, ok := s.ops[seq]
	if !ok {
		return update.Operation{}, fmt.Errorf("update %d: %w", seq, apperrors.ErrNotFound)
	}
	return op, nil
}

func (s *fakeSource) set(op update.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.Seq] = op
}

func operation(seq uint64, status update.Status) update.Operation {
	return update.Operation{
		Seq:        seq,
		IndexUID:   "movies",
		Kind:       update.ClearAllDocuments{},
		Status:     status,
		EnqueuedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

type recordingSink struct {
	name  string
	mu    sync.Mutex
	fails int
	got   []Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

var fastRetry = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestAwaitWakesOnFinish(t *testing.T) {
	src := newSource(operation(1, update.StatusEnqueued))
	hub := NewHub(src, metrics.NewNop(), Options{})

	done := make(chan update.Operation, 1)
	go func() {
		op, err := hub.Await(context.Background(), 1, 10*time.Second)
		assert.NoError(t, err)
		done <- op
	}()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.waiters[1]) == 1
	}, time.Second, time.Millisecond)

	finished := operation(1, update.StatusProcessed)
	src.set(finished)
	hub.UpdateFinished(finished)

	select {
	case op := <-done:
		assert.Equal(t, update.StatusProcessed, op.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
	hub.mu.Lock()
	assert.Empty(t, hub.waiters)
	hub.mu.Unlock()
}

func TestAwaitReturnsTerminalRecordImmediately(t *testing.T) {
	hub := NewHub(newSource(operation(1, update.StatusFailed)), metrics.NewNop(), Options{})
	op, err := hub.Await(context.Background(), 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, update.StatusFailed, op.Status)
}

func TestAwaitTimeout(t *testing.T) {
	hub := NewHub(newSource(operation(1, update.StatusProcessing)), metrics.NewNop(), Options{})
	op, err := hub.Await(context.Background(), 1, 20*time.Millisecond)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Equal(t, update.StatusProcessing, op.Status)

	hub.mu.Lock()
	assert.Empty(t, hub.waiters)
	hub.mu.Unlock()
}

func TestAwaitUnknownUpdate(t *testing.T) {
	hub := NewHub(newSource(), metrics.NewNop(), Options{})
	_, err := hub.Await(context.Background(), 42, time.Second)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDispatcherRetriesAndDelivers(t *testing.T) {
	flaky := &recordingSink{name: "flaky", fails: 2}
	steady := &recordingSink{name: "steady"}
	hub := NewHub(newSource(), metrics.NewNop(), Options{Retry: fastRetry}, flaky, steady)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	for seq := range uint64(3) {
		hub.UpdateFinished(operation(seq, update.StatusProcessed))
	}
	require.Eventually(t, func() bool {
		return len(flaky.events()) == 3 && len(steady.events()) == 3
	}, 5*time.Second, time.Millisecond)

	cancel()
	<-stopped

	for i, ev := range flaky.events() {
		assert.Equal(t, uint64(i), ev.UpdateID)
		assert.Equal(t, update.TypeClearAll, ev.Type)
	}
}

func TestRetriedDeliveriesAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	flaky := &recordingSink{name: "flaky", fails: 2}
	hub := NewHub(newSource(), metrics.New(reg), Options{Retry: fastRetry}, flaky)

	hub.deliver(context.Background(), operation(7, update.StatusProcessed))

	counts := map[string]float64{}
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "notifications_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" {
					counts[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 2.0, counts["retried"])
	assert.Equal(t, 1.0, counts["delivered"])
}

func TestOpenBreakerSkipsSink(t *testing.T) {
	down := &recordingSink{name: "down", fails: 1 << 30}
	hub := NewHub(newSource(), metrics.NewNop(), Options{
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour},
	}, down)

	hub.deliver(context.Background(), operation(1, update.StatusProcessed))
	assert.Equal(t, resilience.StateOpen, hub.sinks[0].breaker.GetState())

	before := down.fails
	hub.deliver(context.Background(), operation(2, update.StatusProcessed))
	assert.Equal(t, before, down.fails, "open breaker still called the sink")
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(newSource(), metrics.NewNop(), Options{Buffer: 1}, &recordingSink{name: "s"})
	hub.UpdateFinished(operation(1, update.StatusProcessed))
	hub.UpdateFinished(operation(2, update.StatusProcessed))
	assert.Equal(t, 1, hub.Pending())
}

type fakePublisher struct {
	got []kafka.Event
}

func (p *fakePublisher) Publish(ctx context.Context, ev kafka.Event) error {
	p.got = append(p.got, ev)
	return nil
}

func TestKafkaSink(t *testing.T) {
	pub := &fakePublisher{}
	ev := NewEvent(operation(7, update.StatusProcessed))
	require.NoError(t, NewKafkaSink(pub).Deliver(context.Background(), ev))

	require.Len(t, pub.got, 1)
	assert.Equal(t, "movies", pub.got[0].Key)
	assert.Equal(t, ev, pub.got[0].Value)
	assert.Equal(t, "7", pub.got[0].Headers["update-id"])
	assert.Equal(t, "processed", pub.got[0].Headers["status"])
}

type fakeRedis struct {
	flushed   []string
	published map[string][]any
}

func (r *fakeRedis) Publish(ctx context.Context, channel string, message any) error {
	if r.published == nil {
		r.published = make(map[string][]any)
	}
	r.published[channel] = append(r.published[channel], message)
	return nil
}

func (r *fakeRedis) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	r.flushed = append(r.flushed, pattern)
	return 1, nil
}

func TestRedisSink(t *testing.T) {
	r := &fakeRedis{}
	sink := NewRedisSink(r, "updates", "search:")

	renamed := operation(1, update.StatusProcessed)
	renamed.Kind = update.RenameIndex{NewUID: "films"}
	renamed.Outcome = &update.Outcome{NewUID: "films"}
	require.NoError(t, sink.Deliver(context.Background(), NewEvent(renamed)))
	assert.Equal(t, []string{"search:movies:*", "search:films:*"}, r.flushed)

	failed := operation(2, update.StatusFailed)
	require.NoError(t, sink.Deliver(context.Background(), NewEvent(failed)))
	assert.Len(t, r.flushed, 2, "failed updates leave the cache alone")
	assert.Len(t, r.published["updates"], 2)
}

type fakeExecer struct {
	query string
	args  []any
}

func (e *fakeExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	e.query, e.args = query, args
	return nil, nil
}

func TestPostgresSink(t *testing.T) {
	db := &fakeExecer{}
	op := operation(3, update.StatusFailed)
	op.Error = &update.Failure{Code: apperrors.CodeIndexing, Message: "primary key conflict"}
	require.NoError(t, NewPostgresSink(db).Deliver(context.Background(), NewEvent(op)))

	assert.Contains(t, db.query, "ON CONFLICT (update_id)")
	require.Len(t, db.args, 10)
	assert.Equal(t, int64(3), db.args[0])
	assert.Equal(t, "failed", db.args[3])
	require.NotNil(t, db.args[4])
	assert.Equal(t, "indexing_error", *db.args[4].(*string))
	assert.Nil(t, db.args[6])
}
