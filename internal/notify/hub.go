// Package notify tells the outside world about finished updates.
//
// The Hub is the processor's Observer. It wakes in-process callers blocked in
// Await and hands every terminal record to the configured sinks (Kafka,
// Redis, Postgres) from a background dispatcher, so a slow or unreachable
// sink never stalls the update loop.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/resilience"
)

// StatusSource is the durable store of update records.
type StatusSource interface {
	Get(seq uint64) (update.Operation, error)
}

// Options configures the hub's dispatcher.
type Options struct {
	// Buffer bounds the events waiting for the sinks. When full, new events
	// are dropped and counted.
	Buffer int
	// DeliveryTimeout bounds one delivery attempt to one sink.
	DeliveryTimeout time.Duration
	Retry           resilience.RetryConfig
	Breaker         resilience.CircuitBreakerConfig
}

type boundSink struct {
	sink    Sink
	breaker *resilience.CircuitBreaker
}

// Hub fans finished updates out to waiters and sinks.
type Hub struct {
	source  StatusSource
	opts    Options
	sinks   []boundSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	waiters map[uint64][]chan update.Operation

	events chan update.Operation
}

func NewHub(source StatusSource, m *metrics.Metrics, opts Options, sinks ...Sink) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	h := &Hub{
		source:  source,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "notify"),
		waiters: make(map[uint64][]chan update.Operation),
		events:  make(chan update.Operation, opts.Buffer),
	}
	for _, s := range sinks {
		cfg := opts.Breaker
		cfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
		h.sinks = append(h.sinks, boundSink{
			sink:    s,
			breaker: resilience.NewCircuitBreaker("sink-"+s.Name(), cfg),
		})
	}
	return h
}

// UpdateFinished wakes every waiter on op and queues op for the sinks. It
// never blocks.
func (h *Hub) UpdateFinished(op update.Operation) {
	h.mu.Lock()
	waiters := h.waiters[op.Seq]
	delete(h.waiters, op.Seq)
	h.mu.Unlock()
	for _, w := range waiters {
		w <- op
	}

	if len(h.sinks) == 0 {
		return
	}
	select {
	case h.events <- op:
	default:
		h.metrics.NotificationsTotal.WithLabelValues("all", "dropped").Inc()
		h.logger.Warn("notification buffer full, dropping event", "update_id", op.Seq)
	}
}

// Status returns the current record of seq. Concurrent lookups of the same
// update share one read.
func (h *Hub) Status(seq uint64) (update.Operation, error) {
	v, err, _ := h.group.Do(strconv.FormatUint(seq, 10), func() (any, error) {
		return h.source.Get(seq)
	})
	if err != nil {
		return update.Operation{}, err
	}
	return v.(update.Operation), nil
}

// Await blocks until seq reaches a terminal status, timeout elapses or ctx
// is done. On timeout the latest record is returned together with an error
// matching errors.ErrTimeout.
func (h *Hub) Await(ctx context.Context, seq uint64, timeout time.Duration) (update.Operation, error) {
	// register before reading so a finish between the two is not missed
	ch := make(chan update.Operation, 1)
	h.mu.Lock()
	h.waiters[seq] = append(h.waiters[seq], ch)
	h.mu.Unlock()
	defer h.forget(seq, ch)

	op, err := h.Status(seq)
	if err != nil || op.Status.Terminal() {
		return op, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case op := <-ch:
		return op, nil
	case <-timer.C:
		op, err := h.Status(seq)
		if err != nil {
			return op, err
		}
		if op.Status.Terminal() {
			return op, nil
		}
		return op, fmt.Errorf("update %d still %s after %v: %w", seq, op.Status, timeout, apperrors.ErrTimeout)
	case <-ctx.Done():
		return op, ctx.Err()
	}
}

func (h *Hub) forget(seq uint64, ch chan update.Operation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.waiters[seq]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(h.waiters, seq)
	} else {
		h.waiters[seq] = ws
	}
}

// Run delivers queued events to the sinks until ctx is cancelled, then
// drains what is already queued.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification dispatcher started", "sinks", len(h.sinks))
	for {
		select {
		case op := <-h.events:
			h.deliver(ctx, op)
		case <-ctx.Done():
			h.drain()
			h.logger.Info("notification dispatcher stopped")
			return
		}
	}
}

func (h *Hub) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.DeliveryTimeout)
	defer cancel()
	for {
		select {
		case op := <-h.events:
			h.deliver(ctx, op)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ctx context.Context, op update.Operation) {
	ev := NewEvent(op)
	for _, b := range h.sinks {
		retry := h.opts.Retry
		retry.OnRetry = func(int, error) {
			h.metrics.NotificationsTotal.WithLabelValues(b.sink.Name(), "retried").Inc()
		}
		err := b.breaker.Execute(func() error {
			return resilience.Retry(ctx, "deliver-"+b.sink.Name(), retry, func() error {
				return resilience.WithTimeout(ctx, h.opts.DeliveryTimeout, b.sink.Name(), func(ctx context.Context) error {
					return b.sink.Deliver(ctx, ev)
				})
			})
		})
		status := "delivered"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = "skipped"
		case err != nil:
			status = "failed"
			h.logger.Error("delivering update event failed", "sink", b.sink.Name(), "update_id", op.Seq, "error", err)
		}
		h.metrics.NotificationsTotal.WithLabelValues(b.sink.Name(), status).Inc()
	}
}

// Pending reports the number of events waiting for the sinks.
func (h *Hub) Pending() int {
	return len(h.events)
}

// Capacity is the number of events the hub buffers before dropping.
func (h *Hub) Capacity() int {
	return cap(h.events)
}
