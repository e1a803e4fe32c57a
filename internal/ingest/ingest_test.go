package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kafka"
)

type enqueueCall struct {
	uid  string
	kind update.Kind
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, uid string, kind update.Kind) (update.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return update.Operation{}, f.err
	}
	f.calls = append(f.calls, enqueueCall{uid: uid, kind: kind})
	return update.Operation{Seq: uint64(len(f.calls) - 1), IndexUID: uid, Kind: kind, Status: update.StatusEnqueued}, nil
}

func TestHandleMessageEnqueuesAddition(t *testing.T) {
	q := &fakeQueue{}
	handle := HandleMessage(q)

	err := handle(context.Background(), nil,
		[]byte(`{"indexUid":"books","documents":[{"id":"1"},{"id":"2"}],"primaryKey":"id","method":"update"}`))
	require.NoError(t, err)

	require.Len(t, q.calls, 1)
	assert.Equal(t, "books", q.calls[0].uid)
	add, ok := q.calls[0].kind.(update.DocumentsAddition)
	require.True(t, ok)
	assert.Len(t, add.Documents, 2)
	assert.Equal(t, update.UpdateDocuments, add.Method)
	assert.Equal(t, "id", add.PrimaryKey)
}

func TestHandleMessageUsesKeyAsIndex(t *testing.T) {
	q := &fakeQueue{}
	require.NoError(t, HandleMessage(q)(context.Background(), []byte("films"), []byte(`{"documents":[{"id":1}]}`)))

	require.Len(t, q.calls, 1)
	assert.Equal(t, "films", q.calls[0].uid)
	assert.Equal(t, update.ReplaceDocuments, q.calls[0].kind.(update.DocumentsAddition).Method)
}

func TestHandleMessageSkipsBadEvents(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"not json", "", `{"indexUid":`},
		{"no index", "", `{"documents":[{"id":1}]}`},
		{"no documents", "books", `{"documents":[]}`},
		{"bad method", "books", `{"documents":[{"id":1}],"method":"upsert"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			err := HandleMessage(q)(context.Background(), []byte(tt.key), []byte(tt.value))
			assert.ErrorIs(t, err, kafka.ErrSkip)
			assert.Empty(t, q.calls)
		})
	}
}

func TestHandleMessageClassifiesQueueErrors(t *testing.T) {
	msg := []byte(`{"indexUid":"books","documents":[{"id":1}]}`)

	q := &fakeQueue{err: apperrors.Validation("badly formatted index uid")}
	err := HandleMessage(q)(context.Background(), nil, msg)
	assert.ErrorIs(t, err, kafka.ErrSkip)

	q = &fakeQueue{err: apperrors.Storage("writing update", errors.New("disk full"))}
	err = HandleMessage(q)(context.Background(), nil, msg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, kafka.ErrSkip, "storage failures are retried")
	assert.ErrorIs(t, err, apperrors.ErrStorage)
}
