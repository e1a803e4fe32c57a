package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type batch struct {
		IndexUID string `json:"indexUid"`
	}
	got, err := DecodeJSON[batch]([]byte(`{"indexUid":"movies"}`))
	require.NoError(t, err)
	assert.Equal(t, "movies", got.IndexUID)

	_, err = DecodeJSON[batch]([]byte(`{"indexUid":`))
	assert.ErrorIs(t, err, ErrSkip)
}

func TestToMessage(t *testing.T) {
	msg, err := toMessage(Event{
		Key:     "movies",
		Value:   map[string]any{"updateId": 3},
		Headers: map[string]string{"status": "processed"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("movies"), msg.Key)
	assert.JSONEq(t, `{"updateId":3}`, string(msg.Value))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, []byte("processed"), msg.Headers[0].Value)

	_, err = toMessage(Event{Value: make(chan int)})
	assert.Error(t, err)
}
