package update

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

func TestTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusEnqueued, StatusProcessing},
		{StatusEnqueued, StatusAborted},
		{StatusProcessing, StatusProcessed},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusEnqueued},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]Status{
		{StatusEnqueued, StatusProcessed},
		{StatusProcessing, StatusAborted},
		{StatusProcessed, StatusEnqueued},
		{StatusFailed, StatusProcessing},
		{StatusAborted, StatusEnqueued},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	assert.True(t, StatusAborted.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestOperationJSONKeepsKind(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	op := Operation{
		Seq:      42,
		IndexUID: "movies",
		Kind: DocumentsAddition{
			Documents: []json.RawMessage{json.RawMessage(`{"id":12345678901234567,"title":"x"}`)},
			Method:    UpdateDocuments,
		},
		Status:     StatusFailed,
		Error:      NewFailure(apperrors.Validation("missing primary key")),
		Duration:   1500 * time.Millisecond,
		EnqueuedAt: started,
		StartedAt:  &started,
	}

	data, err := json.Marshal(op)
	require.NoError(t, err)

	var got Operation
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, op.Seq, got.Seq)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, apperrors.CodeValidation, got.Error.Code)
	assert.Equal(t, op.Duration, got.Duration)

	add, ok := got.Kind.(DocumentsAddition)
	require.True(t, ok)
	assert.Equal(t, UpdateDocuments, add.Method)
	assert.JSONEq(t, `{"id":12345678901234567,"title":"x"}`, string(add.Documents[0]))
}

func TestSettingsDiffModes(t *testing.T) {
	var s Settings
	require.NoError(t, json.Unmarshal([]byte(`{"stopWords":["the"],"displayedAttributes":null}`), &s))

	assert.Equal(t, SettingSet, s.StopWords.Mode)
	assert.Equal(t, []string{"the"}, s.StopWords.Value)
	assert.Equal(t, SettingReset, s.DisplayedAttributes.Mode)
	assert.Equal(t, SettingUnchanged, s.SearchableAttributes.Mode)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stopWords":["the"],"displayedAttributes":null}`, string(data))
}

func TestDecodeKindRejectsUnknownType(t *testing.T) {
	_, err := DecodeKind("nope", nil)
	require.Error(t, err)

	k, err := DecodeKind(TypeClearAll, nil)
	require.NoError(t, err)
	assert.Equal(t, ClearAllDocuments{}, k)

	_, err = DecodeKind(TypeRenameIndex, json.RawMessage(`{`))
	assert.True(t, err != nil && !errors.Is(err, apperrors.ErrStorage))
}

func TestCreatesIndex(t *testing.T) {
	assert.True(t, CreatesIndex(DocumentsAddition{}))
	assert.True(t, CreatesIndex(SettingsUpdate{}))
	assert.False(t, CreatesIndex(DocumentsDeletion{}))
	assert.False(t, CreatesIndex(ClearAllDocuments{}))
	assert.False(t, CreatesIndex(RenameIndex{}))
}
