package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("committing", cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsFatal(err))
	assert.Nil(t, Storage("noop", nil))

	again := Storage("outer", err)
	assert.Equal(t, err, again)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"validation", Validation("bad id %q", "a b"), CodeValidation},
		{"indexing", Indexing("primary key conflict"), CodeIndexing},
		{"storage", Storage("get", errors.New("io")), CodeStorage},
		{"interrupted", fmt.Errorf("recovery: %w", ErrInterrupted), CodeInterrupt},
		{"aborted", ErrAborted, CodeAborted},
		{"other", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatusCode(fmt.Errorf("x: %w", ErrIndexNotFound)))
	assert.Equal(t, http.StatusConflict, HTTPStatusCode(ErrAlreadyExists))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusCode(ErrInvalidSnapshot))
	assert.Equal(t, http.StatusTeapot, HTTPStatusCode(New(ErrInternal, http.StatusTeapot, "tea")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(errors.New("boom")))
}
