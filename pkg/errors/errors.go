// Package errors defines the error taxonomy shared by the registry, the
// update queue and the update processor, together with the mapping of each
// class onto an HTTP status and onto the code persisted on failed updates.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrIndexNotFound   = errors.New("index not found")
	ErrValidation      = errors.New("validation error")
	ErrIndexing        = errors.New("indexing error")
	ErrStorage         = errors.New("storage error")
	ErrInterrupted     = errors.New("interrupted")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	ErrAborted         = errors.New("aborted")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal error")
	ErrTimeout         = errors.New("operation timed out")
)

// Code is the stable error identifier stored on a failed update record.
type Code string

const (
	CodeValidation Code = "validation_error"
	CodeIndexing   Code = "indexing_error"
	CodeStorage    Code = "storage_error"
	CodeInterrupt  Code = "interrupted"
	CodeAborted    Code = "aborted"
	CodeInternal   Code = "internal"
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Validation reports a malformed payload. The update is failed, never retried.
func Validation(format string, args ...any) error {
	return Newf(ErrValidation, http.StatusBadRequest, format, args...)
}

// Indexing reports an algorithm-level failure such as a primary key conflict.
func Indexing(format string, args ...any) error {
	return Newf(ErrIndexing, http.StatusBadRequest, format, args...)
}

// Storage wraps an engine error so that it matches both ErrStorage and the
// original cause.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsFatal reports whether err must halt the update processor.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorage)
}

// Classify maps err onto the code persisted on a failed update.
func Classify(err error) Code {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return CodeValidation
	case errors.Is(err, ErrIndexing), errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrIndexNotFound), errors.Is(err, ErrNotFound):
		return CodeIndexing
	case errors.Is(err, ErrStorage):
		return CodeStorage
	case errors.Is(err, ErrInterrupted):
		return CodeInterrupt
	case errors.Is(err, ErrAborted):
		return CodeAborted
	default:
		return CodeInternal
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidSnapshot), errors.Is(err, ErrIndexing):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
