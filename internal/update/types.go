// Package update defines the durable unit of mutating work: the update
// record, its kind (a closed set of variants) and its status lifecycle.
package update

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

// Status is the lifecycle state of an update.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed || s == StatusAborted
}

// transitions lists every allowed status change. Processing back to Enqueued
// exists only for crash recovery.
var transitions = map[Status][]Status{
	StatusEnqueued:   {StatusProcessing, StatusAborted},
	StatusProcessing: {StatusProcessed, StatusFailed, StatusEnqueued},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome summarises a committed update.
type Outcome struct {
	IndexedDocuments int    `json:"indexedDocuments,omitempty"`
	DeletedDocuments int    `json:"deletedDocuments,omitempty"`
	PrimaryKey       string `json:"primaryKey,omitempty"`
	NewUID           string `json:"newUid,omitempty"`
	CreatedIndex     bool   `json:"createdIndex,omitempty"`
}

// Failure is the classified error stored on a failed update.
type Failure struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// NewFailure classifies err for persistence.
func NewFailure(err error) *Failure {
	return &Failure{Code: apperrors.Classify(err), Message: err.Error()}
}

// Operation is one enqueued update and everything known about its progress.
type Operation struct {
	Seq             uint64
	IndexUID        string
	IndexUUID       string
	Kind            Kind
	Status          Status
	Outcome         *Outcome
	Error           *Failure
	Duration        time.Duration
	EnqueuedAt      time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CancelRequested bool
}

type operationJSON struct {
	Seq             uint64          `json:"updateId"`
	IndexUID        string          `json:"indexUid"`
	IndexUUID       string          `json:"indexUuid,omitempty"`
	Type            KindType        `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Status          Status          `json:"status"`
	Outcome         *Outcome        `json:"outcome,omitempty"`
	Error           *Failure        `json:"error,omitempty"`
	DurationSeconds float64         `json:"duration,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueuedAt"`
	StartedAt       *time.Time      `json:"startedProcessingAt,omitempty"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	if op.Kind == nil {
		return nil, fmt.Errorf("update %d has no kind", op.Seq)
	}
	payload, err := json.Marshal(op.Kind)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", op.Kind.Type(), err)
	}
	return json.Marshal(operationJSON{
		Seq:             op.Seq,
		IndexUID:        op.IndexUID,
		IndexUUID:       op.IndexUUID,
		Type:            op.Kind.Type(),
		Payload:         payload,
		Status:          op.Status,
		Outcome:         op.Outcome,
		Error:           op.Error,
		DurationSeconds: op.Duration.Seconds(),
		EnqueuedAt:      op.EnqueuedAt,
		StartedAt:       op.StartedAt,
		FinishedAt:      op.FinishedAt,
		CancelRequested: op.CancelRequested,
	})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := DecodeKind(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*op = Operation{
		Seq:             raw.Seq,
		IndexUID:        raw.IndexUID,
		IndexUUID:       raw.IndexUUID,
		Kind:            kind,
		Status:          raw.Status,
		Outcome:         raw.Outcome,
		Error:           raw.Error,
		Duration:        time.Duration(raw.DurationSeconds * float64(time.Second)),
		EnqueuedAt:      raw.EnqueuedAt,
		StartedAt:       raw.StartedAt,
		FinishedAt:      raw.FinishedAt,
		CancelRequested: raw.CancelRequested,
	}
	return nil
}
