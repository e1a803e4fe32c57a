// Package api is the HTTP surface of the engine: index management, document
// updates, search, update status and snapshots, routed on a stdlib ServeMux
// over the controller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/snapshot"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/logger"
)

// Service is what the handlers need from the controller.
type Service interface {
	ListIndexes() ([]registry.Info, error)
	CreateIndex(ctx context.Context, uid, primaryKey string) (registry.Info, error)
	GetIndex(uid string) (registry.Info, error)
	DeleteIndex(ctx context.Context, uid string) error

	Enqueue(ctx context.Context, uid string, kind update.Kind) (update.Operation, error)
	Update(seq uint64) (update.Operation, error)
	Await(ctx context.Context, seq uint64, timeout time.Duration) (update.Operation, error)
	Cancel(ctx context.Context, seq uint64) (update.Operation, error)
	IndexUpdates(uid string) ([]update.Operation, error)
	Updates(from uint64, limit int) ([]update.Operation, error)

	GetDocument(uid, id string) (indexer.Document, error)
	ListDocuments(uid string, offset, limit int) ([]indexer.Document, error)
	Settings(uid string) (indexer.Settings, error)
	Stats(uid string) (indexer.Stats, error)
	Search(ctx context.Context, uid string, req indexer.SearchRequest) (*indexer.SearchResult, error)

	CreateSnapshot(ctx context.Context) (string, *snapshot.Manifest, error)
	Snapshots() ([]string, error)
	RestoreSnapshot(ctx context.Context, path string) error
}

// Handler serves every API route.
type Handler struct {
	svc             Service
	maxPayloadBytes int64
	maxWait         time.Duration
	logger          *slog.Logger
}

// NewHandler creates a Handler. Request bodies above maxPayloadBytes are
// rejected and ?wait= is capped at maxWait.
func NewHandler(svc Service, maxPayloadBytes int64, maxWait time.Duration) *Handler {
	return &Handler{
		svc:             svc,
		maxPayloadBytes: maxPayloadBytes,
		maxWait:         maxWait,
		logger:          slog.Default().With("component", "api"),
	}
}

// enqueue records kind against uid and answers with the update record.
// Without ?wait= it returns 202 at once; with it, the call blocks until the
// update is terminal (200) or the wait elapses (202 with the latest record).
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, uid string, kind update.Kind) {
	wait, err := h.waitParam(r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	op, err := h.svc.Enqueue(r.Context(), uid, kind)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if wait <= 0 {
		h.writeJSON(w, http.StatusAccepted, op)
		return
	}
	latest, err := h.svc.Await(r.Context(), op.Seq, wait)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, latest)
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.Canceled):
		h.writeJSON(w, http.StatusAccepted, latest)
	default:
		h.writeAppError(w, r, err)
	}
}

func (h *Handler) waitParam(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return 0, &ValidationError{Fields: map[string]string{"wait": "must be a duration such as 5s"}}
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, &ValidationError{Fields: map[string]string{"wait": "must not be negative"}}
	}
	if h.maxWait > 0 && d > h.maxWait {
		d = h.maxWait
	}
	return d, nil
}

// decode reads a JSON body of at most maxPayloadBytes into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if h.maxPayloadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxPayloadBytes)
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps err onto its status. Details of internal failures stay
// in the log.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
		return
	}
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", status,
			"error", err,
		)
		if status != http.StatusServiceUnavailable {
			h.writeError(w, status, "internal error")
			return
		}
	}
	h.writeError(w, status, err.Error())
}

func parseSeq(v string) (uint64, error) {
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, apperrors.Validation("update id %q is not a number", v)
	}
	return seq, nil
}

// queryInt reads a non-negative integer query parameter, def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &ValidationError{Fields: map[string]string{name: "must be a non-negative integer"}}
	}
	return n, nil
}
