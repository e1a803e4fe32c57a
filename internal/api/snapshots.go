package api

import (
	"fmt"
	"net/http"
	"path/filepath"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

type restoreRequest struct {
	Name string `json:"name"`
}

func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	path, manifest, err := h.svc.CreateSnapshot(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"name":     filepath.Base(path),
		"manifest": manifest,
	})
}

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	paths, err := h.svc.Snapshots()
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": names})
}

// RestoreSnapshot restores one of the listed archives, by name. Paths outside
// the snapshot directory cannot be named.
func (h *Handler) RestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		h.writeAppError(w, r, &ValidationError{Fields: map[string]string{"name": "snapshot name is required"}})
		return
	}
	paths, err := h.svc.Snapshots()
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	var path string
	for _, p := range paths {
		if filepath.Base(p) == req.Name {
			path = p
			break
		}
	}
	if path == "" {
		h.writeAppError(w, r, fmt.Errorf("snapshot %q: %w", req.Name, apperrors.ErrNotFound))
		return
	}
	if err := h.svc.RestoreSnapshot(r.Context(), path); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"restored": req.Name})
}
