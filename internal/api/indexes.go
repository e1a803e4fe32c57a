package api

import (
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
)

type createIndexRequest struct {
	UID        string `json:"uid"`
	PrimaryKey string `json:"primaryKey"`
}

type renameIndexRequest struct {
	UID string `json:"uid"`
}

func (h *Handler) ListIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := h.svc.ListIndexes()
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": indexes})
}

func (h *Handler) CreateIndex(w http.ResponseWriter, r *http.Request) {
	var req createIndexRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UID == "" {
		h.writeAppError(w, r, &ValidationError{Fields: map[string]string{"uid": "uid is required"}})
		return
	}
	info, err := h.svc.CreateIndex(r.Context(), req.UID, req.PrimaryKey)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetIndex(r.PathValue("uid"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// RenameIndex enqueues a rename. The index keeps its storage and documents.
func (h *Handler) RenameIndex(w http.ResponseWriter, r *http.Request) {
	var req renameIndexRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UID == "" {
		h.writeAppError(w, r, &ValidationError{Fields: map[string]string{"uid": "new uid is required"}})
		return
	}
	h.enqueue(w, r, r.PathValue("uid"), update.RenameIndex{NewUID: req.UID})
}

func (h *Handler) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteIndex(r.Context(), r.PathValue("uid")); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.PathValue("uid"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.svc.Settings(r.PathValue("uid"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// UpdateSettings enqueues a partial settings diff. A field set to null is
// reset to its default.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var diff update.Settings
	if !h.decode(w, r, &diff) {
		return
	}
	if err := validateSettings(diff); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.enqueue(w, r, r.PathValue("uid"), update.SettingsUpdate{Settings: diff})
}

func (h *Handler) ResetSettings(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, r.PathValue("uid"), update.SettingsUpdate{Settings: update.Settings{
		SearchableAttributes: update.Reset[[]string](),
		DisplayedAttributes:  update.Reset[[]string](),
		StopWords:            update.Reset[[]string](),
		DistinctAttribute:    update.Reset[string](),
	}})
}
