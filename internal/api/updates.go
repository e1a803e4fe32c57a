package api

import (
	"fmt"
	"net/http"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

const defaultUpdatesLimit = 100

// ListUpdates pages through the records of every index in sequence order.
func (h *Handler) ListUpdates(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultUpdatesLimit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	ops, err := h.svc.Updates(uint64(from), limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	resp := map[string]any{"results": ops, "limit": limit}
	if len(ops) == limit && limit > 0 {
		resp["next"] = ops[len(ops)-1].Seq + 1
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetUpdate(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSeq(r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	op, err := h.svc.Update(seq)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, op)
}

// CancelUpdate aborts an enqueued update, or flags the processing one so it
// stops at its next checkpoint.
func (h *Handler) CancelUpdate(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSeq(r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	op, err := h.svc.Cancel(r.Context(), seq)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, op)
}

func (h *Handler) ListIndexUpdates(w http.ResponseWriter, r *http.Request) {
	ops, err := h.svc.IndexUpdates(r.PathValue("uid"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": ops})
}

// GetIndexUpdate returns an update only if it targets the index in the path.
func (h *Handler) GetIndexUpdate(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	seq, err := parseSeq(r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	op, err := h.svc.Update(seq)
	if err == nil && op.IndexUID != uid {
		err = fmt.Errorf("update %d of index %q: %w", seq, uid, apperrors.ErrNotFound)
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, op)
}
