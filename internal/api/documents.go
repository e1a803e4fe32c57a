package api

import (
	"encoding/json"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
)

type deleteByFilterRequest struct {
	Filter map[string]any `json:"filter"`
}

// AddDocuments enqueues a batch that replaces documents sharing an id.
func (h *Handler) AddDocuments(w http.ResponseWriter, r *http.Request) {
	h.addDocuments(w, r, update.ReplaceDocuments)
}

// UpdateDocuments enqueues a batch merged field by field into the documents
// sharing an id.
func (h *Handler) UpdateDocuments(w http.ResponseWriter, r *http.Request) {
	h.addDocuments(w, r, update.UpdateDocuments)
}

func (h *Handler) addDocuments(w http.ResponseWriter, r *http.Request, method update.MergeStrategy) {
	var docs []json.RawMessage
	if !h.decode(w, r, &docs) {
		return
	}
	if err := validateDocuments(docs); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.enqueue(w, r, r.PathValue("uid"), update.DocumentsAddition{
		Documents:  docs,
		Method:     method,
		PrimaryKey: r.URL.Query().Get("primaryKey"),
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetDocument(r.PathValue("uid"), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", indexer.DefaultLimit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	docs, err := h.svc.ListDocuments(r.PathValue("uid"), offset, limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"results": docs,
		"offset":  offset,
		"limit":   limit,
	})
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, r.PathValue("uid"), update.DocumentsDeletion{IDs: []string{r.PathValue("id")}})
}

// DeleteDocuments enqueues the deletion of a batch of ids.
func (h *Handler) DeleteDocuments(w http.ResponseWriter, r *http.Request) {
	var raw []any
	if !h.decode(w, r, &raw) {
		return
	}
	ids, err := documentIDs(raw)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.enqueue(w, r, r.PathValue("uid"), update.DocumentsDeletion{IDs: ids})
}

// DeleteByFilter enqueues the deletion of every document whose fields equal
// all of the filter's values.
func (h *Handler) DeleteByFilter(w http.ResponseWriter, r *http.Request) {
	var req deleteByFilterRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validateFilter(req.Filter); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.enqueue(w, r, r.PathValue("uid"), update.DocumentsDeletion{Filter: req.Filter})
}

func (h *Handler) ClearDocuments(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, r.PathValue("uid"), update.ClearAllDocuments{})
}

// Search answers GET with the q, offset and limit query parameters and POST
// with the same fields as a JSON body.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req indexer.SearchRequest
	if r.Method == http.MethodPost {
		if !h.decode(w, r, &req) {
			return
		}
	} else {
		var err error
		req.Query = r.URL.Query().Get("q")
		if req.Offset, err = queryInt(r, "offset", 0); err != nil {
			h.writeAppError(w, r, err)
			return
		}
		if req.Limit, err = queryInt(r, "limit", 0); err != nil {
			h.writeAppError(w, r, err)
			return
		}
	}
	if err := validateSearch(req.Query, req.Offset, req.Limit); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	result, err := h.svc.Search(r.Context(), r.PathValue("uid"), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
