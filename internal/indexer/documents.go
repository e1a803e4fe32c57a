package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

// Document is a decoded JSON object.
type Document map[string]any

var validDocID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,511}$`)

// forwardEntry lists the terms indexed for one document.
type forwardEntry struct {
	Terms  []string `json:"terms"`
	Length int      `json:"length"`
}

type preparedDoc struct {
	id    string
	doc   Document
	terms map[string]int
}

func (e *Engine) addDocuments(ctx context.Context, txn *kvstore.Txn, st *state, k update.DocumentsAddition) (update.Outcome, error) {
	if len(k.Documents) == 0 {
		return update.Outcome{PrimaryKey: st.meta.PrimaryKey}, nil
	}

	docs := make([]Document, len(k.Documents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, raw := range k.Documents {
		g.Go(func() error {
			doc, err := decodeDocument(raw)
			if err != nil {
				return apperrors.Validation("document %d: %v", i, err)
			}
			docs[i] = doc
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return update.Outcome{}, checkpoint(ctx, 0)
		}
		return update.Outcome{}, err
	}

	pk, err := resolvePrimaryKey(st.meta.PrimaryKey, k.PrimaryKey, k.Documents[0])
	if err != nil {
		return update.Outcome{}, err
	}
	st.meta.PrimaryKey = pk

	// Merge sequentially: later documents in the payload win over earlier
	// ones, and update mode folds fields into the stored version.
	order := make([]string, 0, len(docs))
	batch := make(map[string]Document, len(docs))
	for i, doc := range docs {
		id, err := documentID(doc, pk)
		if err != nil {
			return update.Outcome{}, apperrors.Validation("document %d: %v", i, err)
		}
		prev, seen := batch[id]
		if !seen {
			order = append(order, id)
			if k.Method == update.UpdateDocuments {
				stored, ok, err := readDocument(txn, id)
				if err != nil {
					return update.Outcome{}, err
				}
				if ok {
					prev, seen = stored, true
				}
			}
		}
		if seen && k.Method == update.UpdateDocuments {
			doc = mergeDocuments(prev, doc)
		}
		batch[id] = doc
	}

	prepared := make([]preparedDoc, len(order))
	stops := tokenizer.NewStopWords(st.settings.StopWords)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range order {
		g.Go(func() error {
			doc := batch[id]
			prepared[i] = preparedDoc{id: id, doc: doc, terms: termsOf(doc, st.settings.SearchableAttributes, stops)}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return update.Outcome{}, checkpoint(ctx, 0)
	}

	for i, p := range prepared {
		if i%e.checkpointEvery == 0 {
			if err := checkpoint(ctx, i); err != nil {
				return update.Outcome{}, err
			}
		}
		if err := removeDocument(txn, p.id); err != nil {
			return update.Outcome{}, err
		}
		if err := writeDocument(txn, p); err != nil {
			return update.Outcome{}, err
		}
	}
	e.logger.Debug("documents added", "count", len(prepared), "primary_key", pk, "method", k.Method)
	return update.Outcome{IndexedDocuments: len(prepared), PrimaryKey: pk}, nil
}

func (e *Engine) deleteDocuments(ctx context.Context, txn *kvstore.Txn, st *state, k update.DocumentsDeletion) (update.Outcome, error) {
	if len(k.IDs) == 0 && len(k.Filter) == 0 {
		return update.Outcome{}, apperrors.Validation("deletion needs document ids or a filter")
	}

	ids := k.IDs
	if len(k.Filter) > 0 {
		matched, err := matchFilter(txn, k.Filter)
		if err != nil {
			return update.Outcome{}, err
		}
		ids = append(append([]string{}, ids...), matched...)
	}

	deleted := 0
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if i%e.checkpointEvery == 0 {
			if err := checkpoint(ctx, i); err != nil {
				return update.Outcome{}, err
			}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		_, ok, err := txn.Get(docKey(id))
		if err != nil {
			return update.Outcome{}, err
		}
		if !ok {
			continue
		}
		if err := removeDocument(txn, id); err != nil {
			return update.Outcome{}, err
		}
		deleted++
	}
	return update.Outcome{DeletedDocuments: deleted, PrimaryKey: st.meta.PrimaryKey}, nil
}

func (e *Engine) clearDocuments(ctx context.Context, txn *kvstore.Txn) (update.Outcome, error) {
	if err := checkpoint(ctx, 0); err != nil {
		return update.Outcome{}, err
	}
	deleted, err := txn.DeletePrefix(prefixDoc)
	if err != nil {
		return update.Outcome{}, err
	}
	for _, prefix := range [][]byte{prefixForward, prefixTerm} {
		if _, err := txn.DeletePrefix(prefix); err != nil {
			return update.Outcome{}, err
		}
	}
	return update.Outcome{DeletedDocuments: deleted}, nil
}

// resolvePrimaryKey keeps the index's primary key once set. Otherwise the
// update's explicit key wins, then the first top-level field ending in "id".
func resolvePrimaryKey(current, requested string, first json.RawMessage) (string, error) {
	switch {
	case current != "" && requested != "" && current != requested:
		return "", apperrors.Indexing("primary key is already set to %q, cannot use %q", current, requested)
	case current != "":
		return current, nil
	case requested != "":
		return requested, nil
	}
	fields, err := topLevelFields(first)
	if err != nil {
		return "", apperrors.Validation("document 0: %v", err)
	}
	for _, f := range fields {
		if strings.HasSuffix(strings.ToLower(f), "id") {
			return f, nil
		}
	}
	return "", apperrors.Validation("could not infer a primary key from the first document")
}

// topLevelFields lists an object's keys in document order.
func topLevelFields(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("document is not a JSON object")
	}
	var fields []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		fields = append(fields, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func decodeDocument(raw json.RawMessage) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document is not a JSON object")
	}
	return doc, nil
}

// documentID extracts and normalises the primary key value.
func documentID(doc Document, pk string) (string, error) {
	v, ok := doc[pk]
	if !ok {
		return "", fmt.Errorf("missing primary key %q", pk)
	}
	var id string
	switch t := v.(type) {
	case string:
		id = t
	case json.Number:
		if _, err := t.Int64(); err != nil {
			return "", fmt.Errorf("primary key %q must be an integer or a string, got %s", pk, t)
		}
		id = t.String()
	default:
		return "", fmt.Errorf("primary key %q must be an integer or a string", pk)
	}
	if !validDocID.MatchString(id) {
		return "", fmt.Errorf("document id %q is badly formatted", id)
	}
	return id, nil
}

func mergeDocuments(base, patch Document) Document {
	merged := make(Document, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// termsOf tokenises the searchable fields of doc. Nil searchable means all.
func termsOf(doc Document, searchable []string, stops tokenizer.StopWords) map[string]int {
	fields := searchable
	if fields == nil {
		fields = make([]string, 0, len(doc))
		for f := range doc {
			fields = append(fields, f)
		}
		sort.Strings(fields)
	}
	terms := make(map[string]int)
	for _, f := range fields {
		v, ok := doc[f]
		if !ok {
			continue
		}
		for term, n := range tokenizer.Frequencies(flatten(v), stops) {
			terms[term] += n
		}
	}
	return terms
}

// flatten renders a field value as searchable text.
func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, flatten(item))
		}
		return strings.Join(parts, " ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(t))
		for _, k := range keys {
			parts = append(parts, flatten(t[k]))
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func readDocument(txn *kvstore.Txn, id string) (Document, bool, error) {
	data, ok, err := txn.Get(docKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, false, apperrors.Storage("decoding stored document "+id, err)
	}
	return doc, true, nil
}

func writeDocument(txn *kvstore.Txn, p preparedDoc) error {
	data, err := json.Marshal(p.doc)
	if err != nil {
		return apperrors.Validation("document %q cannot be encoded: %v", p.id, err)
	}
	if err := txn.Put(docKey(p.id), data); err != nil {
		return err
	}
	fwd := forwardEntry{Terms: make([]string, 0, len(p.terms))}
	for term, n := range p.terms {
		if err := txn.Put(termKey(term, p.id), encodeFreq(n)); err != nil {
			return err
		}
		fwd.Terms = append(fwd.Terms, term)
		fwd.Length += n
	}
	sort.Strings(fwd.Terms)
	return putJSON(txn, forwardKey(p.id), fwd)
}

// removeDocument deletes a document and its postings. Absent ids are ignored.
func removeDocument(txn *kvstore.Txn, id string) error {
	var fwd forwardEntry
	ok, err := getJSON(txn, forwardKey(id), &fwd)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, term := range fwd.Terms {
		if err := txn.Delete(termKey(term, id)); err != nil {
			return err
		}
	}
	if err := txn.Delete(forwardKey(id)); err != nil {
		return err
	}
	return txn.Delete(docKey(id))
}

func matchFilter(txn *kvstore.Txn, filter map[string]any) ([]string, error) {
	var ids []string
	err := txn.Iterate(prefixDoc, false, func(key, val []byte) error {
		doc, err := decodeDocument(val)
		if err != nil {
			return apperrors.Storage("decoding stored document", err)
		}
		for field, want := range filter {
			got, ok := doc[field]
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return nil
			}
		}
		ids = append(ids, string(key[len(prefixDoc):]))
		return nil
	})
	return ids, err
}
