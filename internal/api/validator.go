package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
)

const (
	maxQueryLength = 1024
	maxFilterKeys  = 32
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func validationErr(errs map[string]string) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: errs}
}

// validateDocuments requires a non-empty batch of JSON objects.
func validateDocuments(docs []json.RawMessage) error {
	errs := make(map[string]string)
	if len(docs) == 0 {
		errs["documents"] = "at least one document is required"
	}
	for i, doc := range docs {
		if trimmed := bytes.TrimSpace(doc); len(trimmed) == 0 || trimmed[0] != '{' {
			errs[fmt.Sprintf("documents[%d]", i)] = "document must be a JSON object"
		}
	}
	return validationErr(errs)
}

// documentIDs converts the ids of a delete batch, which may be strings or
// integers, to their string form.
func documentIDs(raw []any) ([]string, error) {
	errs := make(map[string]string)
	if len(raw) == 0 {
		errs["ids"] = "at least one document id is required"
	}
	ids := make([]string, 0, len(raw))
	for i, v := range raw {
		switch id := v.(type) {
		case string:
			if id == "" {
				errs[fmt.Sprintf("ids[%d]", i)] = "document id must not be empty"
				continue
			}
			ids = append(ids, id)
		case json.Number:
			if _, err := id.Int64(); err != nil {
				errs[fmt.Sprintf("ids[%d]", i)] = "numeric document id must be an integer"
				continue
			}
			ids = append(ids, id.String())
		default:
			errs[fmt.Sprintf("ids[%d]", i)] = "document id must be a string or an integer"
		}
	}
	return ids, validationErr(errs)
}

func validateFilter(filter map[string]any) error {
	errs := make(map[string]string)
	switch {
	case len(filter) == 0:
		errs["filter"] = "filter must name at least one field"
	case len(filter) > maxFilterKeys:
		errs["filter"] = fmt.Sprintf("filter must name at most %d fields", maxFilterKeys)
	}
	for field, v := range filter {
		switch v.(type) {
		case map[string]any, []any:
			errs["filter."+field] = "filter values must be scalars"
		}
	}
	return validationErr(errs)
}

func validateSettings(s update.Settings) error {
	errs := make(map[string]string)
	if s.SearchableAttributes.IsZero() && s.DisplayedAttributes.IsZero() &&
		s.StopWords.IsZero() && s.DistinctAttribute.IsZero() {
		errs["settings"] = "at least one setting is required"
	}
	checkList := func(name string, attrs update.Setting[[]string]) {
		for _, a := range attrs.Value {
			if strings.TrimSpace(a) == "" {
				errs[name] = "attribute names must not be empty"
				return
			}
		}
	}
	checkList("searchableAttributes", s.SearchableAttributes)
	checkList("displayedAttributes", s.DisplayedAttributes)
	return validationErr(errs)
}

func validateSearch(q string, offset, limit int) error {
	errs := make(map[string]string)
	if len(q) > maxQueryLength {
		errs["q"] = fmt.Sprintf("query must be at most %d characters", maxQueryLength)
	}
	if offset < 0 {
		errs["offset"] = "must be a non-negative integer"
	}
	if limit < 0 {
		errs["limit"] = "must be a non-negative integer"
	}
	return validationErr(errs)
}
