package update

import (
	"bytes"
	"encoding/json"
)

// SettingMode tells whether a settings diff leaves, sets or resets a field.
type SettingMode uint8

const (
	SettingUnchanged SettingMode = iota
	SettingSet
	SettingReset
)

// Setting is one field of a partial settings diff. An absent JSON field is
// unchanged, null resets the field to its default, any other value sets it.
type Setting[T any] struct {
	Mode  SettingMode
	Value T
}

// Set builds a Setting that assigns v.
func Set[T any](v T) Setting[T] {
	return Setting[T]{Mode: SettingSet, Value: v}
}

// Reset builds a Setting that restores the default.
func Reset[T any]() Setting[T] {
	return Setting[T]{Mode: SettingReset}
}

func (s Setting[T]) IsZero() bool {
	return s.Mode == SettingUnchanged
}

func (s Setting[T]) MarshalJSON() ([]byte, error) {
	if s.Mode != SettingSet {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}

func (s *Setting[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Reset[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Set(v)
	return nil
}

// Settings is a partial diff over an index's settings.
type Settings struct {
	SearchableAttributes Setting[[]string] `json:"searchableAttributes,omitzero"`
	DisplayedAttributes  Setting[[]string] `json:"displayedAttributes,omitzero"`
	StopWords            Setting[[]string] `json:"stopWords,omitzero"`
	DistinctAttribute    Setting[string]   `json:"distinctAttribute,omitzero"`
}
