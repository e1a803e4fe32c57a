package update

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// KindType names a Kind variant in persisted records.
type KindType string

const (
	TypeDocumentsAddition KindType = "documentsAddition"
	TypeDocumentsDeletion KindType = "documentsDeletion"
	TypeSettingsUpdate    KindType = "settingsUpdate"
	TypeClearAll          KindType = "clearAll"
	TypeRenameIndex       KindType = "renameIndex"
)

// Kind is the closed set of mutations an update can carry.
type Kind interface {
	Type() KindType
	isKind()
}

// MergeStrategy decides how an added document combines with an existing one
// sharing its primary key.
type MergeStrategy string

const (
	ReplaceDocuments MergeStrategy = "replace"
	UpdateDocuments  MergeStrategy = "update"
)

// DocumentsAddition adds or merges documents. Like SettingsUpdate, it creates
// its index when the index does not exist yet.
type DocumentsAddition struct {
	Documents  []json.RawMessage `json:"documents"`
	Method     MergeStrategy     `json:"method"`
	PrimaryKey string            `json:"primaryKey,omitempty"`
}

// DocumentsDeletion removes documents by id, or every document matching all
// of the filter's field equalities.
type DocumentsDeletion struct {
	IDs    []string       `json:"ids,omitempty"`
	Filter map[string]any `json:"filter,omitempty"`
}

// SettingsUpdate applies a partial settings diff.
type SettingsUpdate struct {
	Settings Settings `json:"settings"`
}

// ClearAllDocuments removes every document but keeps settings.
type ClearAllDocuments struct{}

// RenameIndex changes the index uid. Storage is untouched.
type RenameIndex struct {
	NewUID string `json:"newUid"`
}

func (DocumentsAddition) Type() KindType { return TypeDocumentsAddition }
func (DocumentsDeletion) Type() KindType { return TypeDocumentsDeletion }
func (SettingsUpdate) Type() KindType    { return TypeSettingsUpdate }
func (ClearAllDocuments) Type() KindType { return TypeClearAll }
func (RenameIndex) Type() KindType       { return TypeRenameIndex }

func (DocumentsAddition) isKind() {}
func (DocumentsDeletion) isKind() {}
func (SettingsUpdate) isKind()    {}
func (ClearAllDocuments) isKind() {}
func (RenameIndex) isKind()       {}

// CreatesIndex reports whether processing k may create its target index.
func CreatesIndex(k Kind) bool {
	switch k.(type) {
	case DocumentsAddition, SettingsUpdate:
		return true
	default:
		return false
	}
}

// DecodeKind rebuilds a Kind from its persisted type tag and payload.
func DecodeKind(t KindType, payload json.RawMessage) (Kind, error) {
	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(payload))
		d.UseNumber()
		if err := d.Decode(v); err != nil {
			return fmt.Errorf("decoding %s payload: %w", t, err)
		}
		return nil
	}
	switch t {
	case TypeDocumentsAddition:
		var k DocumentsAddition
		err := dec(&k)
		return k, err
	case TypeDocumentsDeletion:
		var k DocumentsDeletion
		err := dec(&k)
		return k, err
	case TypeSettingsUpdate:
		var k SettingsUpdate
		err := dec(&k)
		return k, err
	case TypeClearAll:
		return ClearAllDocuments{}, nil
	case TypeRenameIndex:
		var k RenameIndex
		err := dec(&k)
		return k, err
	default:
		return nil, fmt.Errorf("unknown update type %q", t)
	}
}
