package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/kv"
)

// Reserved document fields
const (
	FieldDeleted     = "_deleted"
	FieldRev         = "_rev"
	FieldMeta        = "_meta"
	FieldLWT         = "_meta.lwt" // last write time, unix milliseconds
	FieldAttachments = "_attachments"
)

// FieldType is the declared type of a document field
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Indexable reports whether fields of this type can be part of an index.
func (t FieldType) Indexable() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		return true
	default:
		return false
	}
}

// Field declares one (possibly nested) document property.
// MaxLength is required for indexed string fields; it fixes the width of the encoded segment.
type Field struct {
	Type      FieldType `json:"type"`
	MaxLength int       `json:"maxLength,omitempty"`
}

// --------------------------------------------------------------------------
// Index definitions
// --------------------------------------------------------------------------

// IndexField is one component of a composite index.
type IndexField struct {
	Path string
	Desc bool
}

func (f IndexField) String() string {
	if f.Desc {
		return "-" + f.Path
	}
	return f.Path
}

// MarshalJSON writes the field as "path" or "-path" (descending).
func (f IndexField) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON reads "path" or "-path" (descending).
func (f *IndexField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f.Desc = strings.HasPrefix(s, "-")
	f.Path = strings.TrimPrefix(s, "-")
	return nil
}

// Index is a declared composite index (without the implicit _deleted field).
type Index []IndexField

// Asc builds an ascending index over the given paths.
func Asc(paths ...string) Index {
	idx := make(Index, len(paths))
	for i, p := range paths {
		idx[i] = IndexField{Path: p}
	}
	return idx
}

// Name joins the fields, e.g. "age,-name".
func (idx Index) Name() string {
	parts := make([]string, len(idx))
	for i, f := range idx {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

// StorageIndex is an index as it is materialized on the substrate: the
// implicit _deleted field first and the primary key last.
type StorageIndex struct {
	ID      string       // stable identifier, used as kv.Key.Sub
	Fields  []IndexField // including _deleted and the primary key
	Cleanup bool         // the internal [_deleted, _meta.lwt, pk] index
}

// QueryFields returns the fields without the leading _deleted.
func (s StorageIndex) QueryFields() []IndexField {
	return s.Fields[1:]
}

// Name returns the joined query fields.
func (s StorageIndex) Name() string {
	return Index(s.QueryFields()).Name()
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

// Schema describes one collection: its primary key, the declared fields and the indexes.
type Schema struct {
	Version    int              `json:"version"`
	PrimaryKey string           `json:"primaryKey"`
	Properties map[string]Field `json:"properties"`
	Indexes    []Index          `json:"indexes"`
}

// Parse decodes a JSON schema and validates it.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("invalid schema json: %v", err))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Field returns the declaration of path. The reserved fields _deleted and
// _meta.lwt are always declared.
func (s *Schema) Field(path string) (Field, bool) {
	switch path {
	case FieldDeleted:
		return Field{Type: TypeBoolean}, true
	case FieldLWT:
		return Field{Type: TypeNumber}, true
	case FieldRev:
		return Field{Type: TypeString, MaxLength: 64}, true
	}
	f, ok := s.Properties[path]
	return f, ok
}

// Validate checks the primary key and every index field declaration.
func (s *Schema) Validate() error {
	if s.PrimaryKey == "" {
		return kv.NewError(kv.RetCInvalidOperation, "schema has no primary key")
	}
	if strings.HasPrefix(s.PrimaryKey, "_") {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("primary key %q must not start with an underscore", s.PrimaryKey))
	}
	pk, ok := s.Properties[s.PrimaryKey]
	if !ok {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("primary key %q is not declared", s.PrimaryKey))
	}
	if pk.Type != TypeString || pk.MaxLength <= 0 {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("primary key %q must be a string with maxLength", s.PrimaryKey))
	}

	for i, idx := range s.Indexes {
		if len(idx) == 0 {
			return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("index %d is empty", i))
		}
		seen := make(map[string]bool, len(idx))
		for _, f := range idx {
			if seen[f.Path] {
				return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("index %q lists %q twice", idx.Name(), f.Path))
			}
			seen[f.Path] = true
			if f.Path == FieldDeleted {
				return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("index %q must not list %s, it is implicit", idx.Name(), FieldDeleted))
			}
			if err := s.checkIndexable(f.Path); err != nil {
				return fmt.Errorf("index %q: %w", idx.Name(), err)
			}
		}
	}
	return nil
}

func (s *Schema) checkIndexable(path string) error {
	f, ok := s.Field(path)
	if !ok {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("field %q is not declared", path))
	}
	if !f.Type.Indexable() {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("field %q of type %s can not be indexed", path, f.Type))
	}
	if f.Type == TypeString && f.MaxLength <= 0 {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("indexed string field %q needs a maxLength", path))
	}
	return nil
}

// StorageIndexes returns the materialized indexes in a stable order:
// the declared indexes, the primary key index (unless declared) and the cleanup index.
func (s *Schema) StorageIndexes() []StorageIndex {
	pk := IndexField{Path: s.PrimaryKey}
	out := make([]StorageIndex, 0, len(s.Indexes)+2)
	names := make(map[string]bool, len(s.Indexes)+2)

	add := func(idx Index, cleanup bool) {
		fields := make([]IndexField, 0, len(idx)+2)
		fields = append(fields, IndexField{Path: FieldDeleted})
		hasPK := false
		for _, f := range idx {
			fields = append(fields, f)
			hasPK = hasPK || f.Path == s.PrimaryKey
		}
		// the primary key makes every index entry unique
		if !hasPK {
			fields = append(fields, pk)
		}
		name := Index(fields[1:]).Name()
		if names[name] && !cleanup {
			return
		}
		names[name] = true
		out = append(out, StorageIndex{
			ID:      fmt.Sprintf("i%d", len(out)),
			Fields:  fields,
			Cleanup: cleanup,
		})
	}

	for _, idx := range s.Indexes {
		add(idx, false)
	}
	add(Index{pk}, false)
	add(Index{{Path: FieldLWT}, pk}, true)
	return out
}

// LayoutName describes the materialized index layout. Instances refuse to
// open a key space whose stored layout differs.
func (s *Schema) LayoutName() string {
	var parts []string
	for _, idx := range s.StorageIndexes() {
		parts = append(parts, idx.ID+"="+idx.Name())
	}
	return strings.Join(parts, ";")
}
