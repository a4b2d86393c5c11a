package schema

import (
	"encoding/json"
	"math"
	"strings"
)

// Document is a schemaless JSON object. Nested fields are addressed with
// dotted paths ("address.city").
type Document map[string]any

// Get returns the value at the dotted path.
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores v at the dotted path, creating intermediate objects.
func (d Document) Set(path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

// ID returns the primary key value.
func (d Document) ID(primaryKey string) string {
	id, _ := d[primaryKey].(string)
	return id
}

// Deleted reports the soft delete flag.
func (d Document) Deleted() bool {
	deleted, _ := d[FieldDeleted].(bool)
	return deleted
}

// Rev returns the revision.
func (d Document) Rev() string {
	rev, _ := d[FieldRev].(string)
	return rev
}

// LWT returns the last write time in unix milliseconds.
func (d Document) LWT() float64 {
	v, _ := d.Get(FieldLWT)
	f, _ := ToFloat(v)
	return f
}

// Clone returns a deep copy. Nested objects and arrays are copied, scalars shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Marshal encodes the document as JSON.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(d))
}

// Unmarshal decodes a JSON object into a Document.
func Unmarshal(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// ToFloat converts every Go number type (and json.Number) to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && !math.IsNaN(f)
	default:
		return 0, false
	}
}
