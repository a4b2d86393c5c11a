package indexstring

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
)

// --------------------------------------------------------------------------
// Segment layout
// --------------------------------------------------------------------------

const (
	tagNull  byte = 0x01 // null or absent value
	tagValue byte = 0x02 // present, non-null value

	numberWidth = 16 // hex digits of a sortable float64
)

// ErrQuantumOverflow is returned by ChangeByOneQuantum when the string is
// already the largest (direction > 0) or smallest (direction < 0) string of its width.
var ErrQuantumOverflow = errors.New("indexstring: quantum shift overflow")

// Sentinel is a bound element that stands for a whole segment instead of a value.
// Sentinels are positional: they describe encoded strings, not values, so
// they are not inverted for descending fields.
type Sentinel uint8

const (
	// IndexMin is a segment of 0x00 bytes, below every real segment.
	IndexMin Sentinel = iota + 1
	// IndexMax is a segment of 0xff bytes, above every real segment.
	IndexMax
	// NonNullMin is the smallest encoding of a non-null value (nulls sort outside).
	NonNullMin
	// NonNullMax is the largest encoding of a non-null value (nulls sort outside).
	NonNullMax
)

func (s Sentinel) String() string {
	switch s {
	case IndexMin:
		return "IndexMin"
	case IndexMax:
		return "IndexMax"
	case NonNullMin:
		return "NonNullMin"
	case NonNullMax:
		return "NonNullMax"
	default:
		return "Unknown"
	}
}

// SegmentWidth returns the fixed width of the segment of a field.
func SegmentWidth(f schema.Field) int {
	switch f.Type {
	case schema.TypeBoolean:
		return 2
	case schema.TypeNumber, schema.TypeInteger:
		return 1 + numberWidth
	case schema.TypeString:
		return 1 + f.MaxLength
	default:
		return 0
	}
}

// Width returns the total width of an index string over fields.
func Width(s *schema.Schema, fields []schema.IndexField) (int, error) {
	total := 0
	for _, f := range fields {
		decl, err := indexedField(s, f.Path)
		if err != nil {
			return 0, err
		}
		total += SegmentWidth(decl)
	}
	return total, nil
}

func indexedField(s *schema.Schema, path string) (schema.Field, error) {
	decl, ok := s.Field(path)
	if !ok {
		return schema.Field{}, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("field %q is not declared", path))
	}
	if !decl.Type.Indexable() || SegmentWidth(decl) <= 1 {
		return schema.Field{}, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("field %q can not be indexed", path))
	}
	return decl, nil
}

// --------------------------------------------------------------------------
// Value encoding
// --------------------------------------------------------------------------

// EncodeValue encodes a single value of a field as an ascending segment.
// A nil value encodes as null. lossy is set when the value had to be
// truncated (strings longer than MaxLength or containing NUL); a lossy
// segment is a valid bound (see package doc) but not an exact key.
func EncodeValue(decl schema.Field, v any) (segment []byte, lossy bool, err error) {
	width := SegmentWidth(decl)
	seg := make([]byte, 0, width)
	if v == nil {
		seg = append(seg, tagNull)
		return append(seg, make([]byte, width-1)...), false, nil
	}
	seg = append(seg, tagValue)

	switch decl.Type {
	case schema.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, false, typeError(decl, v)
		}
		if b {
			return append(seg, '1'), false, nil
		}
		return append(seg, '0'), false, nil

	case schema.TypeNumber, schema.TypeInteger:
		f, ok := schema.ToFloat(v)
		if !ok || math.IsNaN(f) {
			return nil, false, typeError(decl, v)
		}
		return append(seg, sortableFloat(f)...), false, nil

	case schema.TypeString:
		str, ok := v.(string)
		if !ok {
			return nil, false, typeError(decl, v)
		}
		if i := strings.IndexByte(str, 0); i >= 0 {
			str, lossy = str[:i], true
		}
		if len(str) > decl.MaxLength {
			str, lossy = str[:decl.MaxLength], true
		}
		seg = append(seg, str...)
		return append(seg, make([]byte, width-len(seg))...), lossy, nil

	default:
		return nil, false, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("type %s can not be indexed", decl.Type))
	}
}

func typeError(decl schema.Field, v any) error {
	return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("value %v (%T) does not match field type %s", v, v, decl.Type))
}

// sortableFloat maps a float64 to 16 hex digits whose byte order equals numeric order.
func sortableFloat(f float64) string {
	if f == 0 {
		f = 0 // normalizes -0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	s := strconv.FormatUint(bits, 16)
	return strings.Repeat("0", numberWidth-len(s)) + s
}

// invert turns an ascending segment into a descending one.
func invert(seg []byte) {
	for i := range seg {
		seg[i] = 0xff - seg[i]
	}
}

// segment encodes one bound element (value or Sentinel) for an index field.
func segment(s *schema.Schema, f schema.IndexField, v any) ([]byte, bool, error) {
	decl, err := indexedField(s, f.Path)
	if err != nil {
		return nil, false, err
	}
	width := SegmentWidth(decl)

	if sentinel, ok := v.(Sentinel); ok {
		seg := make([]byte, width)
		switch sentinel {
		case IndexMin:
		case IndexMax:
			fill(seg, 0xff)
		case NonNullMin, NonNullMax:
			tag := tagValue
			if f.Desc {
				tag = 0xff - tagValue
			}
			if sentinel == NonNullMax {
				fill(seg, 0xff)
			}
			seg[0] = tag
		default:
			return nil, false, fmt.Errorf("unknown sentinel %d", sentinel)
		}
		return seg, false, nil
	}

	seg, lossy, err := EncodeValue(decl, v)
	if err != nil {
		return nil, false, err
	}
	if f.Desc {
		invert(seg)
	}
	return seg, lossy, nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Encode concatenates the segments of values (one per field, in order).
// Values may be Sentinels. lossy reports whether any value was truncated.
func Encode(s *schema.Schema, fields []schema.IndexField, values []any) (encoded string, lossy bool, err error) {
	if len(values) != len(fields) {
		return "", false, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("got %d values for %d index fields", len(values), len(fields)))
	}
	var sb strings.Builder
	for i, f := range fields {
		seg, l, err := segment(s, f, values[i])
		if err != nil {
			return "", false, fmt.Errorf("field %q: %w", f.Path, err)
		}
		lossy = lossy || l
		sb.Write(seg)
	}
	return sb.String(), lossy, nil
}

// EncodeDocument returns the index string of a document. Document values must
// be exact: truncated strings are rejected since two documents could no
// longer be told apart by their index entry order.
func EncodeDocument(s *schema.Schema, fields []schema.IndexField, doc schema.Document) (string, error) {
	values := make([]any, len(fields))
	for i, f := range fields {
		if f.Path == schema.FieldDeleted {
			values[i] = doc.Deleted()
			continue
		}
		v, _ := doc.Get(f.Path)
		values[i] = v
	}
	encoded, lossy, err := Encode(s, fields, values)
	if err != nil {
		return "", err
	}
	if lossy {
		return "", kv.NewError(kv.RetCInvalidOperation, "indexed string exceeds maxLength or contains NUL")
	}
	return encoded, nil
}

// --------------------------------------------------------------------------
// Range bounds
// --------------------------------------------------------------------------

// pad fills the missing tail of a partial bound with a sentinel.
func pad(fields []schema.IndexField, bound []any, fill Sentinel) ([]any, error) {
	if len(bound) > len(fields) {
		return nil, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("bound has %d values for %d index fields", len(bound), len(fields)))
	}
	out := make([]any, len(fields))
	copy(out, bound)
	for i := len(bound); i < len(fields); i++ {
		out[i] = fill
	}
	return out, nil
}

// StartFromLowerBound returns the string that opens a range scan. Missing
// trailing fields are unconstrained: padded with IndexMin when inclusive and
// with IndexMax when exclusive (so that shifting the result up by one quantum
// skips every entry sharing the bound prefix).
func StartFromLowerBound(s *schema.Schema, fields []schema.IndexField, bound []any, inclusive bool) (string, bool, error) {
	fill := IndexMin
	if !inclusive {
		fill = IndexMax
	}
	values, err := pad(fields, bound, fill)
	if err != nil {
		return "", false, err
	}
	return Encode(s, fields, values)
}

// EndFromUpperBound returns the string that closes a range scan. Missing
// trailing fields are padded with IndexMax when inclusive and with IndexMin
// when exclusive.
func EndFromUpperBound(s *schema.Schema, fields []schema.IndexField, bound []any, inclusive bool) (string, bool, error) {
	fill := IndexMax
	if !inclusive {
		fill = IndexMin
	}
	values, err := pad(fields, bound, fill)
	if err != nil {
		return "", false, err
	}
	return Encode(s, fields, values)
}

// --------------------------------------------------------------------------
// Quantum shift
// --------------------------------------------------------------------------

// ChangeByOneQuantum returns the next (direction > 0) or previous
// (direction < 0) string of the same width. At the extremes the string is
// returned unchanged together with ErrQuantumOverflow.
func ChangeByOneQuantum(s string, direction int) (string, error) {
	if direction == 0 || len(s) == 0 {
		return s, nil
	}
	b := []byte(s)
	if direction > 0 {
		for i := len(b) - 1; i >= 0; i-- {
			if b[i] < 0xff {
				b[i]++
				return string(b), nil
			}
			b[i] = 0x00
		}
		return s, ErrQuantumOverflow
	}
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] > 0x00 {
			b[i]--
			return string(b), nil
		}
		b[i] = 0xff
	}
	return s, ErrQuantumOverflow
}
