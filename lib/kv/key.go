package kv

import (
	"bytes"
	"fmt"
	"strings"
)

// keySeparator separates the components of a flattened key. Space and Sub must
// not contain it, so the flattened form keeps Item order within one (Space, Sub).
const keySeparator = '\x00'

// Key is a composite key (collection namespace, index or root id, encoded key or doc id).
type Key struct {
	Space string
	Sub   string
	Item  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%q", k.Space, k.Sub, k.Item)
}

// Validate checks that the prefix components can be flattened without ambiguity.
func (k Key) Validate() error {
	if k.Space == "" || k.Sub == "" {
		return NewError(RetCInvalidOperation, "key space and sub must not be empty")
	}
	if strings.IndexByte(k.Space, keySeparator) >= 0 || strings.IndexByte(k.Sub, keySeparator) >= 0 {
		return NewError(RetCInvalidOperation, "key space and sub must not contain NUL bytes")
	}
	return nil
}

// SamePrefix reports whether both keys address the same (Space, Sub).
func (k Key) SamePrefix(other Key) bool {
	return k.Space == other.Space && k.Sub == other.Sub
}

// Encode flattens the key into bytes that sort like the tuple.
func (k Key) Encode() []byte {
	buf := make([]byte, 0, len(k.Space)+len(k.Sub)+len(k.Item)+2)
	buf = append(buf, k.Space...)
	buf = append(buf, keySeparator)
	buf = append(buf, k.Sub...)
	buf = append(buf, keySeparator)
	buf = append(buf, k.Item...)
	return buf
}

// DecodeKey is the inverse of Key.Encode.
func DecodeKey(b []byte) (Key, error) {
	first := bytes.IndexByte(b, keySeparator)
	if first < 0 {
		return Key{}, fmt.Errorf("malformed key: missing space separator")
	}
	second := bytes.IndexByte(b[first+1:], keySeparator)
	if second < 0 {
		return Key{}, fmt.Errorf("malformed key: missing sub separator")
	}
	second += first + 1
	return Key{
		Space: string(b[:first]),
		Sub:   string(b[first+1 : second]),
		Item:  string(b[second+1:]),
	}, nil
}

// PrefixBytes returns the flattened (Space, Sub) prefix shared by all items of a namespace.
func (k Key) PrefixBytes() []byte {
	return Key{Space: k.Space, Sub: k.Sub}.Encode()
}

// Successor returns the smallest byte string strictly greater than b.
// It is used to turn an inclusive end into the exclusive upper bound most
// iterators expect.
func Successor(b []byte) []byte {
	out := make([]byte, len(b)+1)
	copy(out, b)
	return out
}

// ValidateRange checks that start and end can be used together in a range scan.
func ValidateRange(start, end Key) error {
	if err := start.Validate(); err != nil {
		return err
	}
	if !start.SamePrefix(end) {
		return NewError(RetCInvalidOperation, fmt.Sprintf("range bounds must share a prefix: %s vs %s", start, end))
	}
	return nil
}
