// Package indexstring turns typed field values into fixed-width strings whose
// byte order equals the order of the values, so composite index entries can
// be range scanned on any ordered key-value substrate.
//
// Every field maps to a segment of a fixed width that only depends on the
// field declaration:
//
//	null / absent   0x01 followed by 0x00 padding
//	boolean         0x02 '0' | 0x02 '1'
//	number          0x02 + 16 hex digits of the IEEE-754 bits (sign bit
//	                flipped for positives, all bits flipped for negatives)
//	string          0x02 + bytes, 0x00 padded to MaxLength
//
// Because every segment of a field has the same width, concatenating the
// segments of a composite index preserves tuple order. Descending fields
// invert every byte of their segment.
//
// Strings longer than MaxLength (or containing NUL) can only be encoded
// lossily by truncation. A truncated string p of a value v still satisfies
// s <= v => s <= p and s >= v => s >= p for every storable string s, so it
// is a correct inclusive bound; callers re-check such bounds in memory.
// Documents themselves must never need truncation (EncodeDocument rejects
// them).
//
// Bounds with fewer values than index fields are padded with the IndexMin /
// IndexMax sentinels, and exclusive bounds are turned into inclusive ones by
// ChangeByOneQuantum.
package indexstring
