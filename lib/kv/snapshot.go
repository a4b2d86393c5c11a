package kv

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// --------------------------------------------------------------------------
// Snapshot stream format
// --------------------------------------------------------------------------
//
// Every engine supporting FeatureSnapshot writes the same stream, so a raft
// snapshot taken on one engine can be restored into another:
//
//	magic (8 bytes) | version (1 byte) | record* | end marker
//	record     = 0x01 | uint32 key length | key | uint32 value length | value
//	end marker = 0x00
//
// Keys are flattened with Key.Encode. Integers are little endian.

const (
	snapshotMagic   = "DDOCSNAP"
	snapshotVersion = 1

	recordEntry = 0x01
	recordEnd   = 0x00
)

// SnapshotWriter streams entries in the snapshot format.
type SnapshotWriter struct {
	bw    *bufio.Writer
	count int
}

// NewSnapshotWriter writes the stream header and returns a writer for the entries.
func NewSnapshotWriter(w io.Writer) (*SnapshotWriter, error) {
	// Use a buffered writer for better performance
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer
	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return nil, err
	}
	if err := bw.WriteByte(snapshotVersion); err != nil {
		return nil, err
	}
	return &SnapshotWriter{bw: bw}, nil
}

// WriteEntry appends one flattened key and its value.
func (s *SnapshotWriter) WriteEntry(key, value []byte) error {
	if err := s.bw.WriteByte(recordEntry); err != nil {
		return err
	}
	if err := writeChunk(s.bw, key); err != nil {
		return err
	}
	if err := writeChunk(s.bw, value); err != nil {
		return err
	}
	s.count++
	return nil
}

// Count returns the number of entries written so far.
func (s *SnapshotWriter) Count() int {
	return s.count
}

// Close writes the end marker and flushes the buffer. It does not close the
// underlying writer.
func (s *SnapshotWriter) Close() error {
	if err := s.bw.WriteByte(recordEnd); err != nil {
		return err
	}
	return s.bw.Flush()
}

// ReadSnapshot reads a stream written by SnapshotWriter and calls fn for every
// entry in stream order. The slices passed to fn are owned by the callee.
func ReadSnapshot(r io.Reader, fn func(key, value []byte) error) error {
	// Use a buffered reader for better performance
	br := bufio.NewReaderSize(r, 1024*1024) // 1 MB buffer

	header := make([]byte, len(snapshotMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if string(header[:len(snapshotMagic)]) != snapshotMagic {
		return fmt.Errorf("invalid snapshot format: magic number mismatch")
	}
	if header[len(snapshotMagic)] != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version: %d", header[len(snapshotMagic)])
	}

	for i := 0; ; i++ {
		kind, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		switch kind {
		case recordEnd:
			return nil
		case recordEntry:
		default:
			return fmt.Errorf("invalid record type %#x at record %d", kind, i)
		}

		key, err := readChunk(br)
		if err != nil {
			return fmt.Errorf("read key %d: %w", i, err)
		}
		value, err := readChunk(br)
		if err != nil {
			return fmt.Errorf("read value %d: %w", i, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
}

func writeChunk(w io.Writer, b []byte) error {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readChunk reads a length prefixed byte slice
func readChunk(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
