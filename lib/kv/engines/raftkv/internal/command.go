package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/kv"
)

// Command represents one checked atomic write executed by the state machine
// (a single entry in the raft log).
type Command struct {
	Checks    []kv.Check
	Mutations []kv.Mutation
}

// chunkSize is the serialized size of a length prefixed byte slice
func chunkSize(n int) int {
	return 4 + n
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	size := 4 + 4 // CheckCount + MutationCount
	for _, c := range command.Checks {
		size += 1 + chunkSize(len(c.Key.Encode())) + chunkSize(len(c.Value)) // Exists + Key + Value
	}
	for _, m := range command.Mutations {
		size += 1 + chunkSize(len(m.Key.Encode())) + chunkSize(len(m.Value)) // Type + Key + Value
	}
	return size
}

// Serialize serializes a command into a byte array with the format:
// 4 bytes check count (big endian),
// per check: 1 byte exists flag, key chunk, value chunk,
// 4 bytes mutation count (big endian),
// per mutation: 1 byte mutation type, key chunk, value chunk.
// A chunk is a 4 byte length (big endian) followed by the data; keys are flattened with kv.Key.Encode.
func (command *Command) Serialize() []byte {
	result := make([]byte, 0, command.SizeBytes())

	result = binary.BigEndian.AppendUint32(result, uint32(len(command.Checks)))
	for _, c := range command.Checks {
		var exists byte
		if c.Exists {
			exists = 1
		}
		result = append(result, exists)
		result = appendChunk(result, c.Key.Encode())
		result = appendChunk(result, c.Value)
	}

	result = binary.BigEndian.AppendUint32(result, uint32(len(command.Mutations)))
	for _, m := range command.Mutations {
		result = append(result, byte(m.Type))
		result = appendChunk(result, m.Key.Encode())
		result = appendChunk(result, m.Value)
	}
	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	r := reader{data: data}

	checkCount, err := r.readUint32()
	if err != nil {
		return fmt.Errorf("data too short for check count")
	}
	command.Checks = make([]kv.Check, 0, min(int(checkCount), len(data)))
	for i := uint32(0); i < checkCount; i++ {
		exists, err := r.readByte()
		if err != nil {
			return fmt.Errorf("check %d: %w", i, err)
		}
		key, err := r.readKey()
		if err != nil {
			return fmt.Errorf("check %d: %w", i, err)
		}
		value, err := r.readChunk()
		if err != nil {
			return fmt.Errorf("check %d: %w", i, err)
		}
		command.Checks = append(command.Checks, kv.Check{Key: key, Exists: exists == 1, Value: value})
	}

	mutationCount, err := r.readUint32()
	if err != nil {
		return fmt.Errorf("data too short for mutation count")
	}
	command.Mutations = make([]kv.Mutation, 0, min(int(mutationCount), len(data)))
	for i := uint32(0); i < mutationCount; i++ {
		typ, err := r.readByte()
		if err != nil {
			return fmt.Errorf("mutation %d: %w", i, err)
		}
		key, err := r.readKey()
		if err != nil {
			return fmt.Errorf("mutation %d: %w", i, err)
		}
		value, err := r.readChunk()
		if err != nil {
			return fmt.Errorf("mutation %d: %w", i, err)
		}
		command.Mutations = append(command.Mutations, kv.Mutation{Type: kv.MutationType(typ), Key: key, Value: value})
	}

	if r.pos != len(data) {
		return fmt.Errorf("%d trailing bytes after command", len(data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func appendChunk(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// reader is a bounds checked cursor over a serialized command
type reader struct {
	data []byte
	pos  int
}

func (r *reader) readByte() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, fmt.Errorf("data too short")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("data too short")
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) readChunk() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.data) {
		return nil, fmt.Errorf("data too short for chunk of length %d", n)
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) readKey() (kv.Key, error) {
	raw, err := r.readChunk()
	if err != nil {
		return kv.Key{}, err
	}
	return kv.DecodeKey(raw)
}
