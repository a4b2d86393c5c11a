package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey uint16 = 1 << iota
	hasEnd
	hasLimit
	hasConsistency
	hasChecks
	hasMutations
	hasValue
	hasEntries
	hasOk
	hasCode
	hasErr
	hasMeta
)

// nilLength marks a nil byte slice, so nil and empty slices survive a round trip
const nilLength = ^uint32(0)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Name() string { return "binary" }

// Layout: MsgType (1 byte) | flags (2 bytes) | present fields in flag order.
// Byte slices are prefixed with a uint32 length, lists with a uint32 count.
func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var flags uint16
	if msg.Key != nil {
		flags |= hasKey
	}
	if msg.End != nil {
		flags |= hasEnd
	}
	if msg.Limit != 0 {
		flags |= hasLimit
	}
	if msg.Consistency != 0 {
		flags |= hasConsistency
	}
	if msg.Checks != nil {
		flags |= hasChecks
	}
	if msg.Mutations != nil {
		flags |= hasMutations
	}
	if msg.Value != nil {
		flags |= hasValue
	}
	if msg.Entries != nil {
		flags |= hasEntries
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Code != 0 {
		flags |= hasCode
	}
	if msg.Err != "" {
		flags |= hasErr
	}
	if msg.Meta != nil {
		flags |= hasMeta
	}

	result := make([]byte, 0, b.sizeBytes(msg))
	result = append(result, byte(msg.MsgType))
	result = binary.BigEndian.AppendUint16(result, flags)

	if flags&hasKey != 0 {
		result = appendBytes(result, msg.Key)
	}
	if flags&hasEnd != 0 {
		result = appendBytes(result, msg.End)
	}
	if flags&hasLimit != 0 {
		result = binary.BigEndian.AppendUint64(result, uint64(int64(msg.Limit)))
	}
	if flags&hasConsistency != 0 {
		result = append(result, byte(msg.Consistency))
	}
	if flags&hasChecks != 0 {
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Checks)))
		for _, c := range msg.Checks {
			result = appendBytes(result, c.Key)
			result = appendBool(result, c.Exists)
			result = appendBytes(result, c.Value)
		}
	}
	if flags&hasMutations != 0 {
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Mutations)))
		for _, m := range msg.Mutations {
			result = append(result, byte(m.Type))
			result = appendBytes(result, m.Key)
			result = appendBytes(result, m.Value)
		}
	}
	if flags&hasValue != 0 {
		result = appendBytes(result, msg.Value)
	}
	if flags&hasEntries != 0 {
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Entries)))
		for _, e := range msg.Entries {
			result = appendBytes(result, e.Key)
			result = appendBytes(result, e.Value)
		}
	}
	if flags&hasCode != 0 {
		result = binary.BigEndian.AppendUint64(result, uint64(msg.Code))
	}
	if flags&hasErr != 0 {
		result = appendBytes(result, []byte(msg.Err))
	}
	if flags&hasMeta != 0 {
		result = appendBytes(result, msg.Meta)
	}
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < 3 {
		return fmt.Errorf("binary message too short: %d bytes", len(data))
	}
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{buf: data, pos: 3}

	if flags&hasKey != 0 {
		msg.Key = r.bytes()
	}
	if flags&hasEnd != 0 {
		msg.End = r.bytes()
	}
	if flags&hasLimit != 0 {
		msg.Limit = int(int64(r.uint64()))
	}
	if flags&hasConsistency != 0 {
		msg.Consistency = kv.Consistency(r.byte())
	}
	if flags&hasChecks != 0 {
		n := r.count()
		msg.Checks = make([]common.Check, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Checks = append(msg.Checks, common.Check{
				Key:    r.bytes(),
				Exists: r.byte() == 1,
				Value:  r.bytes(),
			})
		}
	}
	if flags&hasMutations != 0 {
		n := r.count()
		msg.Mutations = make([]common.Mutation, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Mutations = append(msg.Mutations, common.Mutation{
				Type:  kv.MutationType(r.byte()),
				Key:   r.bytes(),
				Value: r.bytes(),
			})
		}
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes()
	}
	if flags&hasEntries != 0 {
		n := r.count()
		msg.Entries = make([]common.Entry, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Entries = append(msg.Entries, common.Entry{
				Key:   r.bytes(),
				Value: r.bytes(),
			})
		}
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasCode != 0 {
		msg.Code = kv.RetCode(r.uint64())
	}
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes())
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes()
	}
	if r.err != nil {
		return r.err
	}
	if r.pos != len(data) {
		return fmt.Errorf("binary message has %d trailing bytes", len(data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the exact size of the serialized message
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := 3 // MsgType + flags
	bytesLen := func(v []byte) int { return 4 + len(v) }

	if msg.Key != nil {
		size += bytesLen(msg.Key)
	}
	if msg.End != nil {
		size += bytesLen(msg.End)
	}
	if msg.Limit != 0 {
		size += 8
	}
	if msg.Consistency != 0 {
		size++
	}
	if msg.Checks != nil {
		size += 4
		for _, c := range msg.Checks {
			size += bytesLen(c.Key) + 1 + bytesLen(c.Value)
		}
	}
	if msg.Mutations != nil {
		size += 4
		for _, m := range msg.Mutations {
			size += 1 + bytesLen(m.Key) + bytesLen(m.Value)
		}
	}
	if msg.Value != nil {
		size += bytesLen(msg.Value)
	}
	if msg.Entries != nil {
		size += 4
		for _, e := range msg.Entries {
			size += bytesLen(e.Key) + bytesLen(e.Value)
		}
	}
	if msg.Code != 0 {
		size += 8
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += bytesLen(msg.Meta)
	}
	return size
}

func appendBytes(dst, v []byte) []byte {
	if v == nil {
		return binary.BigEndian.AppendUint32(dst, nilLength)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(v)))
	return append(dst, v...)
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// reader decodes fields sequentially; the first error sticks and all further
// reads return zero values.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.pos < n {
		r.err = fmt.Errorf("binary message truncated at offset %d", r.pos)
		return false
	}
	return true
}

func (r *reader) byte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

// count reads a list length and rejects lengths the remaining buffer cannot hold.
func (r *reader) count() int {
	n := r.uint32()
	if r.err == nil && int(n) > len(r.buf)-r.pos {
		r.err = fmt.Errorf("binary message list length %d exceeds payload", n)
		return 0
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	if r.err != nil || n == nilLength {
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:])
	r.pos += int(n)
	return v
}
