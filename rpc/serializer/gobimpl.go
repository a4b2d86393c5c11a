package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewGOBSerializer creates a serializer using Go's gob format.
// Every message is self-describing, so the type information is sent each time.
func NewGOBSerializer() IRPCSerializer {
	return gobSerializerImpl{}
}

type gobSerializerImpl struct{}

// gobBuffers recycles encode buffers, Serialize copies the result out
var gobBuffers = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (gobSerializerImpl) Name() string { return "gob" }

func (gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	buf := gobBuffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer gobBuffers.Put(buf)

	if err := gob.NewEncoder(buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("gob: encode %s message: %w", msg.MsgType, err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Deserialize decodes into a fresh message. gob leaves fields that are
// missing on the wire untouched, so decoding into msg directly would keep
// stale values of a reused message.
func (gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	var out common.Message
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&out); err != nil {
		return fmt.Errorf("gob: decode message: %w", err)
	}
	*msg = out
	return nil
}
