package serializer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// NewJSONSerializer creates a serializer that writes messages as JSON objects.
// Byte fields (keys, values) are base64 encoded by encoding/json.
func NewJSONSerializer() IRPCSerializer {
	return jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (jsonSerializerImpl) Name() string { return "json" }

func (jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json: encode %s message: %w", msg.MsgType, err)
	}
	return b, nil
}

// Deserialize rejects unknown fields and anything after the message object,
// a peer speaking another protocol version fails loudly.
func (jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var out common.Message
	if err := dec.Decode(&out); err != nil {
		return fmt.Errorf("json: decode message: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("json: trailing data after message")
	}
	*msg = out
	return nil
}
