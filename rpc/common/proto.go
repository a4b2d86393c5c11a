package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/kv"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
//
// Keys travel in their flattened form (kv.Key.Encode) so that index items
// with arbitrary bytes survive text based serializers unchanged.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	Key         []byte         `json:"key,omitempty"`         // Used for: Get, Range (start)
	End         []byte         `json:"end,omitempty"`         // Used for: Range
	Limit       int            `json:"limit,omitempty"`       // Used for: Range (page size)
	Consistency kv.Consistency `json:"consistency,omitempty"` // Used for: Get, Range
	Checks      []Check        `json:"checks,omitempty"`      // Used for: AtomicWrite
	Mutations   []Mutation     `json:"mutations,omitempty"`   // Used for: AtomicWrite

	// Response only fields
	Value   []byte     `json:"value,omitempty"`   // Used for: Get
	Entries []Entry    `json:"entries,omitempty"` // Used for: Range
	Ok      bool       `json:"ok,omitempty"`      // Used for: Get (found), AtomicWrite (committed)
	Code    kv.RetCode `json:"code,omitempty"`    // Return code of a failed request
	Err     string     `json:"err,omitempty"`     // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Info (json encoded kv.Info)
}

// Check is the wire form of kv.Check
type Check struct {
	Key    []byte `json:"key"`
	Exists bool   `json:"exists,omitempty"`
	Value  []byte `json:"value,omitempty"`
}

// Mutation is the wire form of kv.Mutation
type Mutation struct {
	Type  kv.MutationType `json:"type"`
	Key   []byte          `json:"key"`
	Value []byte          `json:"value,omitempty"`
}

// Entry is the wire form of kv.Entry
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Error returns the error carried by a response, nil if there is none.
// The return code is preserved so errors.Is keeps working across the wire.
func (m *Message) Error() error {
	if m.MsgType != MsgTError && m.Err == "" {
		return nil
	}
	code := m.Code
	if code == kv.RetCSuccess {
		code = kv.RetCInternalError
	}
	return kv.NewError(code, m.Err)
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// ToChecks converts wire checks into kv checks.
func ToChecks(in []Check) ([]kv.Check, error) {
	out := make([]kv.Check, len(in))
	for i, c := range in {
		key, err := decodeKey(c.Key)
		if err != nil {
			return nil, err
		}
		out[i] = kv.Check{Key: key, Exists: c.Exists, Value: c.Value}
	}
	return out, nil
}

// FromChecks converts kv checks into their wire form.
func FromChecks(in []kv.Check) []Check {
	out := make([]Check, len(in))
	for i, c := range in {
		out[i] = Check{Key: c.Key.Encode(), Exists: c.Exists, Value: c.Value}
	}
	return out
}

// ToMutations converts wire mutations into kv mutations.
func ToMutations(in []Mutation) ([]kv.Mutation, error) {
	out := make([]kv.Mutation, len(in))
	for i, m := range in {
		key, err := decodeKey(m.Key)
		if err != nil {
			return nil, err
		}
		out[i] = kv.Mutation{Type: m.Type, Key: key, Value: m.Value}
	}
	return out, nil
}

// FromMutations converts kv mutations into their wire form.
func FromMutations(in []kv.Mutation) []Mutation {
	out := make([]Mutation, len(in))
	for i, m := range in {
		out[i] = Mutation{Type: m.Type, Key: m.Key.Encode(), Value: m.Value}
	}
	return out
}

// ToEntry converts a wire entry into a kv entry.
func ToEntry(e Entry) (kv.Entry, error) {
	key, err := decodeKey(e.Key)
	if err != nil {
		return kv.Entry{}, err
	}
	return kv.Entry{Key: key, Value: e.Value}, nil
}

// DecodeKey converts a flattened key from a message back into a kv.Key.
func DecodeKey(b []byte) (kv.Key, error) {
	return decodeKey(b)
}

func decodeKey(b []byte) (kv.Key, error) {
	key, err := kv.DecodeKey(b)
	if err != nil {
		return kv.Key{}, kv.NewError(kv.RetCInvalidOperation, err.Error())
	}
	return key, nil
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetRequest creates a new Get request
func NewGetRequest(key kv.Key, consistency kv.Consistency) *Message {
	return &Message{
		MsgType:     MsgTKVGet,
		Key:         key.Encode(),
		Consistency: consistency,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, ok bool, err error) *Message {
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{
		MsgType: MsgTKVGet,
		Value:   value,
		Ok:      ok,
	}
}

// NewRangeRequest creates a new Range request for at most limit entries
func NewRangeRequest(start, end kv.Key, limit int, consistency kv.Consistency) *Message {
	return &Message{
		MsgType:     MsgTKVRange,
		Key:         start.Encode(),
		End:         end.Encode(),
		Limit:       limit,
		Consistency: consistency,
	}
}

// NewRangeResponse creates a new Range response
func NewRangeResponse(entries []kv.Entry, err error) *Message {
	if err != nil {
		return NewErrorResponse(err)
	}
	wire := make([]Entry, len(entries))
	for i, e := range entries {
		wire[i] = Entry{Key: e.Key.Encode(), Value: e.Value}
	}
	return &Message{
		MsgType: MsgTKVRange,
		Entries: wire,
	}
}

// NewAtomicWriteRequest creates a new AtomicWrite request
func NewAtomicWriteRequest(checks []kv.Check, mutations []kv.Mutation) *Message {
	return &Message{
		MsgType:   MsgTKVAtomicWrite,
		Checks:    FromChecks(checks),
		Mutations: FromMutations(mutations),
	}
}

// NewAtomicWriteResponse creates a new AtomicWrite response
func NewAtomicWriteResponse(committed bool, err error) *Message {
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{
		MsgType: MsgTKVAtomicWrite,
		Ok:      committed,
	}
}

// NewInfoRequest creates a new Info request
func NewInfoRequest() *Message {
	return &Message{
		MsgType: MsgTKVInfo,
	}
}

// NewInfoResponse creates a new Info response
func NewInfoResponse(info kv.Info) *Message {
	meta, err := json.Marshal(info)
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{
		MsgType: MsgTKVInfo,
		Meta:    meta,
	}
}

// NewErrorResponse creates a new error response. The return code of err is kept.
func NewErrorResponse(err error) *Message {
	return &Message{
		MsgType: MsgTError,
		Code:    kv.CodeOf(err),
		Err:     errMessage(err),
	}
}

// errMessage strips the kv.Error decoration so it is not repeated on the client.
func errMessage(err error) string {
	if e, ok := err.(*kv.Error); ok {
		return e.Msg
	}
	return err.Error()
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTKVGet:
		return "get"
	case MsgTKVRange:
		return "range"
	case MsgTKVAtomicWrite:
		return "atomic"
	case MsgTKVInfo:
		return "info"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "get":
		*t = MsgTKVGet
	case "range":
		*t = MsgTKVRange
	case "atomic":
		*t = MsgTKVAtomicWrite
	case "info":
		*t = MsgTKVInfo
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Substrate message types

	MsgTKVGet         // Point read
	MsgTKVRange       // One page of an inclusive range scan
	MsgTKVAtomicWrite // Checked multi key write
	MsgTKVInfo        // Substrate information
)
