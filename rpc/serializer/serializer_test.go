package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"json":   NewJSONSerializer,
	"gob":    NewGOBSerializer,
	"binary": NewBinarySerializer,
}

var (
	docKey   = kv.Key{Space: "app|users|0", Sub: "_doc", Item: "alice"}
	indexKey = kv.Key{Space: "app|users|0", Sub: "i0", Item: "\x00\xff\x01alice\xff"}
)

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Get request and response
		*common.NewGetRequest(docKey, kv.ConsistencyEventual),
		*common.NewGetResponse([]byte(`{"seq":1}`), true, nil),

		// Range request with binary index items
		*common.NewRangeRequest(indexKey, kv.Key{Space: indexKey.Space, Sub: "i0", Item: "\xff\xff"}, 128, kv.ConsistencyStrong),

		// Range response
		*common.NewRangeResponse([]kv.Entry{
			{Key: indexKey, Value: []byte("alice")},
			{Key: docKey, Value: []byte(`{"seq":2}`)},
		}, nil),

		// Atomic write with checks and mutations
		*common.NewAtomicWriteRequest(
			[]kv.Check{{Key: docKey}, {Key: indexKey, Exists: true, Value: []byte("1")}},
			[]kv.Mutation{kv.Put(docKey, []byte("doc")), kv.Delete(indexKey)},
		),
		*common.NewAtomicWriteResponse(true, nil),

		// Info response
		*common.NewInfoResponse(kv.Info{Keys: 3, Implementation: kv.ImplMemKV}),

		// Error response
		*common.NewErrorResponse(kv.NewError(kv.RetCConflict, "test error message")),

		// Message with a negative limit
		{MsgType: common.MsgTKVRange, Limit: -1},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			// MsgTUnknown is skipped, the JSON serializer rejects it
			for msgType := common.MsgTSuccess; msgType <= common.MsgTKVInfo; msgType++ {
				msg := common.Message{MsgType: msgType}

				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType, err)
					continue
				}

				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s", msgType, result.MsgType)
				}
			}
		})
	}
}

// TestKeysSurviveRoundTrip checks that flattened keys decode back to the original kv.Key
func TestKeysSurviveRoundTrip(t *testing.T) {
	req := common.NewAtomicWriteRequest(
		[]kv.Check{{Key: indexKey, Exists: true, Value: []byte("x")}},
		[]kv.Mutation{kv.Put(indexKey, []byte("y"))},
	)

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(*req)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			checks, err := common.ToChecks(result.Checks)
			if err != nil {
				t.Fatalf("ToChecks failed: %v", err)
			}
			mutations, err := common.ToMutations(result.Mutations)
			if err != nil {
				t.Fatalf("ToMutations failed: %v", err)
			}
			if checks[0].Key != indexKey || mutations[0].Key != indexKey {
				t.Errorf("key mismatch: got %v and %v, want %v", checks[0].Key, mutations[0].Key, indexKey)
			}
		})
	}
}

// TestBinarySerializerSpecific tests nil and empty slices for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Empty but not nil slices",
			msg: common.Message{
				MsgType: common.MsgTKVGet,
				Key:     []byte{},
				Value:   []byte{},
				Meta:    []byte{},
			},
		},
		{
			name: "Empty lists",
			msg: common.Message{
				MsgType:   common.MsgTKVAtomicWrite,
				Checks:    []common.Check{},
				Mutations: []common.Mutation{},
			},
		},
		{
			name: "Nil values inside lists",
			msg: common.Message{
				MsgType: common.MsgTKVRange,
				Entries: []common.Entry{{Key: []byte("a\x00b\x00c")}},
			},
		},
		{
			name: "Ok without value",
			msg: common.Message{
				MsgType: common.MsgTKVAtomicWrite,
				Ok:      true,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			if want := (binarySerializerImpl{}).sizeBytes(tc.msg); len(data) != want {
				t.Errorf("size mismatch: sizeBytes %d, serialized %d", want, len(data))
			}

			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("mismatch after round trip:\nOriginal: %#v\nResult: %#v", tc.msg, result)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // Message type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid list length",
			data:        []byte{1, 0, 0x10, 0xff, 0xff, 0xff, 0x00}, // Claims a huge number of checks
			expectError: true,
		},
		{
			name:        "Trailing bytes",
			data:        []byte{1, 0, 0, 42},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

func TestByName(t *testing.T) {
	for _, name := range Names {
		s, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q) failed: %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("ByName(%q) returned serializer %q", name, s.Name())
		}
	}
	if s, err := ByName(" JSON "); err != nil || s.Name() != "json" {
		t.Errorf("ByName is not case insensitive: %v", err)
	}
	if _, err := ByName("xml"); err == nil {
		t.Error("ByName accepted an unknown serializer")
	}
}

// TestDeserializeOverwrites decodes into a reused message, no stale field may survive
func TestDeserializeOverwrites(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(*common.NewAtomicWriteResponse(true, nil))
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			stale := *common.NewRangeRequest(indexKey, indexKey, 10, kv.ConsistencyEventual)
			stale.Err = "old"
			if err := serializer.Deserialize(data, &stale); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			want := common.Message{MsgType: common.MsgTKVAtomicWrite, Ok: true}
			if !reflect.DeepEqual(stale, want) {
				t.Errorf("stale fields survived: %+v", stale)
			}
		})
	}
}

func TestInvalidJSONData(t *testing.T) {
	serializer := NewJSONSerializer()

	for name, data := range map[string]string{
		"unknown field":     `{"msg_type": "get", "shard": 1}`,
		"unknown type":      `{"msg_type": "lock"}`,
		"trailing object":   `{"msg_type": "get"} {"msg_type": "get"}`,
		"truncated":         `{"msg_type": "get", "key": "`,
		"key is not base64": `{"msg_type": "get", "key": "%%%"}`,
	} {
		t.Run(name, func(t *testing.T) {
			var msg common.Message
			if err := serializer.Deserialize([]byte(data), &msg); err == nil {
				t.Errorf("Deserialize(%s) succeeded: %+v", data, msg)
			}
		})
	}
}

func TestInvalidGOBData(t *testing.T) {
	var msg common.Message
	if err := NewGOBSerializer().Deserialize([]byte("not gob"), &msg); err == nil {
		t.Error("Deserialize accepted garbage")
	}
}
