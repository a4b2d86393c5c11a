package serializer

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// IRPCSerializer encodes and decodes the messages exchanged between rpc
// clients and servers. Both sides of a connection must use the same one.
type IRPCSerializer interface {
	// Name is the identifier used on the command line
	Name() string
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg. Every field of msg is overwritten,
	// fields missing in b end up as zero values.
	Deserialize(b []byte, msg *common.Message) error
}

// Names lists the serializers ByName knows, the first one is the default
var Names = []string{"binary", "json", "gob"}

// ByName returns the serializer with the given name
func ByName(name string) (IRPCSerializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "binary":
		return NewBinarySerializer(), nil
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %q (expected one of: %s)", name, strings.Join(Names, ", "))
	}
}
