// Package serializer turns common.Message values into bytes and back. The
// client and the server of a connection have to agree on the serializer, the
// transport does not negotiate it.
//
// Three formats are available through ByName:
//
//   - binary: a hand written format. One type byte and a 16 bit mask of the
//     fields that follow, every byte slice carries a length prefix that also
//     distinguishes nil from empty. No reflection, the smallest messages. This
//     is the default and the format to use between dDoc processes.
//
//   - json: encoding/json with byte slices in base64. Unknown fields and
//     trailing data are rejected. Readable, handy when poking a server with
//     curl.
//
//   - gob: encoding/gob with a fresh encoder per message, so every message
//     repeats its type description.
//
// Deserialize always replaces the whole message, a reused common.Message never
// keeps fields of a previous one. All serializers are stateless and can be
// shared between goroutines.
//
// Size and speed of the formats for typical substrate traffic (point reads,
// index pages, checked writes) are measured by BenchmarkSerializers.
package serializer
