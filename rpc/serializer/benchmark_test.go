package serializer

import (
	"fmt"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// benchmarkMessages mirrors the traffic of a storage instance: point reads of
// documents, pages of index entries and checked writes.
func benchmarkMessages() map[string]common.Message {
	page := make([]kv.Entry, 100)
	for i := range page {
		page[i] = kv.Entry{
			Key:   kv.Key{Space: indexKey.Space, Sub: indexKey.Sub, Item: fmt.Sprintf("%s%04d", indexKey.Item, i)},
			Value: []byte(fmt.Sprintf("user-%04d", i)),
		}
	}
	doc := make([]byte, 1024)

	return map[string]common.Message{
		"GetRequest":  *common.NewGetRequest(docKey, kv.ConsistencyStrong),
		"GetResponse": *common.NewGetResponse(doc, true, nil),
		"RangePage":   *common.NewRangeResponse(page, nil),
		"DocumentWrite": *common.NewAtomicWriteRequest(
			[]kv.Check{{Key: docKey, Exists: true, Value: doc}, {Key: kv.Key{Space: docKey.Space, Sub: "_meta", Item: "seq"}}},
			[]kv.Mutation{
				kv.Put(docKey, doc),
				kv.Delete(indexKey),
				kv.Put(kv.Key{Space: indexKey.Space, Sub: indexKey.Sub, Item: indexKey.Item + "2"}, []byte("alice")),
			},
		),
		"Error": *common.NewErrorResponse(kv.NewError(kv.RetCSubstrate, "write of \"alice\" did not commit after 64 attempts")),
	}
}

// BenchmarkSerializers encodes and decodes every message with every
// serializer and reports the encoded size.
func BenchmarkSerializers(b *testing.B) {
	messages := benchmarkMessages()

	for _, name := range Names {
		serializer, _ := ByName(name)
		for msgName, msg := range messages {
			data, err := serializer.Serialize(msg)
			if err != nil {
				b.Fatalf("%s: failed to serialize %s: %v", name, msgName, err)
			}

			b.Run(name+"/"+msgName+"/Encode", func(b *testing.B) {
				b.ReportMetric(float64(len(data)), "bytes")
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					if _, err := serializer.Serialize(msg); err != nil {
						b.Fatal(err)
					}
				}
			})

			b.Run(name+"/"+msgName+"/Decode", func(b *testing.B) {
				b.ReportAllocs()
				var out common.Message
				for i := 0; i < b.N; i++ {
					if err := serializer.Deserialize(data, &out); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
