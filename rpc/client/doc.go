// Package client implements the RPC client side of a remote substrate. NewRPCKV
// returns a kv.OrderedKV whose operations are executed by a shard of a ddoc server,
// so storage instances can be created on top of a remote memkv, pebble or raft shard.
//
// The package focuses on:
//   - Transparent RPC access to a kv.OrderedKV
//   - Integration with the transport and serialization layers
//   - Error handling: server errors keep their kv.RetCode, transport failures
//     become RetCSubstrate errors
//
// Key Components:
//
//   - NewRPCKV: Factory function that connects the transport, asks the shard for
//     its features and returns the substrate handle.
//
//   - Range: scans are fetched in pages (ClientConfig.PageSize, or RangeOptions.BatchSize
//     when set). Each page continues strictly after the last key of the previous one,
//     so a scan observes a sequence of consistent pages rather than one snapshot.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:     []string{"http://localhost:8080"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//
//	db, err := client.NewRPCKV(ctx, 100, config, http.NewHttpClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//	  return err
//	}
//	defer db.Close()
//
//	st := storage.NewStorage(kv.SharedFactory(db), storage.DefaultSettings(), storage.NewRegistry())
//
// Thread Safety:
//
//	The client is safe for concurrent use once NewRPCKV returned.
package client
