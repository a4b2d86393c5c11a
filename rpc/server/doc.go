// Package server implements the RPC server that exposes kv.OrderedKV substrates
// to remote clients. Every configured shard is backed by its own substrate and
// is addressed by its shard id.
//
// The package focuses on:
//   - Server-side RPC request handling for all substrate operations
//   - Adapter pattern to decouple the substrate from the RPC mechanisms
//   - Flexible shard configuration with local and replicated engines
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes incoming requests against a kv.OrderedKV.
//
//   - NewKVServerAdapter: Factory function creating the adapter that translates
//     get, range, atomic and info messages into substrate calls. Range requests
//     return a single page of at most MaxPageSize entries; the client continues
//     after the last returned key.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: 100, Type: common.ShardTypeMemKV},
//	    {ShardID: 200, Type: common.ShardTypePebbleKV},
//	  },
//	  DataDir:       "data",
//	  Endpoint:      "0.0.0.0:8080",
//	  TimeoutSecond: 5,
//	  LogLevel:      "info",
//	}
//
//	s := server.NewRPCServer(
//	  config,
//	  http.NewHttpServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// The server supports three types of shards, which can be mixed within a single server:
//
//   - ShardTypeMemKV: An in-memory B-tree, suitable for tests and development.
//
//   - ShardTypePebbleKV: A persistent pebble database in DataDir/pebble-<id>.
//
//   - ShardTypeRaftKV: A raft replicated state machine using dragonboat, providing
//     strong consistency across multiple nodes. When using this type, RAFT
//     configuration (RTTMillisecond, SnapshotEntries, CompactionOverhead, DataDir,
//     ReplicaID, and ClusterMembers) must be properly configured.
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests.
//	Each request is processed independently with its own timeout.
//	Serve must be called only once.
package server
