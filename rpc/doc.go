// Package rpc exposes kv.OrderedKV substrates over the network. A ddoc server
// hosts shards (memkv, pebble or raft), remote clients use them like a local
// substrate, so document collections can live on another machine or on a
// replicated raft shard without the storage layer noticing.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions with an HTTP implementation.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: NewRPCKV, the kv.OrderedKV implementation talking to a remote shard.
//
//   - server: The RPC server hosting the shards and translating requests into
//     substrate calls.
package rpc
