// Package kv defines the ordered key-value substrate that document collections
// are stored on. It abstracts the concrete engine (in-memory tree, embedded
// LSM, raft replicated state machine, remote RPC shard) behind the OrderedKV
// interface.
//
// The package focuses on:
//   - A minimal contract: point reads, inclusive ascending range scans and
//     checked multi-key atomic writes
//   - Feature discovery through capability flags
//   - A shared error type with return codes used by every layer above
//
// Key Components:
//
//   - Key: a composite key (Space, Sub, Item). Space is the collection key
//     space, Sub selects the document root, one index or another reserved
//     namespace, Item is the encoded index string or document id. Engines
//     flatten keys with Key.Encode, which keeps the byte order of Item within
//     one (Space, Sub).
//
//   - OrderedKV: Get, Range and AtomicWrite. Range bounds are always
//     inclusive; callers that need exclusive bounds shift the bound strings
//     themselves before scanning. AtomicWrite takes a list of Checks
//     (expected current values) and a list of Mutations and either applies
//     all of them or none.
//
//   - Error: a structured error carrying a RetCode. errors.Is matches by code,
//     so callers can test for kv.ErrConflict, kv.ErrNotFound and friends.
//
// Implementations:
//
//   - memkv: in-memory B-tree ("github.com/ValentinKolb/dDoc/lib/kv/engines/memkv")
//   - pebblekv: embedded persistent LSM ("github.com/ValentinKolb/dDoc/lib/kv/engines/pebblekv")
//   - raftkv: dragonboat replicated state machine ("github.com/ValentinKolb/dDoc/lib/kv/engines/raftkv")
//   - rpc client: a remote shard served by ddoc serve ("github.com/ValentinKolb/dDoc/rpc/client")
package kv
