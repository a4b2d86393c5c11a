// Package memkv implements an in-memory ordered substrate backed by a B-tree
// (github.com/google/btree).
//
// All entries live in a single tree ordered by the flattened kv.Key. Point
// reads and range scans take the read lock, atomic writes take the write
// lock for the duration of the check-and-apply step, which makes every
// AtomicWrite linearizable. Range scans copy batches of entries and yield
// them without holding the lock, so a scan observes a consistent view per
// batch only.
//
// The substrate also implements kv.Snapshotter so it can serve as the state
// of a raft replicated shard (see package raftkv). Snapshots use the shared
// stream format of kv.SnapshotWriter with entries in ascending key order.
package memkv
