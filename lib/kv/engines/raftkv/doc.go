// Package raftkv implements a replicated ordered substrate on top of the
// Dragonboat RAFT library (github.com/lni/dragonboat/v4).
//
// The package has two halves:
//
//   - StateMachine: a dragonboat IConcurrentStateMachine wrapping an inner
//     substrate (usually memkv). Every raft log entry is one serialized
//     checked write (see internal.Command); replicas apply the same entries in
//     the same order, so check outcomes are identical on every node.
//     Snapshots are taken in PrepareSnapshot through the inner kv.Snapshotter
//     and therefore match the applied index exactly.
//
//   - NewRaftKV: the kv.OrderedKV handle used by the storage layer. Writes
//     are proposed with SyncPropose, strong reads use SyncRead (read index,
//     linearizable) and eventual reads use StaleRead. Range scans are paged:
//     each page is a separate lookup continuing after the last returned key,
//     so a long scan may observe writes committed between pages.
//
// Usage:
//
//	nh, _ := dragonboat.NewNodeHost(nhConfig)
//	_ = nh.StartConcurrentReplica(members, false, raftkv.NewStateMachineFactory(func() kv.OrderedKV {
//		return memkv.NewMemKV(nil)
//	}), shardConfig)
//	db := raftkv.NewRaftKV(nh, shardID, 5*time.Second)
package raftkv
