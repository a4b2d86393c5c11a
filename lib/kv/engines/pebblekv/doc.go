// Package pebblekv implements a persistent ordered substrate on top of
// CockroachDB's pebble LSM engine (github.com/cockroachdb/pebble).
//
// Keys are stored flattened (kv.Key.Encode), so one pebble database can host
// any number of collections. Range scans map directly to pebble iterators
// with the inclusive end converted to pebble's exclusive upper bound.
//
// Pebble has no conditional write primitive. AtomicWrite therefore verifies
// its checks and commits the batch while holding a process-local mutex, which
// makes the substrate linearizable for every writer sharing the handle. The
// database must not be opened by a second process at the same time; pebble's
// directory lock enforces that.
//
// With Options.InMemory the database lives in pebble's in-memory vfs, which
// is used by the tests and for ephemeral shards.
package pebblekv
