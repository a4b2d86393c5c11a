package kv

import (
	"context"
	"io"
	"iter"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemKV    Implementation = "memkv"
	ImplPebbleKV Implementation = "pebble"
	ImplRaftKV   Implementation = "raft"
	ImplRPCKV    Implementation = "rpc"
)

// Feature represents substrate features as bit flags
type Feature uint64

const (
	FeatureGet               Feature = 1 << iota // Support for point reads
	FeatureRange                                 // Support for ordered range scans
	FeatureAtomicWrite                           // Support for checked multi-key writes
	FeatureStrongConsistency                     // Reads observe every acknowledged write
	FeaturePersistence                           // Data survives a process restart
	FeatureSnapshot                              // Support for Save / Load
)

func (f Feature) String() string {
	switch f {
	case FeatureGet:
		return "Get"
	case FeatureRange:
		return "Range"
	case FeatureAtomicWrite:
		return "AtomicWrite"
	case FeatureStrongConsistency:
		return "StrongConsistency"
	case FeaturePersistence:
		return "Persistence"
	case FeatureSnapshot:
		return "Snapshot"
	default:
		return "Unknown"
	}
}

// Consistency selects how fresh a read must be. Substrates without replication
// treat both levels the same.
type Consistency uint8

const (
	ConsistencyStrong Consistency = iota
	ConsistencyEventual
)

func (c Consistency) String() string {
	if c == ConsistencyEventual {
		return "eventual"
	}
	return "strong"
}

// ParseConsistency converts "strong" / "eventual" into a Consistency.
func ParseConsistency(s string) (Consistency, error) {
	switch s {
	case "", "strong":
		return ConsistencyStrong, nil
	case "eventual":
		return ConsistencyEventual, nil
	default:
		return ConsistencyStrong, NewError(RetCInvalidOperation, "unknown consistency level: "+s)
	}
}

type Info struct {
	Keys              int            `json:"keys"`
	SizeBytes         int            `json:"size_bytes"`
	Implementation    Implementation `json:"implementation"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// ReadOptions configures a single point read.
type ReadOptions struct {
	Consistency Consistency
}

// RangeOptions configures a range scan.
// Limit <= 0 means unlimited, BatchSize <= 0 lets the substrate choose.
type RangeOptions struct {
	Limit       int
	BatchSize   int
	Consistency Consistency
}

// Entry is a single key-value pair returned by a range scan.
type Entry struct {
	Key   Key
	Value []byte
}

// Check is a precondition of an atomic write. With Exists=false the key must be
// absent, otherwise its current value must equal Value byte by byte.
type Check struct {
	Key    Key
	Exists bool
	Value  []byte
}

type MutationType uint8

const (
	MutationTPut MutationType = iota
	MutationTDelete
)

func (m MutationType) String() string {
	switch m {
	case MutationTPut:
		return "Put"
	case MutationTDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Mutation is a single put or delete inside an atomic write.
type Mutation struct {
	Type  MutationType
	Key   Key
	Value []byte
}

// Put creates a put mutation.
func Put(key Key, value []byte) Mutation {
	return Mutation{Type: MutationTPut, Key: key, Value: value}
}

// Delete creates a delete mutation.
func Delete(key Key) Mutation {
	return Mutation{Type: MutationTDelete, Key: key}
}

// --------------------------------------------------------------------------
// Substrate Interface
// --------------------------------------------------------------------------

// Reader is the read half of an ordered key-value substrate.
type Reader interface {
	// Get returns the value stored for key. The boolean reports whether the key exists.
	Get(ctx context.Context, key Key, opts ReadOptions) (value []byte, ok bool, err error)

	// Range returns all entries with start.Item <= key.Item <= end.Item in ascending
	// byte order. Both keys must share Space and Sub. The returned sequence is lazy;
	// the caller may stop consuming it at any time.
	Range(ctx context.Context, start, end Key, opts RangeOptions) iter.Seq2[Entry, error]
}

// OrderedKV defines the contract every substrate must fulfil to host document collections.
// Implementations differ in durability and replication, which can be queried with SupportsFeature.
type OrderedKV interface {
	Reader

	// AtomicWrite verifies every check and applies all mutations as one unit.
	// committed is false (with a nil error) when a check did not hold; nothing is written then.
	AtomicWrite(ctx context.Context, checks []Check, mutations []Mutation) (committed bool, err error)

	// SupportsFeature checks if the substrate supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the substrate.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetInfo() (info Info)

	// Close releases the handle.
	Close() (err error)
}

// Snapshotter is implemented by substrates supporting FeatureSnapshot.
type Snapshotter interface {
	// Save persists the current state of the substrate to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load restores the substrate state from the provided io.Reader.
	Load(r io.Reader) (err error)
}

// Factory creates a handle to a substrate.
type Factory func() (OrderedKV, error)

// shared wraps a substrate so that Close does not release the underlying handle.
type shared struct {
	OrderedKV
}

func (shared) Close() error { return nil }

// Shared returns a handle to db whose Close is a no-op. This is used when
// several storage instances are backed by the same substrate.
func Shared(db OrderedKV) OrderedKV {
	return shared{OrderedKV: db}
}

// SharedFactory returns a Factory handing out shared handles to db.
func SharedFactory(db OrderedKV) Factory {
	return func() (OrderedKV, error) {
		return Shared(db), nil
	}
}

// FeatureList expands a feature bit set into its single features.
func FeatureList(f Feature) []Feature {
	var out []Feature
	for bit := FeatureGet; bit <= FeatureSnapshot; bit <<= 1 {
		if f&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}
