package internal

import "github.com/ValentinKolb/dDoc/lib/kv"

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTGet     QueryType = iota // Retrieve an entry by key.
	QueryTRange                    // Retrieve one page of an inclusive range scan.
	QueryTGetInfo                  // Retrieve metadata about the substrate underlying the machine.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGet:
		return "Get"
	case QueryTRange:
		return "Range"
	case QueryTGetInfo:
		return "GetInfo"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type  QueryType // The type of Query to perform.
	Key   kv.Key    // The key (Get) or the range start (Range).
	End   kv.Key    // The inclusive range end (Range only).
	Limit int       // Maximum entries of one range page (Range only).
}

// QueryResult is the result of a QueryTGet operation.
type QueryResult struct {
	Ok    bool
	Value []byte
}

// RangeResult is one page of a QueryTRange operation.
// A page shorter than the requested limit is the last one.
type RangeResult struct {
	Entries []kv.Entry
}
