// Package internal holds the raft log entry (Command) and the read request
// (Query) formats of the raftkv state machine.
package internal
