// Package cmd implements the command-line interface of dDoc. It provides a
// hierarchical command structure for running a substrate server and for
// working with document collections as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a server that serves memkv, pebble and raft shards over RPC
//   - docs: Document operations on one collection (put, get, delete, query, count,
//     changes, cleanup, info) plus the perf benchmark tool. The collection lives
//     either on a remote shard or in a local pebble directory
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable DDOC_<FLAG>
// (dashes become underscores), .env and .env.local files are loaded on start.
//
// See ddoc -help for a list of all commands.
package cmd
