// Package common provides the data structures and utilities shared by the RPC
// client, server and transports that expose a kv.OrderedKV substrate over the
// network.
//
// The package focuses on:
//   - Message protocol definition for remote substrate operations
//   - Configuration structures for client and server components
//   - Custom logging implementation integrated with Dragonboat
//   - Utilities for Dragonboat (RAFT) integration
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. A request carries
//     one substrate operation (get, range, atomic, info), the response carries its
//     result or an error with the kv.RetCode of the failure, so errors.Is works on
//     both sides of the wire. Keys are sent in their flattened form (kv.Key.Encode).
//
//   - MessageType: Enumeration of all supported operations plus the control
//     messages success and error.
//
//   - ServerConfig: Configuration of a server node: the served shards and their
//     engine (memkv, pebble, raft), RAFT parameters, data directory and endpoint.
//     Provides utilities for converting to Dragonboat-specific configurations.
//
//   - ClientConfig: Configuration for clients, controlling endpoints, timeouts,
//     retries and the page size of range scans.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
//     Every package of this module obtains its logger with logger.GetLogger(name).
package common
