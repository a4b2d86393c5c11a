// Package http implements an HTTP-based transport layer for the RPC communication
// between remote substrate clients and the ddoc server. It provides concrete
// implementations of the transport interfaces defined in the parent package.
//
// The package focuses on:
//   - Client-side HTTP transport for sending RPC requests to servers
//   - Server-side HTTP transport for receiving and handling RPC requests
//   - Round-robin load balancing across multiple server endpoints
//   - Request routing based on shard IDs
//   - Exposing the process metrics for Prometheus
//
// Key Components:
//
//   - httpClientTransport: Implements IRPCClientTransport interface, managing
//     connections to server endpoints, handling request routing, and implementing
//     retry mechanisms. It uses round-robin selection for load balancing across
//     multiple server endpoints, so every retry goes to the next endpoint.
//     Only network errors and 5xx responses are retried.
//
//   - httpServerTransport: Implements IRPCServerTransport interface, setting up
//     an HTTP server that routes POST /{shardId} to the registered handler and
//     serves GET /metrics in the Prometheus text format (VictoriaMetrics/metrics).
//
// Thread Safety:
//
//	The client transport is thread-safe and can be used concurrently once Connect
//	returned. It uses atomic operations for the round-robin counter to ensure thread
//	safety when selecting server endpoints.
package http
