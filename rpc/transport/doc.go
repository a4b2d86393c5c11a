// Package transport contains the contracts between the rpc layer and the
// network. A transport only moves opaque byte slices tagged with a shard id;
// encoding them is the job of the serializer package and executing them the
// job of the server package.
//
// A server transport hands every request to the ServerHandleFunc registered
// by server.RPCServer. A client transport is owned by one remote substrate
// handle (client.NewRPCKV) and may retry a request on another endpoint.
//
// The only implementation is the http subpackage: requests are POSTed to
// /{shardId} and the server additionally exposes Prometheus metrics on
// /metrics.
package transport
