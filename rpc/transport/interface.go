package transport

import (
	"context"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// ServerHandleFunc answers one encoded request addressed to a shard.
// It never fails: problems are encoded into the returned response.
type ServerHandleFunc func(shardId uint64, req []byte) (resp []byte)

// IRPCServerTransport moves encoded requests from the network to a ServerHandleFunc.
type IRPCServerTransport interface {
	// RegisterHandler sets the function every request is passed to. It is
	// called once, before Listen.
	RegisterHandler(handler ServerHandleFunc)
	// Listen serves config.Endpoint and blocks. After Shutdown it returns nil.
	Listen(config common.ServerConfig) error
	// Shutdown stops accepting requests and waits for running ones until ctx is done
	Shutdown(ctx context.Context) error
}

// IRPCClientTransport delivers encoded requests to a server and returns the encoded response.
type IRPCClientTransport interface {
	// Connect prepares the transport for config.Endpoints, it does not have to dial yet
	Connect(config common.ClientConfig) error
	// Send delivers req to shardId. Retries happen inside Send, cancelling ctx stops them.
	Send(ctx context.Context, shardId uint64, req []byte) (resp []byte, err error)
	// Close releases idle connections, Send fails afterwards
	Close() error
}
