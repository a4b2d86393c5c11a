package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
type rpcClientAdapter struct {
	shardId    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invoke sends a request to the shard and returns the response.
// Transport failures become RetCSubstrate errors, error responses keep the
// return code reported by the server. The type of the response is checked
// against the request.
func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	reqBytes, err := a.serializer.Serialize(*req)
	if err != nil {
		return nil, kv.NewError(kv.RetCInternalError, fmt.Sprintf("RPC KVAdapter - Error: %s", err))
	}

	respBytes, err := a.transport.Send(ctx, a.shardId, reqBytes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, kv.WrapSubstrate(err)
	}

	resp := &common.Message{}
	if err := a.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, kv.NewError(kv.RetCSubstrate, fmt.Sprintf("RPC KVAdapter - Error: %s", err))
	}

	if err := resp.Error(); err != nil {
		return nil, err
	}

	if resp.MsgType != req.MsgType {
		return nil, kv.NewError(kv.RetCSubstrate,
			fmt.Sprintf("RPC KVAdapter - Unexpected message type: %s, expected %s", resp.MsgType, req.MsgType))
	}
	return resp, nil
}
