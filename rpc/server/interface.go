package server

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// IRPCServerAdapter executes decoded requests against the substrate of a shard.
// Failures are returned as error messages (common.NewErrorResponse), never as Go errors,
// so the client sees the original kv.RetCode.
type IRPCServerAdapter interface {
	Handle(ctx context.Context, req *common.Message, db kv.OrderedKV) (resp *common.Message)
}
