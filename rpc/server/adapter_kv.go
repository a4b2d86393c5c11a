package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// MaxPageSize caps the number of entries returned by a single range request
const MaxPageSize = 1024

func NewKVServerAdapter() IRPCServerAdapter {
	return &kvServerAdapterImpl{}
}

// kvServerAdapterImpl translates messages into kv.OrderedKV calls
type kvServerAdapterImpl struct{}

func (adapter *kvServerAdapterImpl) Handle(ctx context.Context, req *common.Message, db kv.OrderedKV) *common.Message {
	if db == nil {
		return common.NewErrorResponse(kv.NewError(kv.RetCInternalError, "handler: substrate is nil"))
	}

	switch req.MsgType {
	case common.MsgTKVGet:
		key, err := common.DecodeKey(req.Key)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		val, ok, err := db.Get(ctx, key, kv.ReadOptions{Consistency: req.Consistency})
		return common.NewGetResponse(val, ok, err)

	case common.MsgTKVRange:
		entries, err := adapter.rangePage(ctx, req, db)
		return common.NewRangeResponse(entries, err)

	case common.MsgTKVAtomicWrite:
		checks, err := common.ToChecks(req.Checks)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		mutations, err := common.ToMutations(req.Mutations)
		if err != nil {
			return common.NewErrorResponse(err)
		}
		committed, err := db.AtomicWrite(ctx, checks, mutations)
		return common.NewAtomicWriteResponse(committed, err)

	case common.MsgTKVInfo:
		return common.NewInfoResponse(db.GetInfo())

	default:
		return common.NewErrorResponse(kv.NewError(kv.RetCUnsupportedOperation,
			fmt.Sprintf("RPC KVAdapter - Unsupported message type: %s", req.MsgType)))
	}
}

// rangePage reads at most one page of the requested range
func (adapter *kvServerAdapterImpl) rangePage(ctx context.Context, req *common.Message, db kv.OrderedKV) ([]kv.Entry, error) {
	start, err := common.DecodeKey(req.Key)
	if err != nil {
		return nil, err
	}
	end, err := common.DecodeKey(req.End)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	entries := make([]kv.Entry, 0, min(limit, 64))
	for e, err := range db.Range(ctx, start, end, kv.RangeOptions{Limit: limit, Consistency: req.Consistency}) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
