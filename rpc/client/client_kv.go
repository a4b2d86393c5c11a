package client

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
)

// defaultPageSize is the number of entries requested per range page
const defaultPageSize = 256

// NewRPCKV creates a substrate handle for a remote shard.
// The function takes a shard ID, a config, a transport and a serializer as parameters.
// The shard is asked for its features once, so an unreachable server fails here.
func NewRPCKV(
	ctx context.Context,
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (kv.OrderedKV, error) {

	// Connect the transport
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	r := &rpcKV{
		rpcClientAdapter: rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}

	info, err := r.fetchInfo(ctx)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to reach shard %d: %w", shardId, err)
	}
	for _, f := range info.SupportedFeatures {
		r.features |= f
	}
	// Save / Load are not available over the wire
	r.features &^= kv.FeatureSnapshot

	return r, nil
}

type rpcKV struct {
	rpcClientAdapter
	features kv.Feature
	closed   atomic.Bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.OrderedKV)
// --------------------------------------------------------------------------

func (r *rpcKV) Get(ctx context.Context, key kv.Key, opts kv.ReadOptions) ([]byte, bool, error) {
	if err := r.ready(ctx); err != nil {
		return nil, false, err
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	resp, err := r.invoke(ctx, common.NewGetRequest(key, opts.Consistency))
	if err != nil {
		return nil, false, err
	}
	if !resp.Ok {
		return nil, false, nil
	}
	if resp.Value == nil {
		return []byte{}, true, nil
	}
	return resp.Value, true, nil
}

func (r *rpcKV) Range(ctx context.Context, start, end kv.Key, opts kv.RangeOptions) iter.Seq2[kv.Entry, error] {
	return func(yield func(kv.Entry, error) bool) {
		if err := r.ready(ctx); err != nil {
			yield(kv.Entry{}, err)
			return
		}
		if err := kv.ValidateRange(start, end); err != nil {
			yield(kv.Entry{}, err)
			return
		}

		pageSize := opts.BatchSize
		if pageSize <= 0 {
			pageSize = r.config.PageSize
		}
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}

		from := start
		emitted := 0
		for {
			want := pageSize
			if opts.Limit > 0 {
				want = min(want, opts.Limit-emitted)
			}

			resp, err := r.invoke(ctx, common.NewRangeRequest(from, end, want, opts.Consistency))
			if err != nil {
				yield(kv.Entry{}, err)
				return
			}

			for _, wire := range resp.Entries {
				e, err := common.ToEntry(wire)
				if err != nil {
					yield(kv.Entry{}, err)
					return
				}
				if !yield(e, nil) {
					return
				}
				emitted++
			}

			// the server may return less than requested (page cap), only an empty page ends the scan
			if len(resp.Entries) == 0 || (opts.Limit > 0 && emitted >= opts.Limit) {
				return
			}

			// continue strictly after the last key of this page
			last := resp.Entries[len(resp.Entries)-1]
			lastKey, err := common.DecodeKey(last.Key)
			if err != nil {
				yield(kv.Entry{}, err)
				return
			}
			from = kv.Key{Space: lastKey.Space, Sub: lastKey.Sub, Item: lastKey.Item + "\x00"}
			if from.Item > end.Item {
				return
			}
		}
	}
}

func (r *rpcKV) AtomicWrite(ctx context.Context, checks []kv.Check, mutations []kv.Mutation) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	for _, c := range checks {
		if err := c.Key.Validate(); err != nil {
			return false, err
		}
	}
	for _, m := range mutations {
		if err := m.Key.Validate(); err != nil {
			return false, err
		}
	}
	resp, err := r.invoke(ctx, common.NewAtomicWriteRequest(checks, mutations))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (r *rpcKV) SupportsFeature(feature kv.Feature) bool {
	return r.features&feature == feature
}

// GetInfo asks the shard for its info. On failure only the local fields are filled in.
func (r *rpcKV) GetInfo() kv.Info {
	info := kv.Info{
		Implementation:    kv.ImplRPCKV,
		SupportedFeatures: kv.FeatureList(r.features),
	}
	if r.closed.Load() {
		return info
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()
	remote, err := r.fetchInfo(ctx)
	if err != nil {
		Logger.Warningf("failed to fetch info of shard %d: %v", r.shardId, err)
		return info
	}
	info.Keys = remote.Keys
	info.SizeBytes = remote.SizeBytes
	info.Metadata = map[string]interface{}{
		"shard":          r.shardId,
		"implementation": remote.Implementation,
		"metadata":       remote.Metadata,
	}
	return info
}

func (r *rpcKV) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (r *rpcKV) fetchInfo(ctx context.Context) (kv.Info, error) {
	resp, err := r.invoke(ctx, common.NewInfoRequest())
	if err != nil {
		return kv.Info{}, err
	}
	var info kv.Info
	if err := json.Unmarshal(resp.Meta, &info); err != nil {
		return kv.Info{}, kv.NewError(kv.RetCSubstrate, fmt.Sprintf("malformed info response: %s", err))
	}
	return info, nil
}

func (r *rpcKV) timeout() time.Duration {
	if r.config.TimeoutSecond <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.config.TimeoutSecond) * time.Second
}

// ready returns an error if the handle is closed or the context is done.
func (r *rpcKV) ready(ctx context.Context) error {
	if r.closed.Load() {
		return kv.NewError(kv.RetCClosed, "rpc client is closed")
	}
	return ctx.Err()
}
