package raftkv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/raftkv/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("raftkv")
)

// raftKV is the client side of a replicated shard.
// It encapsulates a Dragonboat NodeHost which is used to communicate with the state machine.
type raftKV struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
	closed  atomic.Bool
}

// NewRaftKV creates a substrate handle for a shard started with NewStateMachineFactory.
// Writes go through raft consensus; strong reads use SyncRead (linearizable),
// eventual reads use the faster StaleRead of the local replica.
// The NodeHost stays owned by the caller; Close only releases the handle.
func NewRaftKV(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) kv.OrderedKV {
	return &raftKV{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// wait pauses between retries or returns early when ctx is done.
func (r *raftKV) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.timeout / 10):
		return nil
	}
}

// write serializes a Command and sends it via SyncPropose.
// It returns the kv.RetCode reported by the state machine.
func (r *raftKV) write(ctx context.Context, cmd internal.Command) (kv.RetCode, error) {
	data := cmd.Serialize()
	for i := 0; i < retries; i++ {
		proposeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		res, err := r.nh.SyncPropose(proposeCtx, r.cs, data)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			if err := r.wait(ctx); err != nil {
				return kv.RetCSubstrate, kv.WrapSubstrate(err)
			}
			continue
		}
		if err != nil {
			return kv.RetCSubstrate, kv.WrapSubstrate(err)
		}

		code := kv.RetCode(res.Value)
		switch code {
		case kv.RetCSuccess, kv.RetCPreconditionFailed:
			return code, nil
		default:
			return code, kv.NewError(code, string(res.Data))
		}
	}
	return kv.RetCSubstrate, kv.NewError(kv.RetCSubstrate, "timeout")
}

// read is a generic helper function that queries the state machine
// and attempts to convert the response into the expected type R.
//
// Strong consistency uses SyncRead (linearizable), eventual consistency the
// faster StaleRead. If the read fails due to a system busy error, the function
// retries up to 5 times.
func read[R any](ctx context.Context, r *raftKV, q internal.Query, consistency kv.Consistency) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		var res interface{}
		var err error

		if consistency == kv.ConsistencyEventual {
			res, err = r.nh.StaleRead(r.shardID, q)
		} else {
			readCtx, cancel := context.WithTimeout(ctx, r.timeout)
			res, err = r.nh.SyncRead(readCtx, r.shardID, q)
			cancel()
		}

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			if err := r.wait(ctx); err != nil {
				return zero, kv.WrapSubstrate(err)
			}
			continue
		}
		if err != nil {
			return zero, kv.WrapSubstrate(err)
		}

		// The state machine is expected to return the response in the expected type R.
		casted, ok := res.(R)
		if !ok {
			return zero, kv.NewError(kv.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, kv.NewError(kv.RetCSubstrate, "timeout")
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.OrderedKV)
// --------------------------------------------------------------------------

func (r *raftKV) Get(ctx context.Context, key kv.Key, opts kv.ReadOptions) ([]byte, bool, error) {
	if err := r.ready(ctx); err != nil {
		return nil, false, err
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	res, err := read[internal.QueryResult](ctx, r, internal.Query{
		Type: internal.QueryTGet,
		Key:  key,
	}, opts.Consistency)
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Ok, nil
}

func (r *raftKV) Range(ctx context.Context, start, end kv.Key, opts kv.RangeOptions) iter.Seq2[kv.Entry, error] {
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
			pageSize = defaultPageSize
		}

		from := start
		emitted := 0
		for {
			limit := pageSize
			if opts.Limit > 0 {
				limit = min(limit, opts.Limit-emitted)
			}
			page, err := read[internal.RangeResult](ctx, r, internal.Query{
				Type:  internal.QueryTRange,
				Key:   from,
				End:   end,
				Limit: limit,
			}, opts.Consistency)
			if err != nil {
				yield(kv.Entry{}, err)
				return
			}

			for _, entry := range page.Entries {
				if !yield(entry, nil) {
					return
				}
				emitted++
			}
			if len(page.Entries) < limit || (opts.Limit > 0 && emitted >= opts.Limit) {
				return
			}
			// continue strictly after the last key of this page
			last := page.Entries[len(page.Entries)-1].Key
			from = kv.Key{Space: last.Space, Sub: last.Sub, Item: last.Item + "\x00"}
		}
	}
}

func (r *raftKV) AtomicWrite(ctx context.Context, checks []kv.Check, mutations []kv.Mutation) (bool, error) {
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

	code, err := r.write(ctx, internal.Command{Checks: checks, Mutations: mutations})
	if err != nil {
		return false, err
	}
	return code == kv.RetCSuccess, nil
}

func (r *raftKV) SupportsFeature(feature kv.Feature) bool {
	return feature&r.features() == feature
}

func (r *raftKV) features() kv.Feature {
	return kv.FeatureGet | kv.FeatureRange | kv.FeatureAtomicWrite | kv.FeatureStrongConsistency | kv.FeaturePersistence
}

func (r *raftKV) GetInfo() kv.Info {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	// Note: allow for stale reads
	inner, err := read[kv.Info](ctx, r, internal.Query{Type: internal.QueryTGetInfo}, kv.ConsistencyEventual)
	info := kv.Info{
		Keys:              inner.Keys,
		SizeBytes:         inner.SizeBytes,
		Implementation:    kv.ImplRaftKV,
		SupportedFeatures: kv.FeatureList(r.features()),
		Metadata: map[string]any{
			"shard_id": r.shardID,
			"inner":    inner.Implementation,
		},
	}
	if err != nil {
		log.Warningf("failed to read info of shard %d: %v", r.shardID, err)
	}
	return info
}

func (r *raftKV) Close() error {
	r.closed.Store(true)
	return nil
}

// ready returns an error if the handle is closed or the context is done.
func (r *raftKV) ready(ctx context.Context) error {
	if r.closed.Load() {
		return kv.NewError(kv.RetCClosed, "raftkv handle is closed")
	}
	return ctx.Err()
}
