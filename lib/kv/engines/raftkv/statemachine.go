package raftkv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/raftkv/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

const defaultPageSize = 256 // Entries returned by one range lookup

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine is a state machine implementation for Dragonboat RAFT.
// Every replica applies the same checked writes to its own inner substrate.
type StateMachine struct {
	replicaID uint64
	shardID   uint64
	inner     kv.OrderedKV // the actual data storage
}

// NewStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host.
// The inner substrate should be volatile (e.g. memkv): raft rebuilds it from the latest snapshot plus the log on restart.
func NewStateMachineFactory(factory func() kv.OrderedKV) sm.CreateConcurrentStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &StateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			inner:     factory(),
		}
	}
}

// Lookup handles read-only queries by mapping each Query operation to the corresponding substrate method.
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {
	// try to parse Query into Query struct
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, kv.NewError(kv.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	ctx := context.Background()
	switch q.Type {
	case internal.QueryTGet:
		val, ok, err := fsm.inner.Get(ctx, q.Key, kv.ReadOptions{})
		if err != nil {
			return nil, err
		}
		return internal.QueryResult{Value: val, Ok: ok}, nil

	case internal.QueryTRange:
		limit := q.Limit
		if limit <= 0 {
			limit = defaultPageSize
		}
		page := internal.RangeResult{Entries: make([]kv.Entry, 0, min(limit, defaultPageSize))}
		for entry, err := range fsm.inner.Range(ctx, q.Key, q.End, kv.RangeOptions{Limit: limit, BatchSize: limit}) {
			if err != nil {
				return nil, err
			}
			page.Entries = append(page.Entries, entry)
		}
		return page, nil

	case internal.QueryTGetInfo:
		return fsm.inner.GetInfo(), nil

	default:
		return nil, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies checked writes.
// All write operations are serialized into []byte and are accessible via the entries struct.
// The result value is a kv.RetCode: RetCSuccess when committed, RetCPreconditionFailed when a check did not hold.
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	// Stats
	start := time.Now()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(kv.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(kv.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		committed, err := fsm.inner.AtomicWrite(context.Background(), cmd.Checks, cmd.Mutations)
		switch {
		case err != nil:
			entries[idx].Result = sm.Result{Value: uint64(kv.CodeOf(err)), Data: []byte(err.Error())}
		case !committed:
			entries[idx].Result = sm.Result{Value: uint64(kv.RetCPreconditionFailed), Data: []byte("check failed")}
		default:
			entries[idx].Result = sm.Result{Value: uint64(kv.RetCSuccess)}
		}
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot captures the state at the current applied index.
// Dragonboat never runs it concurrently with Update, so the capture is exact.
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	snap, ok := fsm.inner.(kv.Snapshotter)
	if !ok {
		return nil, fmt.Errorf("the inner substrate does not support snapshots")
	}
	var buf bytes.Buffer
	if err := snap.Save(&buf); err != nil {
		return nil, err
	}
	return &buf, nil
}

// SaveSnapshot writes the state captured by PrepareSnapshot to the writer
func (fsm *StateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	buf, ok := ctx.(*bytes.Buffer)
	if !ok {
		return fmt.Errorf("invalid snapshot context: %T", ctx)
	}
	_, err := buf.WriteTo(writer)
	return err
}

// RecoverFromSnapshot replaces the inner state with the snapshot.
func (fsm *StateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	snap, ok := fsm.inner.(kv.Snapshotter)
	if !ok {
		return fmt.Errorf("the inner substrate does not support snapshots")
	}
	log.Infof("recovering shard %d (replica %d) from snapshot", fsm.shardID, fsm.replicaID)
	return snap.Load(r)
}

// Close performs any necessary cleanup.
func (fsm *StateMachine) Close() error {
	return fsm.inner.Close()
}
