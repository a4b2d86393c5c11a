package storage

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/google/uuid"
)

// ConflictInput holds the three states of a conflicting write.
type ConflictInput struct {
	NewDocumentState   schema.Document `json:"newDocumentState"`
	AssumedMasterState schema.Document `json:"assumedMasterState,omitempty"`
	RealMasterState    schema.Document `json:"realMasterState"`
}

// ConflictTask is queued for every row rejected with status 409.
type ConflictTask struct {
	ID    string        `json:"id"`
	Input ConflictInput `json:"input"`
}

// ConflictOutput is the decision of a conflict handler. With IsEqual the
// stored state wins and nothing is written.
type ConflictOutput struct {
	IsEqual      bool            `json:"isEqual"`
	DocumentData schema.Document `json:"documentData,omitempty"`
}

// ConflictSolution answers a ConflictTask.
type ConflictSolution struct {
	ID     string         `json:"id"`
	Output ConflictOutput `json:"output"`
}

// pushConflict queues a task for the conflict handler. Nothing is queued
// before a handler asked for the channel, and a full backlog drops the task;
// the rejected row is still reported in the BulkWriteResponse either way.
func (i *Instance) pushConflict(row BulkWriteRow, inDB schema.Document) {
	if !i.conflictsReadBy.Load() {
		return
	}
	queued := i.conflicts.Push(ConflictTask{
		ID: uuid.NewString(),
		Input: ConflictInput{
			NewDocumentState:   row.Document,
			AssumedMasterState: row.Previous,
			RealMasterState:    inDB,
		},
	})
	if !queued {
		i.metrics.conflictsDropped.Inc()
	}
}

// ConflictResultionTasks returns the channel conflict tasks are delivered on.
// There is one channel per instance; it is closed when the instance closes.
// Only conflicts after the first call are delivered, at most
// Settings.MaxPendingConflicts of them wait for the reader.
func (i *Instance) ConflictResultionTasks() <-chan ConflictTask {
	i.conflictsReadBy.Store(true)
	return i.conflicts.Recv()
}

// ResolveConflictResultionTask writes the resolved document on top of the
// currently stored one. A vanished document is reported as RetCNotFound,
// a write that lost against yet another writer as RetCConflict.
func (i *Instance) ResolveConflictResultionTask(ctx context.Context, solution ConflictSolution) error {
	if err := i.ready(); err != nil {
		return err
	}
	if solution.Output.IsEqual {
		return nil
	}

	doc := solution.Output.DocumentData.Clone()
	id := doc.ID(i.schema.PrimaryKey)
	if id == "" {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("solution %s has no primary key", solution.ID))
	}
	cur, err := i.readStored(ctx, id, kv.ConsistencyStrong)
	if err != nil {
		return err
	}
	if !cur.exists {
		return kv.NewError(kv.RetCNotFound, fmt.Sprintf("document %q of solution %s does not exist", id, solution.ID))
	}

	// a new revision on top of the stored one
	delete(doc, schema.FieldRev)
	resp, err := i.BulkWrite(ctx, []BulkWriteRow{{Previous: cur.env.Doc, Document: doc}}, "conflict-resolution")
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		werr := resp.Errors[0]
		code := kv.RetCConflict
		if werr.Status == StatusInvalid {
			code = kv.RetCInvalidOperation
		}
		return kv.NewError(code, werr.Error())
	}
	return nil
}
