package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"

	"github.com/ValentinKolb/dDoc/lib/indexstring"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("query")

// DocumentLoader resolves a primary key to the stored document.
type DocumentLoader func(ctx context.Context, id string) (schema.Document, bool, error)

// Executor runs prepared queries against the index namespaces of one
// collection key space.
type Executor struct {
	Reader      kv.Reader
	Space       string // collection key space
	Schema      *schema.Schema
	Load        DocumentLoader
	BatchSize   int
	Consistency kv.Consistency
}

// scanRange is the resolved inclusive key range of a plan.
type scanRange struct {
	index        schema.StorageIndex
	lower, upper string
	empty        bool
}

func (e *Executor) storageIndex(id string) (schema.StorageIndex, error) {
	for _, idx := range e.Schema.StorageIndexes() {
		if idx.ID == id {
			return idx, nil
		}
	}
	return schema.StorageIndex{}, planningError("unknown index %q", id)
}

// resolve encodes the plan bounds (with _deleted=false in front) and turns
// exclusive bounds into inclusive ones by shifting them one quantum.
func (e *Executor) resolve(p Plan) (scanRange, error) {
	idx, err := e.storageIndex(p.IndexID)
	if err != nil {
		return scanRange{}, err
	}
	r := scanRange{index: idx}

	start := append([]any{false}, p.StartKeys...)
	end := append([]any{false}, p.EndKeys...)

	if r.lower, _, err = indexstring.StartFromLowerBound(e.Schema, idx.Fields, start, p.InclusiveStart); err != nil {
		return scanRange{}, err
	}
	if r.upper, _, err = indexstring.EndFromUpperBound(e.Schema, idx.Fields, end, p.InclusiveEnd); err != nil {
		return scanRange{}, err
	}

	if !p.InclusiveStart {
		if r.lower, err = indexstring.ChangeByOneQuantum(r.lower, 1); errors.Is(err, indexstring.ErrQuantumOverflow) {
			r.empty = true
		}
	}
	if !p.InclusiveEnd {
		if r.upper, err = indexstring.ChangeByOneQuantum(r.upper, -1); errors.Is(err, indexstring.ErrQuantumOverflow) {
			r.empty = true
		}
	}
	if r.lower > r.upper {
		r.empty = true
	}
	return r, nil
}

// entries yields the primary keys stored in the index range.
func (e *Executor) entries(ctx context.Context, r scanRange, limit int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if r.empty {
			return
		}

		// zero width range: a point read of the single possible entry
		if r.lower == r.upper {
			val, ok, err := e.Reader.Get(ctx, kv.Key{Space: e.Space, Sub: r.index.ID, Item: r.lower}, kv.ReadOptions{Consistency: e.Consistency})
			if err != nil {
				yield("", kv.WrapSubstrate(err))
				return
			}
			if ok {
				yield(string(val), nil)
			}
			return
		}

		start := kv.Key{Space: e.Space, Sub: r.index.ID, Item: r.lower}
		end := kv.Key{Space: e.Space, Sub: r.index.ID, Item: r.upper}
		opts := kv.RangeOptions{Limit: limit, BatchSize: e.BatchSize, Consistency: e.Consistency}
		for entry, err := range e.Reader.Range(ctx, start, end, opts) {
			if err != nil {
				yield("", kv.WrapSubstrate(err))
				return
			}
			if !yield(string(entry.Value), nil) {
				return
			}
		}
	}
}

// Execute returns the documents matching pq in the requested order.
// The sequence is lazy: the scan stops as soon as the consumer stops.
func (e *Executor) Execute(ctx context.Context, pq PreparedQuery) iter.Seq2[schema.Document, error] {
	return func(yield func(schema.Document, error) bool) {
		plan := pq.Plan
		q := pq.Query

		r, err := e.resolve(plan)
		if err != nil {
			yield(nil, err)
			return
		}
		log.Debugf("executing %s", plan)

		scanLimit := 0
		if plan.SortFieldsSameAsIndexFields && plan.SelectorSatisfiedByIndex {
			scanLimit = rowsWanted(q)
		}

		resort := !plan.SortFieldsSameAsIndexFields
		var buffered []schema.Document
		matched := 0
		emitted := 0

		for id, err := range e.entries(ctx, r, scanLimit) {
			if err != nil {
				yield(nil, err)
				return
			}
			doc, ok, err := e.Load(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok || doc.Deleted() {
				// the entry was written by a concurrent write not yet visible on the document
				continue
			}
			if !plan.SelectorSatisfiedByIndex && !pq.Matcher.Match(doc) {
				continue
			}

			if resort {
				buffered = append(buffered, doc)
				continue
			}

			matched++
			if matched <= q.Skip {
				continue
			}
			if !yield(doc, nil) {
				return
			}
			emitted++
			if q.Limit > 0 && emitted >= q.Limit {
				return
			}
		}

		if !resort {
			return
		}
		slices.SortStableFunc(buffered, pq.Comparator)
		if q.Skip >= len(buffered) {
			return
		}
		buffered = buffered[q.Skip:]
		if q.Limit > 0 && q.Limit < len(buffered) {
			buffered = buffered[:q.Limit]
		}
		for _, doc := range buffered {
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// rowsWanted is the number of index entries after which a scan can stop,
// 0 if it has to run to the end. A sum beyond math.MaxInt is unlimited.
func rowsWanted(q Query) int {
	if q.Limit <= 0 || q.Skip < 0 {
		return 0
	}
	if q.Skip > math.MaxInt-q.Limit {
		return 0
	}
	return q.Skip + q.Limit
}

// Collect executes pq and materializes the result.
func (e *Executor) Collect(ctx context.Context, pq PreparedQuery) ([]schema.Document, error) {
	var out []schema.Document
	for doc, err := range e.Execute(ctx, pq) {
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// CountMode tells how Count obtained its result.
type CountMode string

const (
	CountModeFast CountMode = "fast" // counted index entries only
	CountModeSlow CountMode = "slow" // loaded and matched every candidate document
)

// Count returns the number of documents matching the selector of pq.
// Skip and limit are ignored.
func (e *Executor) Count(ctx context.Context, pq PreparedQuery) (int, CountMode, error) {
	if pq.Plan.SelectorSatisfiedByIndex {
		r, err := e.resolve(pq.Plan)
		if err != nil {
			return 0, CountModeFast, err
		}
		n := 0
		for _, err := range e.entries(ctx, r, 0) {
			if err != nil {
				return 0, CountModeFast, err
			}
			n++
		}
		return n, CountModeFast, nil
	}

	unbounded := pq
	unbounded.Query.Skip, unbounded.Query.Limit = 0, 0
	// order does not matter for counting
	unbounded.Plan.SortFieldsSameAsIndexFields = true
	n := 0
	for _, err := range e.Execute(ctx, unbounded) {
		if err != nil {
			return 0, CountModeSlow, fmt.Errorf("count: %w", err)
		}
		n++
	}
	return n, CountModeSlow, nil
}
