package storage

import (
	"bytes"
	"context"
	"time"

	"github.com/ValentinKolb/dDoc/lib/indexstring"
	"github.com/ValentinKolb/dDoc/lib/kv"
)

// Cleanup purges documents that were deleted at least minimumDeletedTime ago.
// At most Settings.BatchSize documents are purged per call; pending reports
// whether more purgeable documents remain, so callers loop until it is false.
//
// Purging removes the document, its index entries, its change log entry and
// its attachments. A document written concurrently is left alone.
func (i *Instance) Cleanup(ctx context.Context, minimumDeletedTime time.Duration) (pending bool, err error) {
	if err := i.ready(); err != nil {
		return false, err
	}
	cutoff := float64(now().Add(-minimumDeletedTime).UnixMilli())

	idx := i.cleanupIndex()
	lower, _, err := indexstring.StartFromLowerBound(i.schema, idx.Fields, []any{true}, true)
	if err != nil {
		return false, err
	}
	upper, _, err := indexstring.EndFromUpperBound(i.schema, idx.Fields, []any{true, cutoff}, true)
	if err != nil {
		return false, err
	}

	limit := i.settings.BatchSize
	var ids []string
	opts := kv.RangeOptions{Limit: limit + 1, BatchSize: limit + 1, Consistency: kv.ConsistencyStrong}
	for e, err := range i.db.Range(ctx, i.key(idx.ID, lower), i.key(idx.ID, upper), opts) {
		if err != nil {
			return false, kv.WrapSubstrate(err)
		}
		ids = append(ids, string(e.Value))
	}
	if len(ids) > limit {
		pending = true
		ids = ids[:limit]
	}

	purged := 0
	for _, id := range ids {
		ok, err := i.purge(ctx, id, cutoff)
		if err != nil {
			return pending, err
		}
		if ok {
			purged++
		} else {
			pending = true
		}
	}
	i.metrics.cleanupPurged.Add(purged)
	if purged > 0 {
		log.Debugf("cleanup of %s purged %d documents (pending=%v)", i.keySpace, purged, pending)
	}
	return pending, nil
}

// purge removes one deleted document. It reports false if the document
// changed after it was selected.
func (i *Instance) purge(ctx context.Context, id string, cutoff float64) (bool, error) {
	cur, err := i.readStored(ctx, id, kv.ConsistencyStrong)
	if err != nil {
		return false, err
	}
	if !cur.exists {
		return true, nil
	}
	doc := cur.env.Doc
	if !doc.Deleted() || doc.LWT() > cutoff {
		return false, nil
	}

	muts := []kv.Mutation{
		kv.Delete(i.key(subDoc, id)),
		kv.Delete(i.key(subChanges, sequenceItem(cur.env.Seq))),
	}
	for _, idx := range i.indexes {
		enc, err := indexstring.EncodeDocument(i.schema, idx.Fields, doc)
		if err != nil {
			return false, err
		}
		muts = append(muts, kv.Delete(i.key(idx.ID, enc)))
	}
	for attID := range attachments(doc) {
		muts = append(muts, kv.Delete(i.key(subAttachments, attachmentItem(id, attID))))
	}

	committed, err := i.db.AtomicWrite(ctx,
		[]kv.Check{{Key: i.key(subDoc, id), Exists: true, Value: bytes.Clone(cur.raw)}}, muts)
	if err != nil {
		return false, kv.WrapSubstrate(err)
	}
	return committed, nil
}
