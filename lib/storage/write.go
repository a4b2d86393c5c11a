package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dDoc/lib/indexstring"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// BulkWriteRow is a single document write. Previous is the revision the
// writer based Document on; nil for inserts.
type BulkWriteRow struct {
	Previous schema.Document `json:"previous,omitempty"`
	Document schema.Document `json:"document"`
}

// WriteError is the per row error of a bulk write.
type WriteError struct {
	Status       int             `json:"status"` // 409 conflict, 422 invalid document
	IsError      bool            `json:"isError"`
	DocumentID   string          `json:"documentId"`
	WriteRow     BulkWriteRow    `json:"writeRow"`
	DocumentInDB schema.Document `json:"documentInDb,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func (e WriteError) Error() string {
	return fmt.Sprintf("write of %q failed with status %d: %s", e.DocumentID, e.Status, e.Message)
}

// BulkWriteResponse lists the written documents and the failed rows.
type BulkWriteResponse struct {
	Success []schema.Document `json:"success"`
	Errors  []WriteError      `json:"errors"`
}

const (
	StatusConflict = 409
	StatusInvalid  = 422
)

// --------------------------------------------------------------------------
// Bulk write
// --------------------------------------------------------------------------

// BulkWrite writes every row atomically on its own. Rows failing the revision
// check are reported with status 409 and queued as conflict tasks, rows that
// can not be indexed with status 422. The committed rows are published as
// one event bulk on the change stream.
//
// A substrate failure aborts the remaining rows; the response then contains
// the rows written so far.
func (i *Instance) BulkWrite(ctx context.Context, rows []BulkWriteRow, writeContext string) (BulkWriteResponse, error) {
	if err := i.ready(); err != nil {
		return BulkWriteResponse{}, err
	}
	start := time.Now()
	defer i.metrics.bulkDuration.UpdateDuration(start)

	resp := BulkWriteResponse{Success: []schema.Document{}, Errors: []WriteError{}}
	bulk := EventBulk{ID: uuid.NewString(), Context: writeContext, StartTime: start}
	var lastSeq uint64

	var err error
	for _, row := range rows {
		var res rowResult
		res, err = i.writeRow(ctx, row)
		if err != nil {
			break
		}
		if res.failure != nil {
			resp.Errors = append(resp.Errors, *res.failure)
			if res.failure.Status == StatusConflict {
				i.metrics.writeConflict.Inc()
				i.pushConflict(row, res.failure.DocumentInDB)
			} else {
				i.metrics.writeInvalid.Inc()
			}
			continue
		}
		i.metrics.writeSuccess.Inc()
		resp.Success = append(resp.Success, res.doc)
		lastSeq = res.seq
		if res.event != nil {
			bulk.Events = append(bulk.Events, *res.event)
		}
	}

	if len(bulk.Events) > 0 {
		bulk.EndTime = time.Now()
		bulk.Checkpoint = Checkpoint{KeySpace: i.keySpace, Sequence: lastSeq}
		i.publish(bulk)
	}
	return resp, err
}

type rowResult struct {
	doc     schema.Document
	seq     uint64
	event   *ChangeEvent
	failure *WriteError
}

func (i *Instance) writeRow(ctx context.Context, row BulkWriteRow) (rowResult, error) {
	id := row.Document.ID(i.schema.PrimaryKey)
	if id == "" {
		return rowResult{failure: &WriteError{
			Status: StatusInvalid, IsError: true, WriteRow: row,
			Message: fmt.Sprintf("document has no primary key %q", i.schema.PrimaryKey),
		}}, nil
	}

	for attempt := 0; attempt < i.settings.MaxWriteRetries; attempt++ {
		cur, err := i.readStored(ctx, id, kv.ConsistencyStrong)
		if err != nil {
			return rowResult{}, err
		}
		seqRaw, seqExists, seq, err := i.readSequence(ctx)
		if err != nil {
			return rowResult{}, err
		}

		if !revisionMatches(cur, row.Previous) {
			return rowResult{failure: &WriteError{
				Status: StatusConflict, IsError: true, DocumentID: id, WriteRow: row,
				DocumentInDB: cur.env.Doc, Message: "previous revision does not match the stored document",
			}}, nil
		}

		doc := row.Document.Clone()
		var prev schema.Document
		if cur.exists {
			prev = cur.env.Doc
		}
		if !stampDocument(doc, prev) {
			return rowResult{failure: &WriteError{
				Status: StatusConflict, IsError: true, DocumentID: id, WriteRow: row, DocumentInDB: prev,
				Message: fmt.Sprintf("revision %q does not advance the stored revision %q", doc.Rev(), prev.Rev()),
			}}, nil
		}
		next := seq + 1

		muts, err := i.mutations(id, cur, doc, next)
		if err != nil {
			if kv.CodeOf(err) == kv.RetCInvalidOperation {
				return rowResult{failure: &WriteError{
					Status: StatusInvalid, IsError: true, DocumentID: id, WriteRow: row,
					DocumentInDB: prev, Message: err.Error(),
				}}, nil
			}
			return rowResult{}, err
		}

		checks := []kv.Check{
			{Key: i.key(subDoc, id), Exists: cur.exists, Value: cur.raw},
			{Key: i.key(subMeta, metaSequence), Exists: seqExists, Value: seqRaw},
		}
		committed, err := i.db.AtomicWrite(ctx, checks, muts)
		if err != nil {
			return rowResult{}, kv.WrapSubstrate(err)
		}
		if committed {
			return rowResult{doc: doc, seq: next, event: changeEvent(id, prev, doc)}, nil
		}
		// the document or the counter moved, re-evaluate the row on the new state
		i.metrics.writeRetries.Inc()
	}
	return rowResult{}, kv.NewError(kv.RetCSubstrate,
		fmt.Sprintf("write of %q did not commit after %d attempts", id, i.settings.MaxWriteRetries))
}

// revisionMatches implements the revision check of a row. Inserts are
// allowed for unknown and soft deleted documents.
func revisionMatches(cur stored, previous schema.Document) bool {
	if !cur.exists {
		return true
	}
	if previous == nil {
		return cur.env.Doc.Deleted()
	}
	return previous.Rev() == cur.env.Doc.Rev()
}

func (i *Instance) readSequence(ctx context.Context) (raw []byte, exists bool, seq uint64, err error) {
	raw, exists, err = i.db.Get(ctx, i.key(subMeta, metaSequence), kv.ReadOptions{Consistency: kv.ConsistencyStrong})
	if err != nil {
		return nil, false, 0, kv.WrapSubstrate(err)
	}
	if !exists {
		return nil, false, 0, nil
	}
	seq, err = strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, false, 0, kv.NewError(kv.RetCInternalError, fmt.Sprintf("corrupt sequence counter %q", raw))
	}
	return raw, true, seq, nil
}

// mutations returns the atomic write replacing cur with doc at sequence seq.
func (i *Instance) mutations(id string, cur stored, doc schema.Document, seq uint64) ([]kv.Mutation, error) {
	var prev schema.Document
	if cur.exists {
		prev = cur.env.Doc
	}

	atts, attMuts, err := i.attachmentMutations(id, prev, doc)
	if err != nil {
		return nil, err
	}
	if atts != nil {
		doc[schema.FieldAttachments] = atts
	}

	raw, err := json.Marshal(envelope{Seq: seq, Doc: doc})
	if err != nil {
		return nil, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("document is not serializable: %v", err))
	}
	muts := []kv.Mutation{kv.Put(i.key(subDoc, id), raw)}

	for _, idx := range i.indexes {
		next, err := indexstring.EncodeDocument(i.schema, idx.Fields, doc)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", idx.Name(), err)
		}
		if prev != nil {
			old, err := indexstring.EncodeDocument(i.schema, idx.Fields, prev)
			if err != nil {
				return nil, kv.NewError(kv.RetCInternalError, fmt.Sprintf("stored document %q is not indexable: %v", id, err))
			}
			if old == next {
				continue
			}
			muts = append(muts, kv.Delete(i.key(idx.ID, old)))
		}
		muts = append(muts, kv.Put(i.key(idx.ID, next), []byte(id)))
	}

	if cur.exists {
		muts = append(muts, kv.Delete(i.key(subChanges, sequenceItem(cur.env.Seq))))
	}
	muts = append(muts,
		kv.Put(i.key(subChanges, sequenceItem(seq)), []byte(id)),
		kv.Put(i.key(subMeta, metaSequence), []byte(strconv.FormatUint(seq, 10))),
	)
	return append(muts, attMuts...), nil
}

// --------------------------------------------------------------------------
// Revisions
// --------------------------------------------------------------------------

// stampDocument sets the last write time and the revision of doc, which
// replaces the stored prev (nil for a first insert). Revisions are
// "<height>-<hash>" and every write must leave a new one behind, otherwise a
// writer holding the old revision as its previous state would pass the check.
//
// A missing revision, or one copied from prev, is minted as the next height.
// A revision supplied by the writer is kept if its height is above prev's;
// stampDocument reports false for one that does not advance.
func stampDocument(doc, prev schema.Document) bool {
	doc.Set(schema.FieldLWT, float64(now().UnixMilli()))

	rev := doc.Rev()
	if prev == nil {
		if rev == "" {
			doc[schema.FieldRev] = fmt.Sprintf("1-%016x", contentHash(doc))
		}
		return true
	}
	if rev != "" && rev != prev.Rev() {
		return revisionHeight(rev) > revisionHeight(prev.Rev())
	}
	doc[schema.FieldRev] = fmt.Sprintf("%d-%016x", revisionHeight(prev.Rev())+1, contentHash(doc))
	return true
}

func revisionHeight(rev string) int {
	h, _, _ := strings.Cut(rev, "-")
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}

// contentHash hashes the document without its revision. encoding/json
// writes map keys sorted, so equal documents hash equally.
func contentHash(doc schema.Document) uint64 {
	c := doc.Clone()
	delete(c, schema.FieldRev)
	raw, _ := json.Marshal(c)
	return xxhash.Sum64(raw)
}

// --------------------------------------------------------------------------
// Attachments
// --------------------------------------------------------------------------

// Attachment is the stored metadata of an attachment. Data is only set on
// writes and moved to its own key.
type Attachment struct {
	Digest string `json:"digest"`
	Length int    `json:"length"`
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
}

func attachments(doc schema.Document) map[string]Attachment {
	v, ok := doc[schema.FieldAttachments]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]Attachment
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

// attachmentMutations stores the data of new attachments and deletes the data
// of attachments that were dropped. It returns the metadata to store on the
// document (nil if the document has no attachments).
func (i *Instance) attachmentMutations(id string, prev, doc schema.Document) (map[string]any, []kv.Mutation, error) {
	next := attachments(doc)
	var muts []kv.Mutation
	for attID := range attachments(prev) {
		if _, keep := next[attID]; !keep {
			muts = append(muts, kv.Delete(i.key(subAttachments, attachmentItem(id, attID))))
		}
	}
	if next == nil {
		return nil, muts, nil
	}

	meta := make(map[string]any, len(next))
	for attID, att := range next {
		if att.Data != "" {
			data, err := base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				return nil, nil, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("attachment %q is not base64: %v", attID, err))
			}
			if att.Digest == "" {
				att.Digest = fmt.Sprintf("xxh64-%016x", xxhash.Sum64(data))
			}
			att.Length = len(data)
			muts = append(muts, kv.Put(i.key(subAttachments, attachmentItem(id, attID)), []byte(att.Data)))
		}
		meta[attID] = map[string]any{"digest": att.Digest, "length": float64(att.Length), "type": att.Type}
	}
	return meta, muts, nil
}
