package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/indexstring"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal/queue"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Key layout
// --------------------------------------------------------------------------

// Reserved namespaces of a collection key space. Index entries live in the
// namespaces named by schema.StorageIndex.ID.
const (
	subDoc         = "_doc"     // doc id -> envelope
	subChanges     = "_changes" // fixed width sequence -> doc id
	subAttachments = "_att"     // doc id NUL attachment id -> base64 data
	subMeta        = "_meta"    // counters and layout

	metaSequence = "seq"
	metaLayout   = "layout"

	sequenceWidth = 16
)

func sequenceItem(seq uint64) string {
	return fmt.Sprintf("%0*x", sequenceWidth, seq)
}

func parseSequenceItem(item string) (uint64, error) {
	if len(item) != sequenceWidth {
		return 0, fmt.Errorf("malformed sequence key %q", item)
	}
	return strconv.ParseUint(item, 16, 64)
}

func attachmentItem(docID, attachmentID string) string {
	return docID + "\x00" + attachmentID
}

// envelope is the stored form of a document. Seq is the sequence of the
// write that produced it; the change log entry with the same sequence is the
// only live entry of the document.
type envelope struct {
	Seq uint64          `json:"seq"`
	Doc schema.Document `json:"doc"`
}

// stored is a document as read from the substrate, raw is used for write checks.
type stored struct {
	exists bool
	raw    []byte
	env    envelope
}

// --------------------------------------------------------------------------
// Instance
// --------------------------------------------------------------------------

type state int32

const (
	stateOpen state = iota
	stateClosed
	stateRemoved
)

// Instance is one collection on a substrate. All methods are safe for
// concurrent use. After Close or Remove every method returns a RetCClosed error.
type Instance struct {
	id             string
	databaseName   string
	collectionName string
	keySpace       string
	schema         *schema.Schema
	indexes        []schema.StorageIndex
	settings       Settings

	db       kv.OrderedKV
	executor *query.Executor
	registry *Registry
	metrics  *instanceMetrics

	state           atomic.Int32
	conflicts       *queue.Queue[ConflictTask]
	conflictsReadBy atomic.Bool // set once ConflictResultionTasks was called
	subscribers     *xsync.MapOf[string, *Subscription]
}

func newInstance(params InstanceParams, settings Settings, db kv.OrderedKV, registry *Registry) *Instance {
	inst := &Instance{
		id:             uuid.NewString(),
		databaseName:   params.DatabaseName,
		collectionName: params.CollectionName,
		keySpace:       params.KeySpace(),
		schema:         params.Schema,
		indexes:        params.Schema.StorageIndexes(),
		settings:       settings,
		db:             db,
		registry:       registry,
		metrics:        newInstanceMetrics(params.DatabaseName + "." + params.CollectionName),
		conflicts:      queue.NewBounded[ConflictTask](settings.MaxPendingConflicts),
		subscribers:    xsync.NewMapOf[string, *Subscription](),
	}
	inst.executor = &query.Executor{
		Reader:      db,
		Space:       inst.keySpace,
		Schema:      inst.schema,
		Load:        inst.loadDocument,
		BatchSize:   settings.BatchSize,
		Consistency: settings.Consistency,
	}
	return inst
}

// ID is unique per instance, even for instances of the same collection.
func (i *Instance) ID() string { return i.id }

func (i *Instance) DatabaseName() string { return i.databaseName }

func (i *Instance) CollectionName() string { return i.collectionName }

// KeySpace is the substrate namespace, database|collection|schemaVersion.
func (i *Instance) KeySpace() string { return i.keySpace }

func (i *Instance) Schema() *schema.Schema { return i.schema }

func (i *Instance) Settings() Settings { return i.settings }

// cleanupIndex is always the last storage index.
func (i *Instance) cleanupIndex() schema.StorageIndex {
	return i.indexes[len(i.indexes)-1]
}

func (i *Instance) key(sub, item string) kv.Key {
	return kv.Key{Space: i.keySpace, Sub: sub, Item: item}
}

// ready returns an error if the instance is closed or removed.
func (i *Instance) ready() error {
	switch state(i.state.Load()) {
	case stateOpen:
		return nil
	case stateRemoved:
		return kv.NewError(kv.RetCClosed, fmt.Sprintf("instance %s was removed", i.keySpace))
	default:
		return kv.NewError(kv.RetCClosed, fmt.Sprintf("instance %s is closed", i.keySpace))
	}
}

// ensureLayout stores the index layout of a new key space or verifies the
// layout of an existing one.
func (i *Instance) ensureLayout(ctx context.Context) error {
	layout := []byte(i.schema.LayoutName())
	key := i.key(subMeta, metaLayout)
	for {
		current, ok, err := i.db.Get(ctx, key, kv.ReadOptions{Consistency: kv.ConsistencyStrong})
		if err != nil {
			return kv.WrapSubstrate(err)
		}
		if ok {
			if !bytes.Equal(current, layout) {
				return kv.NewError(kv.RetCInvalidOperation,
					fmt.Sprintf("key space %s was created with index layout %q", i.keySpace, current))
			}
			return nil
		}
		committed, err := i.db.AtomicWrite(ctx,
			[]kv.Check{{Key: key, Exists: false}},
			[]kv.Mutation{kv.Put(key, layout)})
		if err != nil {
			return kv.WrapSubstrate(err)
		}
		if committed {
			return nil
		}
		// another instance initialized the key space concurrently, verify its layout
	}
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (i *Instance) readStored(ctx context.Context, id string, consistency kv.Consistency) (stored, error) {
	raw, ok, err := i.db.Get(ctx, i.key(subDoc, id), kv.ReadOptions{Consistency: consistency})
	if err != nil {
		return stored{}, kv.WrapSubstrate(err)
	}
	if !ok {
		return stored{}, nil
	}
	s := stored{exists: true, raw: raw}
	if err := json.Unmarshal(raw, &s.env); err != nil {
		return stored{}, kv.NewError(kv.RetCInternalError, fmt.Sprintf("corrupt document %q: %v", id, err))
	}
	return s, nil
}

// loadDocument is the document loader of the query executor.
func (i *Instance) loadDocument(ctx context.Context, id string) (schema.Document, bool, error) {
	s, err := i.readStored(ctx, id, i.settings.Consistency)
	if err != nil || !s.exists {
		return nil, false, err
	}
	return s.env.Doc, true, nil
}

// FindDocumentsByID returns the stored documents of ids in the given order.
// Unknown ids are skipped, deleted documents only returned with withDeleted.
func (i *Instance) FindDocumentsByID(ctx context.Context, ids []string, withDeleted bool) ([]schema.Document, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	out := make([]schema.Document, 0, len(ids))
	for _, id := range ids {
		s, err := i.readStored(ctx, id, i.settings.Consistency)
		if err != nil {
			return nil, err
		}
		if !s.exists || (s.env.Doc.Deleted() && !withDeleted) {
			continue
		}
		out = append(out, s.env.Doc)
	}
	return out, nil
}

// Prepare plans q against the schema of the instance.
func (i *Instance) Prepare(q query.Query) (query.PreparedQuery, error) {
	return query.Prepare(i.schema, q)
}

// QueryResult is the materialized result of Query.
type QueryResult struct {
	Documents []schema.Document `json:"documents"`
}

// Query executes pq and returns all result documents.
func (i *Instance) Query(ctx context.Context, pq query.PreparedQuery) (QueryResult, error) {
	if err := i.ready(); err != nil {
		return QueryResult{}, err
	}
	start := time.Now()
	docs, err := i.executor.Collect(ctx, pq)
	i.metrics.queryDuration.UpdateDuration(start)
	if err != nil {
		return QueryResult{}, err
	}
	if docs == nil {
		docs = []schema.Document{}
	}
	return QueryResult{Documents: docs}, nil
}

// QueryIter executes pq lazily. The scan stops when the consumer stops.
func (i *Instance) QueryIter(ctx context.Context, pq query.PreparedQuery) iter.Seq2[schema.Document, error] {
	if err := i.ready(); err != nil {
		return func(yield func(schema.Document, error) bool) { yield(nil, err) }
	}
	return i.executor.Execute(ctx, pq)
}

// CountResult is the result of Count.
type CountResult struct {
	Count int             `json:"count"`
	Mode  query.CountMode `json:"mode"`
}

// Count returns the number of documents matching the selector of pq.
func (i *Instance) Count(ctx context.Context, pq query.PreparedQuery) (CountResult, error) {
	if err := i.ready(); err != nil {
		return CountResult{}, err
	}
	n, mode, err := i.executor.Count(ctx, pq)
	if err != nil {
		return CountResult{}, err
	}
	return CountResult{Count: n, Mode: mode}, nil
}

// InfoResult describes an instance.
type InfoResult struct {
	TotalCount int `json:"totalCount"` // non-deleted documents
}

// Info counts the non-deleted documents through the primary key index.
func (i *Instance) Info(ctx context.Context) (InfoResult, error) {
	if err := i.ready(); err != nil {
		return InfoResult{}, err
	}
	pq, err := i.Prepare(query.Query{})
	if err != nil {
		return InfoResult{}, err
	}
	n, _, err := i.executor.Count(ctx, pq)
	if err != nil {
		return InfoResult{}, err
	}
	return InfoResult{TotalCount: n}, nil
}

// GetAttachmentData returns the base64 data of an attachment. digest must
// match the digest stored on the document.
func (i *Instance) GetAttachmentData(ctx context.Context, docID, attachmentID, digest string) (string, error) {
	if err := i.ready(); err != nil {
		return "", err
	}
	s, err := i.readStored(ctx, docID, i.settings.Consistency)
	if err != nil {
		return "", err
	}
	if !s.exists {
		return "", kv.NewError(kv.RetCNotFound, fmt.Sprintf("document %q does not exist", docID))
	}
	meta, ok := attachments(s.env.Doc)[attachmentID]
	if !ok || meta.Digest != digest {
		return "", kv.NewError(kv.RetCNotFound, fmt.Sprintf("attachment %q of %q with digest %q does not exist", attachmentID, docID, digest))
	}
	data, ok, err := i.db.Get(ctx, i.key(subAttachments, attachmentItem(docID, attachmentID)), kv.ReadOptions{Consistency: i.settings.Consistency})
	if err != nil {
		return "", kv.WrapSubstrate(err)
	}
	if !ok {
		return "", kv.NewError(kv.RetCNotFound, fmt.Sprintf("attachment %q of %q has no data", attachmentID, docID))
	}
	return string(data), nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Close releases the instance. Subscriptions end and pending conflict tasks
// are dropped. Calling Close again is a no-op.
func (i *Instance) Close(ctx context.Context) error {
	if !i.state.CompareAndSwap(int32(stateOpen), int32(stateClosed)) {
		return nil
	}
	return i.release()
}

// Remove erases every key of the collection key space and closes the
// instance. Calling Remove on a removed instance is a no-op.
func (i *Instance) Remove(ctx context.Context) error {
	if !i.state.CompareAndSwap(int32(stateOpen), int32(stateRemoved)) {
		if state(i.state.Load()) == stateRemoved {
			return nil
		}
		return i.ready()
	}
	wipeErr := i.wipe(ctx)
	if wipeErr != nil {
		log.Errorf("failed to remove key space %s: %v", i.keySpace, wipeErr)
	}
	return errors.Join(wipeErr, i.release())
}

func (i *Instance) release() error {
	i.subscribers.Range(func(_ string, sub *Subscription) bool {
		sub.Cancel()
		return true
	})
	i.conflicts.Cancel()
	if i.registry != nil {
		i.registry.remove(i)
	}
	log.Infof("closed instance %s (key space %s)", i.id, i.keySpace)
	return kv.WrapSubstrate(i.db.Close())
}

// wipe deletes every key of the key space, namespace by namespace.
func (i *Instance) wipe(ctx context.Context) error {
	pk, _ := i.schema.Field(i.schema.PrimaryKey)

	// documents first, their attachments are only known from the document
	err := i.wipeNamespace(ctx, subDoc, pk.MaxLength, func(e kv.Entry) []kv.Mutation {
		var env envelope
		if json.Unmarshal(e.Value, &env) != nil {
			return nil
		}
		var muts []kv.Mutation
		for attID := range attachments(env.Doc) {
			muts = append(muts, kv.Delete(i.key(subAttachments, attachmentItem(e.Key.Item, attID))))
		}
		return muts
	})
	if err != nil {
		return err
	}
	for _, idx := range i.indexes {
		width, err := indexstring.Width(i.schema, idx.Fields)
		if err != nil {
			return err
		}
		if err := i.wipeNamespace(ctx, idx.ID, width, nil); err != nil {
			return err
		}
	}
	if err := i.wipeNamespace(ctx, subChanges, sequenceWidth, nil); err != nil {
		return err
	}
	_, err = i.db.AtomicWrite(ctx, nil, []kv.Mutation{
		kv.Delete(i.key(subMeta, metaSequence)),
		kv.Delete(i.key(subMeta, metaLayout)),
	})
	return kv.WrapSubstrate(err)
}

// wipeNamespace deletes all items of sub that are at most maxLen bytes long.
// extra may add mutations for every deleted entry.
func (i *Instance) wipeNamespace(ctx context.Context, sub string, maxLen int, extra func(kv.Entry) []kv.Mutation) error {
	start := i.key(sub, "")
	end := i.key(sub, strings.Repeat("\xff", maxLen))
	for {
		var muts []kv.Mutation
		n := 0
		for e, err := range i.db.Range(ctx, start, end, kv.RangeOptions{Limit: i.settings.BatchSize, Consistency: kv.ConsistencyStrong}) {
			if err != nil {
				return kv.WrapSubstrate(err)
			}
			n++
			muts = append(muts, kv.Delete(e.Key))
			if extra != nil {
				muts = append(muts, extra(e)...)
			}
		}
		if n == 0 {
			return nil
		}
		if _, err := i.db.AtomicWrite(ctx, nil, muts); err != nil {
			return kv.WrapSubstrate(err)
		}
	}
}
