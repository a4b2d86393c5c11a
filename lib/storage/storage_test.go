package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/memkv"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Version:    0,
		PrimaryKey: "id",
		Properties: map[string]schema.Field{
			"id":   {Type: schema.TypeString, MaxLength: 16},
			"age":  {Type: schema.TypeInteger},
			"name": {Type: schema.TypeString, MaxLength: 12},
		},
		Indexes: []schema.Index{schema.Asc("age")},
	}
}

// newTestInstance creates an instance on a fresh memkv that stays inspectable
// after the instance is closed.
func newTestInstance(t *testing.T, settings *Settings) (*Instance, kv.OrderedKV) {
	t.Helper()
	db := memkv.NewMemKV(nil)
	s := NewStorage(kv.SharedFactory(db), settings, nil)
	inst, err := s.CreateInstance(context.Background(), InstanceParams{
		DatabaseName:   "testdb",
		CollectionName: "people",
		Schema:         testSchema(),
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst, db
}

func mustWrite(t *testing.T, inst *Instance, rows ...BulkWriteRow) []schema.Document {
	t.Helper()
	resp, err := inst.BulkWrite(context.Background(), rows, "test")
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(resp.Errors) > 0 {
		t.Fatalf("BulkWrite() row errors = %v", resp.Errors)
	}
	return resp.Success
}

func insert(docs ...schema.Document) []BulkWriteRow {
	rows := make([]BulkWriteRow, len(docs))
	for i, d := range docs {
		rows[i] = BulkWriteRow{Document: d}
	}
	return rows
}

func docIDs(docs []schema.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID("id")
	}
	return out
}

func TestCreateInstanceValidation(t *testing.T) {
	s := NewStorage(func() (kv.OrderedKV, error) { return memkv.NewMemKV(nil), nil }, nil, nil)
	noPK := testSchema()
	noPK.PrimaryKey = ""

	tests := []struct {
		name   string
		params InstanceParams
	}{
		{"bad database name", InstanceParams{DatabaseName: "Test", CollectionName: "c", Schema: testSchema()}},
		{"bad collection name", InstanceParams{DatabaseName: "db", CollectionName: "a|b", Schema: testSchema()}},
		{"no schema", InstanceParams{DatabaseName: "db", CollectionName: "c"}},
		{"no primary key", InstanceParams{DatabaseName: "db", CollectionName: "c", Schema: noPK}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateInstance(context.Background(), tt.params)
			if kv.CodeOf(err) != kv.RetCInvalidOperation {
				t.Errorf("CreateInstance() = %v, want invalid operation", err)
			}
		})
	}
}

func TestLayoutMismatch(t *testing.T) {
	db := memkv.NewMemKV(nil)
	s := NewStorage(kv.SharedFactory(db), nil, nil)
	ctx := context.Background()

	first, err := s.CreateInstance(ctx, InstanceParams{DatabaseName: "db", CollectionName: "c", Schema: testSchema()})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	defer first.Close(ctx)

	same, err := s.CreateInstance(ctx, InstanceParams{DatabaseName: "db", CollectionName: "c", Schema: testSchema()})
	if err != nil {
		t.Fatalf("second CreateInstance() error = %v", err)
	}
	defer same.Close(ctx)

	other := testSchema()
	other.Indexes = []schema.Index{schema.Asc("name")}
	if _, err := s.CreateInstance(ctx, InstanceParams{DatabaseName: "db", CollectionName: "c", Schema: other}); kv.CodeOf(err) != kv.RetCInvalidOperation {
		t.Errorf("CreateInstance() with other layout = %v, want invalid operation", err)
	}

	other.Version = 1
	v1, err := s.CreateInstance(ctx, InstanceParams{DatabaseName: "db", CollectionName: "c", Schema: other})
	if err != nil {
		t.Fatalf("CreateInstance() of version 1 error = %v", err)
	}
	v1.Close(ctx)
}

func TestBulkWriteAndFind(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()

	written := mustWrite(t, inst, insert(
		schema.Document{"id": "a", "age": 30},
		schema.Document{"id": "b", "age": 10},
	)...)
	for _, d := range written {
		if d.Rev() == "" || d.LWT() == 0 {
			t.Errorf("written document %v lacks revision or lwt", d)
		}
	}
	if h := revisionHeight(written[0].Rev()); h != 1 {
		t.Errorf("first revision height = %d, want 1", h)
	}

	found, err := inst.FindDocumentsByID(ctx, []string{"b", "missing", "a"}, false)
	if err != nil {
		t.Fatalf("FindDocumentsByID() error = %v", err)
	}
	if got := docIDs(found); !slices.Equal(got, []string{"b", "a"}) {
		t.Errorf("FindDocumentsByID() = %v, want [b a]", got)
	}

	// update with the stored revision
	upd := found[1].Clone()
	upd["age"] = 31
	delete(upd, schema.FieldRev)
	res := mustWrite(t, inst, BulkWriteRow{Previous: found[1], Document: upd})
	if h := revisionHeight(res[0].Rev()); h != 2 {
		t.Errorf("updated revision height = %d, want 2", h)
	}

	// delete a
	del := res[0].Clone()
	del[schema.FieldDeleted] = true
	delete(del, schema.FieldRev)
	mustWrite(t, inst, BulkWriteRow{Previous: res[0], Document: del})

	live, _ := inst.FindDocumentsByID(ctx, []string{"a", "b"}, false)
	all, _ := inst.FindDocumentsByID(ctx, []string{"a", "b"}, true)
	if len(live) != 1 || len(all) != 2 {
		t.Errorf("found %d live and %d total documents, want 1 and 2", len(live), len(all))
	}

	info, err := inst.Info(ctx)
	if err != nil || info.TotalCount != 1 {
		t.Errorf("Info() = %+v, %v, want 1 document", info, err)
	}
}

func TestDuplicateInsertConflict(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()
	tasks := inst.ConflictResultionTasks()

	mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 1})...)

	resp, err := inst.BulkWrite(ctx, insert(schema.Document{"id": "a", "age": 2}), "test")
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(resp.Success) != 0 || len(resp.Errors) != 1 {
		t.Fatalf("BulkWrite() = %+v, want a single error", resp)
	}
	werr := resp.Errors[0]
	if werr.Status != StatusConflict || werr.DocumentID != "a" {
		t.Errorf("error = %+v, want 409 for a", werr)
	}
	if age, _ := werr.DocumentInDB.Get("age"); age != 1.0 {
		t.Errorf("DocumentInDB age = %v, want stored 1", age)
	}

	select {
	case task := <-tasks:
		if task.ID == "" || task.Input.RealMasterState.ID("id") != "a" || task.Input.AssumedMasterState != nil {
			t.Errorf("unexpected conflict task %+v", task)
		}
	case <-time.After(time.Second):
		t.Fatal("no conflict task queued")
	}

	docs, _ := inst.FindDocumentsByID(ctx, []string{"a"}, false)
	if age, _ := docs[0].Get("age"); age != 1.0 {
		t.Errorf("stored age = %v, conflicting write must not be applied", age)
	}
}

func TestInsertOverDeleted(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()

	mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 1, schema.FieldDeleted: true})...)
	mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 2})...)

	docs, err := inst.FindDocumentsByID(ctx, []string{"a"}, false)
	if err != nil || len(docs) != 1 {
		t.Fatalf("FindDocumentsByID() = %v, %v", docs, err)
	}
}

func TestWrongPreviousRevision(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	written := mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 1})...)

	stale := written[0].Clone()
	stale[schema.FieldRev] = "1-0000000000000000"
	resp, err := inst.BulkWrite(context.Background(), []BulkWriteRow{{Previous: stale, Document: schema.Document{"id": "a", "age": 5}}}, "test")
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Status != StatusConflict {
		t.Errorf("BulkWrite() = %+v, want conflict", resp)
	}
}

func TestUpdatesWithCopiedRevision(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()
	base := mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 1})...)[0]

	// both updates start from base and keep its _rev
	first := base.Clone()
	first["age"] = 2
	res := mustWrite(t, inst, BulkWriteRow{Previous: base, Document: first})
	if res[0].Rev() == base.Rev() || revisionHeight(res[0].Rev()) != 2 {
		t.Fatalf("update stored revision %q, want a new height 2 revision (base %q)", res[0].Rev(), base.Rev())
	}

	second := base.Clone()
	second["age"] = 3
	resp, err := inst.BulkWrite(ctx, []BulkWriteRow{{Previous: base, Document: second}}, "test")
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(resp.Success) != 0 || len(resp.Errors) != 1 || resp.Errors[0].Status != StatusConflict {
		t.Fatalf("stale update = %+v, want a single 409", resp)
	}

	docs, _ := inst.FindDocumentsByID(ctx, []string{"a"}, false)
	if age, _ := docs[0].Get("age"); age != 2.0 {
		t.Errorf("stored age = %v, want 2 from the first update", age)
	}
}

func TestSuppliedRevisions(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()

	base := mustWrite(t, inst, insert(schema.Document{"id": "x", "age": 1, schema.FieldRev: "1-a"})...)[0]
	if base.Rev() != "1-a" {
		t.Fatalf("insert revision = %q, want the supplied 1-a", base.Rev())
	}

	tests := []struct {
		name     string
		rev      string
		wantRev  string
		conflict bool
	}{
		{name: "lower height", rev: "0-b", conflict: true},
		{name: "same height", rev: "1-b", conflict: true},
		{name: "higher height", rev: "5-b", wantRev: "5-b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, _ := inst.FindDocumentsByID(ctx, []string{"x"}, false)
			doc := cur[0].Clone()
			doc[schema.FieldRev] = tt.rev
			resp, err := inst.BulkWrite(ctx, []BulkWriteRow{{Previous: cur[0], Document: doc}}, "test")
			if err != nil {
				t.Fatalf("BulkWrite() error = %v", err)
			}
			if tt.conflict {
				if len(resp.Errors) != 1 || resp.Errors[0].Status != StatusConflict {
					t.Errorf("BulkWrite() = %+v, want 409", resp)
				}
				return
			}
			if len(resp.Success) != 1 || resp.Success[0].Rev() != tt.wantRev {
				t.Errorf("BulkWrite() = %+v, want revision %s", resp, tt.wantRev)
			}
		})
	}
}

func TestConflictTasksNeedReader(t *testing.T) {
	inst, _ := newTestInstance(t, &Settings{MaxPendingConflicts: 2})
	ctx := context.Background()
	mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 1})...)

	conflict := func() {
		t.Helper()
		resp, err := inst.BulkWrite(ctx, insert(schema.Document{"id": "a", "age": 2}), "test")
		if err != nil || len(resp.Errors) != 1 || resp.Errors[0].Status != StatusConflict {
			t.Fatalf("BulkWrite() = %+v, %v, want 409", resp, err)
		}
	}

	// no reader yet: the row is reported but no task is kept
	conflict()
	if n := inst.conflicts.Len(); n != 0 {
		t.Fatalf("%d tasks queued without a reader", n)
	}

	tasks := inst.ConflictResultionTasks()
	for j := 0; j < 10; j++ {
		conflict()
	}

	received := 0
	for done := false; !done; {
		select {
		case <-tasks:
			received++
		case <-time.After(50 * time.Millisecond):
			done = true
		}
	}
	// two waiting tasks plus the one handed over by the queue
	if received < 2 || received > 3 {
		t.Errorf("received %d tasks, want the bounded backlog of 2 (or 3)", received)
	}
}

func TestInvalidRows(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	resp, err := inst.BulkWrite(context.Background(), insert(
		schema.Document{"age": 1},
		schema.Document{"id": "a", "age": "not a number"},
		schema.Document{"id": "an-id-longer-than-sixteen", "age": 2},
		schema.Document{"id": "c", "age": 3},
	), "test")
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(resp.Success) != 1 || len(resp.Errors) != 3 {
		t.Fatalf("BulkWrite() = %d successes, %d errors", len(resp.Success), len(resp.Errors))
	}
	for _, e := range resp.Errors {
		if e.Status != StatusInvalid {
			t.Errorf("error %+v, want status 422", e)
		}
	}
}

func TestConcurrentWritersConflict(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	base := mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 0})...)[0]

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan BulkWriteResponse, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			doc := schema.Document{"id": "a", "age": w + 1}
			resp, err := inst.BulkWrite(context.Background(), []BulkWriteRow{{Previous: base, Document: doc}}, "test")
			if err != nil {
				t.Errorf("BulkWrite() error = %v", err)
				return
			}
			results <- resp
		}(w)
	}
	wg.Wait()
	close(results)

	success, conflicts := 0, 0
	for resp := range results {
		success += len(resp.Success)
		for _, e := range resp.Errors {
			if e.Status == StatusConflict {
				conflicts++
			}
		}
	}
	if success != 1 || conflicts != writers-1 {
		t.Errorf("got %d successes and %d conflicts, want 1 and %d", success, conflicts, writers-1)
	}
}

func TestConcurrentInsertsGetDistinctSequences(t *testing.T) {
	inst, _ := newTestInstance(t, &Settings{MaxWriteRetries: 100000})

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				doc := schema.Document{"id": fmt.Sprintf("w%d-%02d", w, i), "age": i}
				if _, err := inst.BulkWrite(context.Background(), insert(doc), "test"); err != nil {
					t.Errorf("BulkWrite() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	changes, err := inst.GetChangedDocumentsSince(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("GetChangedDocumentsSince() error = %v", err)
	}
	if len(changes.Documents) != writers*perWriter {
		t.Errorf("change log has %d documents, want %d", len(changes.Documents), writers*perWriter)
	}
	if changes.Checkpoint.Sequence != writers*perWriter {
		t.Errorf("last sequence = %d, want %d", changes.Checkpoint.Sequence, writers*perWriter)
	}
}

func TestChangedDocumentsSince(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()

	written := mustWrite(t, inst, insert(
		schema.Document{"id": "a", "age": 1},
		schema.Document{"id": "b", "age": 2},
		schema.Document{"id": "c", "age": 3},
	)...)
	// a moves to the end of the log
	upd := schema.Document{"id": "a", "age": 4}
	mustWrite(t, inst, BulkWriteRow{Previous: written[0], Document: upd})
	mustWrite(t, inst, insert(schema.Document{"id": "d", "age": 5})...)

	var seen []string
	var cp *Checkpoint
	for page := 0; page < 10; page++ {
		res, err := inst.GetChangedDocumentsSince(ctx, 2, cp)
		if err != nil {
			t.Fatalf("GetChangedDocumentsSince() error = %v", err)
		}
		if len(res.Documents) == 0 {
			if cp == nil || res.Checkpoint != *cp {
				t.Errorf("checkpoint moved at the end of the log: %v", res.Checkpoint)
			}
			break
		}
		seen = append(seen, docIDs(res.Documents)...)
		next := res.Checkpoint
		cp = &next
	}
	if want := []string{"b", "c", "a", "d"}; !slices.Equal(seen, want) {
		t.Errorf("change feed = %v, want %v", seen, want)
	}

	// a new write is delivered exactly once after the last checkpoint
	mustWrite(t, inst, insert(schema.Document{"id": "e", "age": 6})...)
	res, err := inst.GetChangedDocumentsSince(ctx, 10, cp)
	if err != nil {
		t.Fatalf("GetChangedDocumentsSince() error = %v", err)
	}
	if got := docIDs(res.Documents); !slices.Equal(got, []string{"e"}) {
		t.Errorf("after checkpoint = %v, want [e]", got)
	}

	parsed, err := ParseCheckpoint(res.Checkpoint.String())
	if err != nil || parsed != res.Checkpoint {
		t.Errorf("ParseCheckpoint(%q) = %v, %v", res.Checkpoint.String(), parsed, err)
	}

	foreign := Checkpoint{KeySpace: "other|people|0", Sequence: 1}
	if _, err := inst.GetChangedDocumentsSince(ctx, 10, &foreign); !errors.Is(err, kv.ErrInvalidCheckpoint) {
		t.Errorf("foreign checkpoint error = %v, want invalid checkpoint", err)
	}
}

func TestParseCheckpointErrors(t *testing.T) {
	for _, token := range []string{"", "@1", "space", "space@", "space@-1", "space@x"} {
		if _, err := ParseCheckpoint(token); kv.CodeOf(err) != kv.RetCInvalidCheckpoint {
			t.Errorf("ParseCheckpoint(%q) = %v, want invalid checkpoint", token, err)
		}
	}
}

func TestQueryAndCount(t *testing.T) {
	inst, _ := newTestInstance(t, &Settings{BatchSize: 2})
	ctx := context.Background()
	mustWrite(t, inst, insert(
		schema.Document{"id": "a", "age": 30},
		schema.Document{"id": "b", "age": 10},
		schema.Document{"id": "c", "age": 40},
		schema.Document{"id": "d", "age": 50, schema.FieldDeleted: true},
	)...)

	pq, err := inst.Prepare(query.Query{
		Selector: query.Selector{"age": map[string]any{"$gt": 20}},
		Sort:     []query.SortField{{Path: "age"}},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	res, err := inst.Query(ctx, pq)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got := docIDs(res.Documents); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("Query() = %v, want [a c]", got)
	}

	pq.Query.Limit = 1
	res, _ = inst.Query(ctx, pq)
	if got := docIDs(res.Documents); !slices.Equal(got, []string{"a"}) {
		t.Errorf("Query() with limit = %v, want [a]", got)
	}

	count, err := inst.Count(ctx, pq)
	if err != nil || count.Count != 2 || count.Mode != query.CountModeFast {
		t.Errorf("Count() = %+v, %v, want 2 (fast)", count, err)
	}

	var iterated []string
	for doc, err := range inst.QueryIter(ctx, pq) {
		if err != nil {
			t.Fatalf("QueryIter() error = %v", err)
		}
		iterated = append(iterated, doc.ID("id"))
	}
	if !slices.Equal(iterated, []string{"a"}) {
		t.Errorf("QueryIter() = %v, want [a]", iterated)
	}
}

func TestCleanup(t *testing.T) {
	inst, db := newTestInstance(t, &Settings{BatchSize: 2})
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return start }
	defer func() { now = time.Now }()

	var rows []BulkWriteRow
	for i := 0; i < 5; i++ {
		rows = append(rows, BulkWriteRow{Document: schema.Document{"id": fmt.Sprintf("d%d", i), "age": i, schema.FieldDeleted: true}})
	}
	rows = append(rows, BulkWriteRow{Document: schema.Document{"id": "live", "age": 9}})
	mustWrite(t, inst, rows...)

	// too young
	now = func() time.Time { return start.Add(time.Minute) }
	pending, err := inst.Cleanup(ctx, time.Hour)
	if err != nil || pending {
		t.Fatalf("Cleanup() = %v, %v, want nothing to do", pending, err)
	}

	now = func() time.Time { return start.Add(2 * time.Hour) }
	calls := 0
	for {
		pending, err := inst.Cleanup(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
		calls++
		if !pending {
			break
		}
		if calls > 10 {
			t.Fatal("Cleanup() keeps reporting pending work")
		}
	}
	if calls != 3 {
		t.Errorf("Cleanup() needed %d calls, want 3 with batch size 2", calls)
	}

	all, _ := inst.FindDocumentsByID(ctx, []string{"d0", "d1", "d2", "d3", "d4", "live"}, true)
	if got := docIDs(all); !slices.Equal(got, []string{"live"}) {
		t.Errorf("remaining documents = %v, want [live]", got)
	}
	changes, _ := inst.GetChangedDocumentsSince(ctx, 0, nil)
	if got := docIDs(changes.Documents); !slices.Equal(got, []string{"live"}) {
		t.Errorf("change log = %v, want [live]", got)
	}

	// document, three index entries, change entry, counter and layout
	if keys := db.GetInfo().Keys; keys != 1+3+1+2 {
		t.Errorf("substrate holds %d keys, want 7", keys)
	}
}

func TestAttachments(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()

	doc := schema.Document{"id": "a", "age": 1, schema.FieldAttachments: map[string]any{
		"hello.txt": map[string]any{"type": "text/plain", "data": "aGVsbG8="},
	}}
	written := mustWrite(t, inst, insert(doc)...)[0]

	meta := attachments(written)["hello.txt"]
	if meta.Length != 5 || meta.Digest == "" || meta.Data != "" {
		t.Fatalf("stored attachment metadata = %+v", meta)
	}

	data, err := inst.GetAttachmentData(ctx, "a", "hello.txt", meta.Digest)
	if err != nil || data != "aGVsbG8=" {
		t.Errorf("GetAttachmentData() = %q, %v", data, err)
	}
	if _, err := inst.GetAttachmentData(ctx, "a", "hello.txt", "wrong"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("GetAttachmentData() with wrong digest = %v, want not found", err)
	}

	// dropping the attachment deletes its data
	upd := schema.Document{"id": "a", "age": 2}
	mustWrite(t, inst, BulkWriteRow{Previous: written, Document: upd})
	if _, err := inst.GetAttachmentData(ctx, "a", "hello.txt", meta.Digest); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("GetAttachmentData() after removal = %v, want not found", err)
	}
}

func TestChangeStream(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	sub, err := inst.ChangeStream()
	if err != nil {
		t.Fatalf("ChangeStream() error = %v", err)
	}

	written := mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 1}, schema.Document{"id": "b", "age": 2})...)
	del := schema.Document{"id": "a", "age": 1, schema.FieldDeleted: true}
	mustWrite(t, inst, BulkWriteRow{Previous: written[0], Document: del})

	want := [][]Operation{{OperationInsert, OperationInsert}, {OperationDelete}}
	for _, ops := range want {
		select {
		case bulk := <-sub.Events():
			var got []Operation
			for _, ev := range bulk.Events {
				got = append(got, ev.Operation)
			}
			if !slices.Equal(got, ops) || bulk.Context != "test" || bulk.Checkpoint.KeySpace != inst.KeySpace() {
				t.Errorf("bulk = %+v, want operations %v", bulk, ops)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event bulk")
		}
	}

	sub.Cancel()
	if _, ok := <-sub.Events(); ok {
		t.Error("events channel open after Cancel")
	}
}

func TestResolveConflict(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	ctx := context.Background()
	tasks := inst.ConflictResultionTasks()
	mustWrite(t, inst, insert(schema.Document{"id": "a", "age": 1})...)
	inst.BulkWrite(ctx, insert(schema.Document{"id": "a", "age": 2}), "test")

	task := <-tasks

	if err := inst.ResolveConflictResultionTask(ctx, ConflictSolution{ID: task.ID, Output: ConflictOutput{IsEqual: true}}); err != nil {
		t.Fatalf("resolving as equal: %v", err)
	}

	merged := task.Input.NewDocumentState.Clone()
	merged["age"] = 3
	if err := inst.ResolveConflictResultionTask(ctx, ConflictSolution{ID: task.ID, Output: ConflictOutput{DocumentData: merged}}); err != nil {
		t.Fatalf("ResolveConflictResultionTask() error = %v", err)
	}
	docs, _ := inst.FindDocumentsByID(ctx, []string{"a"}, false)
	if age, _ := docs[0].Get("age"); age != 3.0 || revisionHeight(docs[0].Rev()) != 2 {
		t.Errorf("resolved document = %v", docs[0])
	}

	gone := schema.Document{"id": "zzz", "age": 1}
	if err := inst.ResolveConflictResultionTask(ctx, ConflictSolution{ID: "x", Output: ConflictOutput{DocumentData: gone}}); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("resolving a vanished document = %v, want not found", err)
	}
}

func TestCloseAndRemove(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	db := memkv.NewMemKV(nil)
	s := NewStorage(kv.SharedFactory(db), nil, registry)

	params := InstanceParams{DatabaseName: "db", CollectionName: "c", Schema: testSchema()}
	inst, err := s.CreateInstance(ctx, params)
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry has %d instances, want 1", registry.Len())
	}
	mustWrite(t, inst, insert(
		schema.Document{"id": "a", "age": 1, schema.FieldAttachments: map[string]any{"x": map[string]any{"type": "t", "data": "eA=="}}},
		schema.Document{"id": "b", "age": 2},
	)...)
	sub, _ := inst.ChangeStream()

	if err := inst.Remove(ctx); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := inst.Remove(ctx); err != nil {
		t.Errorf("second Remove() = %v, want nil", err)
	}
	if err := inst.Close(ctx); err != nil {
		t.Errorf("Close() after Remove = %v, want nil", err)
	}
	if keys := db.GetInfo().Keys; keys != 0 {
		t.Errorf("substrate holds %d keys after Remove, want 0", keys)
	}
	if registry.Len() != 0 {
		t.Errorf("registry has %d instances after Remove", registry.Len())
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("subscription still open after Remove")
	}

	if _, err := inst.BulkWrite(ctx, insert(schema.Document{"id": "c"}), "test"); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("BulkWrite() after Remove = %v, want closed", err)
	}
	if _, err := inst.FindDocumentsByID(ctx, []string{"a"}, true); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("FindDocumentsByID() after Remove = %v, want closed", err)
	}

	// the key space can be recreated from scratch
	again, err := s.CreateInstance(ctx, params)
	if err != nil {
		t.Fatalf("CreateInstance() after Remove error = %v", err)
	}
	if err := registry.CloseAll(ctx); err != nil {
		t.Errorf("CloseAll() error = %v", err)
	}
	if _, err := again.Info(ctx); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Info() after CloseAll = %v, want closed", err)
	}
}
