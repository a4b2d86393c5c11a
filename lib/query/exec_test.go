package query

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/indexstring"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/kv/engines/memkv"
	"github.com/ValentinKolb/dDoc/lib/schema"
)

const testSpace = "test"

func execSchema() *schema.Schema {
	return &schema.Schema{
		PrimaryKey: "id",
		Properties: map[string]schema.Field{
			"id":    {Type: schema.TypeString, MaxLength: 8},
			"age":   {Type: schema.TypeInteger},
			"city":  {Type: schema.TypeString, MaxLength: 6},
			"score": {Type: schema.TypeNumber},
		},
		Indexes: []schema.Index{
			schema.Asc("age"),
			{{Path: "city"}, {Path: "age", Desc: true}},
		},
	}
}

// newExecutor stores docs with all their index entries in a fresh memkv.
func newExecutor(t testing.TB, s *schema.Schema, docs []schema.Document) (*Executor, *countingLoader) {
	t.Helper()
	db := memkv.NewMemKV(nil)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, doc := range docs {
		id := doc.ID(s.PrimaryKey)
		raw, err := doc.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		muts := []kv.Mutation{kv.Put(kv.Key{Space: testSpace, Sub: "_doc", Item: id}, raw)}
		for _, idx := range s.StorageIndexes() {
			enc, err := indexstring.EncodeDocument(s, idx.Fields, doc)
			if err != nil {
				t.Fatalf("EncodeDocument(%s) error = %v", idx.Name(), err)
			}
			muts = append(muts, kv.Put(kv.Key{Space: testSpace, Sub: idx.ID, Item: enc}, []byte(id)))
		}
		if ok, err := db.AtomicWrite(ctx, nil, muts); err != nil || !ok {
			t.Fatalf("AtomicWrite() = %v, %v", ok, err)
		}
	}

	loader := &countingLoader{db: db}
	return &Executor{
		Reader: db,
		Space:  testSpace,
		Schema: s,
		Load:   loader.load,
	}, loader
}

type countingLoader struct {
	db    kv.OrderedKV
	loads int
}

func (l *countingLoader) load(ctx context.Context, id string) (schema.Document, bool, error) {
	l.loads++
	raw, ok, err := l.db.Get(ctx, kv.Key{Space: testSpace, Sub: "_doc", Item: id}, kv.ReadOptions{})
	if err != nil || !ok {
		return nil, ok, err
	}
	doc, err := schema.Unmarshal(raw)
	return doc, err == nil, err
}

func ids(docs []schema.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID("id")
	}
	return out
}

func TestExecuteAgeExample(t *testing.T) {
	s := execSchema()
	e, _ := newExecutor(t, s, []schema.Document{
		{"id": "a", "age": 30.0},
		{"id": "b", "age": 10.0},
		{"id": "c", "age": 40.0},
	})

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"all sorted", Query{Selector: Selector{"age": map[string]any{"$gt": 20}}, Sort: []SortField{{Path: "age"}}}, []string{"a", "c"}},
		{"limit", Query{Selector: Selector{"age": map[string]any{"$gt": 20}}, Sort: []SortField{{Path: "age"}}, Limit: 1}, []string{"a"}},
		{"skip", Query{Selector: Selector{"age": map[string]any{"$gt": 20}}, Sort: []SortField{{Path: "age"}}, Skip: 1}, []string{"c"}},
		{"descending resort", Query{Sort: []SortField{{Path: "age", Desc: true}}}, []string{"c", "a", "b"}},
		{"empty range", Query{Selector: Selector{"age": map[string]any{"$gt": 40}}}, nil},
		{"inverted range", Query{Selector: Selector{"age": map[string]any{"$gt": 40, "$lt": 10}}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pq, err := Prepare(s, tt.query)
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			got, err := e.Collect(context.Background(), pq)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if !slices.Equal(ids(got), tt.want) {
				t.Errorf("Collect() = %v, want %v (plan %s)", ids(got), tt.want, pq.Plan)
			}
		})
	}
}

func TestExecuteStopsEarly(t *testing.T) {
	s := execSchema()
	var docs []schema.Document
	for i := 0; i < 50; i++ {
		docs = append(docs, schema.Document{"id": fmt.Sprintf("d%02d", i), "age": float64(i)})
	}
	e, loader := newExecutor(t, s, docs)

	pq, err := Prepare(s, Query{Selector: Selector{"age": map[string]any{"$gte": 10}}, Sort: []SortField{{Path: "age"}}, Skip: 2, Limit: 3})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	got, err := e.Collect(context.Background(), pq)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if want := []string{"d12", "d13", "d14"}; !slices.Equal(ids(got), want) {
		t.Errorf("Collect() = %v, want %v", ids(got), want)
	}
	if loader.loads != 5 {
		t.Errorf("loaded %d documents, want 5", loader.loads)
	}
}

func TestExecuteExtremeSkipAndLimit(t *testing.T) {
	s := execSchema()
	e, _ := newExecutor(t, s, []schema.Document{
		{"id": "a", "age": 1.0},
		{"id": "b", "age": 2.0},
		{"id": "c", "age": 3.0},
	})

	tests := []struct {
		name        string
		skip, limit int
		want        []string
	}{
		{"max limit", 1, math.MaxInt, []string{"b", "c"}},
		{"max skip and limit", math.MaxInt, math.MaxInt, nil},
		{"max skip", math.MaxInt, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pq, err := Prepare(s, Query{Sort: []SortField{{Path: "age"}}, Skip: tt.skip, Limit: tt.limit})
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			got, err := e.Collect(context.Background(), pq)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if !slices.Equal(ids(got), tt.want) {
				t.Errorf("Collect() = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestRowsWanted(t *testing.T) {
	tests := []struct {
		q    Query
		want int
	}{
		{Query{}, 0},
		{Query{Skip: 5}, 0},
		{Query{Skip: 2, Limit: 3}, 5},
		{Query{Skip: math.MaxInt, Limit: 1}, 0},
		{Query{Skip: math.MaxInt - 1, Limit: 1}, math.MaxInt},
	}
	for _, tt := range tests {
		if got := rowsWanted(tt.q); got != tt.want {
			t.Errorf("rowsWanted(%+v) = %d, want %d", tt.q, got, tt.want)
		}
	}
}

func TestExecutePointRead(t *testing.T) {
	s := execSchema()
	e, loader := newExecutor(t, s, []schema.Document{
		{"id": "a", "age": 1.0},
		{"id": "b", "age": 2.0},
	})
	pq, err := Prepare(s, Query{Selector: Selector{"id": "b"}})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	got, err := e.Collect(context.Background(), pq)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if !slices.Equal(ids(got), []string{"b"}) || loader.loads != 1 {
		t.Errorf("Collect() = %v with %d loads", ids(got), loader.loads)
	}
}

func TestExecuteSkipsDeleted(t *testing.T) {
	s := execSchema()
	e, _ := newExecutor(t, s, []schema.Document{
		{"id": "a", "age": 1.0},
		{"id": "b", "age": 2.0, "_deleted": true},
	})
	pq, _ := Prepare(s, Query{})
	got, err := e.Collect(context.Background(), pq)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if !slices.Equal(ids(got), []string{"a"}) {
		t.Errorf("Collect() = %v, want [a]", ids(got))
	}
}

func TestCount(t *testing.T) {
	s := execSchema()
	e, _ := newExecutor(t, s, []schema.Document{
		{"id": "a", "age": 30.0, "city": "ulm"},
		{"id": "b", "age": 10.0, "city": "ulm"},
		{"id": "c", "age": 40.0, "city": "bonn"},
	})

	tests := []struct {
		name  string
		query Query
		want  int
		mode  CountMode
	}{
		{"everything", Query{}, 3, CountModeFast},
		{"range", Query{Selector: Selector{"age": map[string]any{"$gte": 30}}}, 2, CountModeFast},
		{"skip and limit are ignored", Query{Selector: Selector{"city": "ulm"}, Limit: 1, Skip: 1}, 2, CountModeFast},
		{"residual", Query{Selector: Selector{"city": map[string]any{"$regex": "^u"}}}, 2, CountModeSlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pq, err := Prepare(s, tt.query)
			if err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			n, mode, err := e.Count(context.Background(), pq)
			if err != nil {
				t.Fatalf("Count() error = %v", err)
			}
			if n != tt.want || mode != tt.mode {
				t.Errorf("Count() = %d (%s), want %d (%s)", n, mode, tt.want, tt.mode)
			}
		})
	}
}

// TestExecuteMatchesReference compares the planned execution with a plain
// filter, sort, skip and limit over all documents.
func TestExecuteMatchesReference(t *testing.T) {
	s := execSchema()
	rng := rand.New(rand.NewSource(42))
	cities := []any{"bonn", "ulm", "berlin", nil}

	var docs []schema.Document
	for i := 0; i < 80; i++ {
		doc := schema.Document{"id": fmt.Sprintf("d%03d", i), "age": float64(rng.Intn(10)), "score": rng.Float64()*10 - 5}
		if c := cities[rng.Intn(len(cities))]; c != nil {
			doc["city"] = c
		}
		if rng.Intn(8) == 0 {
			doc["_deleted"] = true
		}
		docs = append(docs, doc)
	}

	selectors := []Selector{
		{},
		{"age": 3},
		{"age": map[string]any{"$gt": 2, "$lte": 7}},
		{"age": map[string]any{"$lt": 5}, "score": map[string]any{"$gt": 0}},
		{"city": "ulm"},
		{"city": "ulm", "age": map[string]any{"$gte": 4}},
		{"city": map[string]any{"$gt": "bonn"}},
		{"city": nil},
		{"$or": []any{map[string]any{"age": 1}, map[string]any{"city": "bonn"}}},
		{"age": map[string]any{"$in": []any{1, 2, 9}}},
	}
	sorts := [][]SortField{
		nil,
		{{Path: "age"}},
		{{Path: "age", Desc: true}},
		{{Path: "city"}, {Path: "age", Desc: true}},
		{{Path: "id", Desc: true}},
	}
	pages := []struct{ skip, limit int }{{0, 0}, {0, 5}, {3, 4}, {100, 1}}

	for _, batch := range []int{1, 3, 0} {
		e, _ := newExecutor(t, s, docs)
		e.BatchSize = batch
		for si, sel := range selectors {
			matcher, err := CompileSelector(sel)
			if err != nil {
				t.Fatalf("CompileSelector() error = %v", err)
			}
			for _, sort := range sorts {
				for _, page := range pages {
					q := Query{Selector: sel, Sort: sort, Skip: page.skip, Limit: page.limit}
					pq, err := Prepare(s, q)
					if err != nil {
						t.Fatalf("Prepare(%v) error = %v", q, err)
					}

					var want []schema.Document
					for _, d := range docs {
						if !d.Deleted() && matcher.Match(d) {
							want = append(want, d)
						}
					}
					slices.SortStableFunc(want, pq.Comparator)
					want = want[min(page.skip, len(want)):]
					if page.limit > 0 && page.limit < len(want) {
						want = want[:page.limit]
					}

					got, err := e.Collect(context.Background(), pq)
					if err != nil {
						t.Fatalf("Collect(%v) error = %v", q, err)
					}
					if !slices.Equal(ids(got), ids(want)) {
						t.Errorf("batch=%d selector#%d sort=%v page=%v: got %v, want %v (plan %s)",
							batch, si, sort, page, ids(got), ids(want), pq.Plan)
					}

					unpaged := Query{Selector: sel}
					cq, _ := Prepare(s, unpaged)
					n, _, err := e.Count(context.Background(), cq)
					if err != nil {
						t.Fatalf("Count() error = %v", err)
					}
					if total := countMatching(docs, matcher); n != total {
						t.Errorf("selector#%d: Count() = %d, want %d", si, n, total)
					}
				}
			}
		}
	}
}

func countMatching(docs []schema.Document, m Matcher) int {
	n := 0
	for _, d := range docs {
		if !d.Deleted() && m.Match(d) {
			n++
		}
	}
	return n
}
