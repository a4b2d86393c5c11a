package testing

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/kv"
)

// KVFactory is a function that creates a new instance of an OrderedKV implementation
type KVFactory func() kv.OrderedKV

// RunOrderedKVTests runs a comprehensive test suite for an OrderedKV implementation.
func RunOrderedKVTests(t *testing.T, name string, factory KVFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("RangeBounds", func(t *testing.T) {
			testRangeBounds(t, factory())
		})

		t.Run("RangeBatchSizes", func(t *testing.T) {
			testRangeBatchSizes(t, factory())
		})

		t.Run("RangeLimit", func(t *testing.T) {
			testRangeLimit(t, factory())
		})

		t.Run("RangeEarlyStop", func(t *testing.T) {
			testRangeEarlyStop(t, factory())
		})

		t.Run("PrefixIsolation", func(t *testing.T) {
			testPrefixIsolation(t, factory())
		})

		t.Run("BinaryItems", func(t *testing.T) {
			testBinaryItems(t, factory())
		})

		t.Run("Checks", func(t *testing.T) {
			testChecks(t, factory())
		})

		t.Run("ConcurrentCompareAndSwap", func(t *testing.T) {
			testConcurrentCompareAndSwap(t, factory())
		})

		t.Run("InvalidKeys", func(t *testing.T) {
			testInvalidKeys(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the substrate supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, db kv.OrderedKV, feature kv.Feature) {
	if !db.SupportsFeature(feature) {
		t.Skip()
	}
}

func key(sub, item string) kv.Key {
	return kv.Key{Space: "test", Sub: sub, Item: item}
}

func mustWrite(t testing.TB, db kv.OrderedKV, checks []kv.Check, muts ...kv.Mutation) {
	t.Helper()
	ok, err := db.AtomicWrite(context.Background(), checks, muts)
	if err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	if !ok {
		t.Fatalf("AtomicWrite() was not committed")
	}
}

func collectItems(t testing.TB, db kv.OrderedKV, start, end kv.Key, opts kv.RangeOptions) []string {
	t.Helper()
	var items []string
	for entry, err := range db.Range(context.Background(), start, end, opts) {
		if err != nil {
			t.Fatalf("Range() error = %v", err)
		}
		items = append(items, entry.Key.Item)
	}
	return items
}

func equalItems(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureGet|kv.FeatureAtomicWrite)

	ctx := context.Background()
	k := key("docs", "doc-1")

	mustWrite(t, db, nil, kv.Put(k, []byte("value-1")))

	val, ok, err := db.Get(ctx, k, kv.ReadOptions{})
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v; want existing key", ok, err)
	}
	if !bytes.Equal(val, []byte("value-1")) {
		t.Errorf("Get() = %q, want %q", val, "value-1")
	}

	mustWrite(t, db, nil, kv.Put(k, []byte("value-2")))
	val, _, _ = db.Get(ctx, k, kv.ReadOptions{})
	if !bytes.Equal(val, []byte("value-2")) {
		t.Errorf("Get() after overwrite = %q, want %q", val, "value-2")
	}

	// a returned value must be a copy
	val[0] = 'X'
	again, _, _ := db.Get(ctx, k, kv.ReadOptions{})
	if bytes.Equal(val, again) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	if _, ok, err := db.Get(ctx, key("docs", "missing"), kv.ReadOptions{}); err != nil || ok {
		t.Errorf("Get(missing) = %v, %v; want not found", ok, err)
	}

	// empty values are values
	mustWrite(t, db, nil, kv.Put(key("docs", "empty"), nil))
	if _, ok, _ := db.Get(ctx, key("docs", "empty"), kv.ReadOptions{}); !ok {
		t.Errorf("empty value should exist")
	}
}

func testDelete(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureGet|kv.FeatureAtomicWrite)

	ctx := context.Background()
	k := key("docs", "to-delete")
	mustWrite(t, db, nil, kv.Put(k, []byte("v")))
	mustWrite(t, db, nil, kv.Delete(k))

	if _, ok, _ := db.Get(ctx, k, kv.ReadOptions{}); ok {
		t.Errorf("key should be gone after delete")
	}

	// deleting a missing key is not an error
	mustWrite(t, db, nil, kv.Delete(key("docs", "never-existed")))
}

func testRangeBounds(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureRange|kv.FeatureAtomicWrite)

	var muts []kv.Mutation
	for _, item := range []string{"a", "b", "ba", "c", "d"} {
		muts = append(muts, kv.Put(key("idx", item), []byte(item)))
	}
	mustWrite(t, db, nil, muts...)

	tests := []struct {
		name       string
		start, end string
		want       []string
	}{
		{"all", "", "\xff", []string{"a", "b", "ba", "c", "d"}},
		{"inclusive both ends", "b", "c", []string{"b", "ba", "c"}},
		{"single key", "c", "c", []string{"c"}},
		{"between keys", "bb", "bz", nil},
		{"empty when start > end", "d", "a", nil},
		{"prefix-like range", "b", "b\xff", []string{"b", "ba"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collectItems(t, db, key("idx", tt.start), key("idx", tt.end), kv.RangeOptions{})
			if !equalItems(got, tt.want) {
				t.Errorf("Range(%q, %q) = %q, want %q", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func testRangeBatchSizes(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureRange|kv.FeatureAtomicWrite)

	const n = 57
	var muts []kv.Mutation
	var want []string
	for i := 0; i < n; i++ {
		item := fmt.Sprintf("k%03d", i)
		muts = append(muts, kv.Put(key("idx", item), []byte(item)))
		if i >= 5 && i <= 50 {
			want = append(want, item)
		}
	}
	mustWrite(t, db, nil, muts...)

	for _, batchSize := range []int{0, 1, 2, 7, 46, 100} {
		got := collectItems(t, db, key("idx", "k005"), key("idx", "k050"), kv.RangeOptions{BatchSize: batchSize})
		if !equalItems(got, want) {
			t.Errorf("batch size %d: got %d entries, want %d", batchSize, len(got), len(want))
		}
	}
}

func testRangeLimit(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureRange|kv.FeatureAtomicWrite)

	var muts []kv.Mutation
	for i := 0; i < 20; i++ {
		muts = append(muts, kv.Put(key("idx", fmt.Sprintf("k%02d", i)), nil))
	}
	mustWrite(t, db, nil, muts...)

	got := collectItems(t, db, key("idx", ""), key("idx", "\xff"), kv.RangeOptions{Limit: 5, BatchSize: 2})
	want := []string{"k00", "k01", "k02", "k03", "k04"}
	if !equalItems(got, want) {
		t.Errorf("Range(limit=5) = %q, want %q", got, want)
	}
}

func testRangeEarlyStop(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureRange|kv.FeatureAtomicWrite)

	var muts []kv.Mutation
	for i := 0; i < 10; i++ {
		muts = append(muts, kv.Put(key("idx", fmt.Sprintf("k%02d", i)), nil))
	}
	mustWrite(t, db, nil, muts...)

	count := 0
	for _, err := range db.Range(context.Background(), key("idx", ""), key("idx", "\xff"), kv.RangeOptions{BatchSize: 3}) {
		if err != nil {
			t.Fatalf("Range() error = %v", err)
		}
		count++
		if count == 4 {
			break
		}
	}
	if count != 4 {
		t.Errorf("consumer should be able to stop early, got %d", count)
	}

	// the substrate must still be usable afterwards
	mustWrite(t, db, nil, kv.Put(key("idx", "after"), nil))
}

func testPrefixIsolation(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureRange|kv.FeatureAtomicWrite)

	mustWrite(t, db, nil,
		kv.Put(kv.Key{Space: "a", Sub: "i1", Item: "x"}, nil),
		kv.Put(kv.Key{Space: "a", Sub: "i10", Item: "x"}, nil),
		kv.Put(kv.Key{Space: "a", Sub: "i2", Item: "x"}, nil),
		kv.Put(kv.Key{Space: "ab", Sub: "i1", Item: "x"}, nil),
	)

	got := collectItems(t, db, kv.Key{Space: "a", Sub: "i1", Item: ""}, kv.Key{Space: "a", Sub: "i1", Item: "\xff\xff"}, kv.RangeOptions{})
	if !equalItems(got, []string{"x"}) {
		t.Errorf("range must not leak into neighbouring namespaces, got %q", got)
	}

	if _, err := collectRangeErr(db, kv.Key{Space: "a", Sub: "i1"}, kv.Key{Space: "a", Sub: "i2"}); err == nil {
		t.Errorf("range across namespaces should fail")
	}
}

func collectRangeErr(db kv.OrderedKV, start, end kv.Key) (int, error) {
	n := 0
	for _, err := range db.Range(context.Background(), start, end, kv.RangeOptions{}) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func testBinaryItems(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureRange|kv.FeatureAtomicWrite)

	items := []string{"\x00", "\x00\x00", "\x00\x01", "\x01", "\x7f", "\xfe", "\xff", "\xff\xff"}
	var muts []kv.Mutation
	for i := len(items) - 1; i >= 0; i-- {
		muts = append(muts, kv.Put(key("bin", items[i]), []byte{byte(i)}))
	}
	mustWrite(t, db, nil, muts...)

	got := collectItems(t, db, key("bin", ""), key("bin", "\xff\xff\xff"), kv.RangeOptions{BatchSize: 3})
	if !equalItems(got, items) {
		t.Errorf("binary items out of order: got %q, want %q", got, items)
	}

	got = collectItems(t, db, key("bin", "\x00\x01"), key("bin", "\xfe"), kv.RangeOptions{})
	if !equalItems(got, items[2:6]) {
		t.Errorf("binary sub range: got %q, want %q", got, items[2:6])
	}
}

func testChecks(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureGet|kv.FeatureAtomicWrite)

	ctx := context.Background()
	doc := key("docs", "d")
	idx := key("idx", "entry")

	// insert only if absent
	mustWrite(t, db, []kv.Check{{Key: doc}}, kv.Put(doc, []byte("v1")), kv.Put(idx, []byte("d")))

	// second insert-if-absent must fail without side effects
	ok, err := db.AtomicWrite(ctx, []kv.Check{{Key: doc}}, []kv.Mutation{kv.Put(doc, []byte("other")), kv.Delete(idx)})
	if err != nil || ok {
		t.Fatalf("AtomicWrite(absent check on existing key) = %v, %v; want false, nil", ok, err)
	}
	if val, _, _ := db.Get(ctx, doc, kv.ReadOptions{}); !bytes.Equal(val, []byte("v1")) {
		t.Errorf("failed write must not modify the document, got %q", val)
	}
	if _, ok, _ := db.Get(ctx, idx, kv.ReadOptions{}); !ok {
		t.Errorf("failed write must not apply any mutation")
	}

	// wrong expected value
	ok, err = db.AtomicWrite(ctx, []kv.Check{{Key: doc, Exists: true, Value: []byte("v0")}}, []kv.Mutation{kv.Put(doc, []byte("v2"))})
	if err != nil || ok {
		t.Fatalf("AtomicWrite(stale check) = %v, %v; want false, nil", ok, err)
	}

	// correct expected value
	mustWrite(t, db, []kv.Check{{Key: doc, Exists: true, Value: []byte("v1")}}, kv.Put(doc, []byte("v2")))

	// multiple checks must all hold
	ok, err = db.AtomicWrite(ctx, []kv.Check{
		{Key: doc, Exists: true, Value: []byte("v2")},
		{Key: key("docs", "missing"), Exists: true, Value: []byte("x")},
	}, []kv.Mutation{kv.Delete(doc)})
	if err != nil || ok {
		t.Fatalf("AtomicWrite(one failing check) = %v, %v; want false, nil", ok, err)
	}
	if _, ok, _ := db.Get(ctx, doc, kv.ReadOptions{}); !ok {
		t.Errorf("document must survive a failed multi-check write")
	}
}

func testConcurrentCompareAndSwap(t *testing.T, db kv.OrderedKV) {
	defer db.Close()
	requireFeature(t, db, kv.FeatureGet|kv.FeatureAtomicWrite)

	ctx := context.Background()
	counter := key("meta", "counter")

	encode := func(v uint64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return b
	}

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	var conflicts atomic.Int64
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; {
				current, ok, err := db.Get(ctx, counter, kv.ReadOptions{})
				if err != nil {
					t.Errorf("Get() error = %v", err)
					return
				}
				var value uint64
				if ok {
					value = binary.BigEndian.Uint64(current)
				}
				committed, err := db.AtomicWrite(ctx,
					[]kv.Check{{Key: counter, Exists: ok, Value: current}},
					[]kv.Mutation{kv.Put(counter, encode(value+1))},
				)
				if err != nil {
					t.Errorf("AtomicWrite() error = %v", err)
					return
				}
				if committed {
					i++
				} else {
					conflicts.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	final, ok, err := db.Get(ctx, counter, kv.ReadOptions{})
	if err != nil || !ok {
		t.Fatalf("Get(counter) = %v, %v", ok, err)
	}
	if got := binary.BigEndian.Uint64(final); got != workers*perWorker {
		t.Errorf("counter = %d, want %d (lost updates, %d conflicts)", got, workers*perWorker, conflicts.Load())
	}
}

func testInvalidKeys(t *testing.T, db kv.OrderedKV) {
	defer db.Close()

	ctx := context.Background()
	if _, err := db.AtomicWrite(ctx, nil, []kv.Mutation{kv.Put(kv.Key{Space: "", Sub: "x", Item: "y"}, nil)}); err == nil {
		t.Errorf("empty space should be rejected")
	}
	if _, _, err := db.Get(ctx, kv.Key{Space: "a\x00b", Sub: "x", Item: "y"}, kv.ReadOptions{}); err == nil {
		t.Errorf("NUL in space should be rejected")
	}
}
