package testing

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/kv"
)

// RunOrderedKVBenchmarks runs all benchmarks for an OrderedKV implementation
func RunOrderedKVBenchmarks(b *testing.B, name string, factory KVFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Put", func(b *testing.B) {
			benchmarkPut(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("CheckedWrite", func(b *testing.B) {
			benchmarkCheckedWrite(b, factory())
		})

		b.Run("Range100", func(b *testing.B) {
			benchmarkRange(b, factory(), 100)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// prefill writes n entries k000000..k<n> into the bench namespace.
func prefill(b *testing.B, db kv.OrderedKV, n int) {
	b.Helper()
	const chunk = 500
	for i := 0; i < n; i += chunk {
		var muts []kv.Mutation
		for j := i; j < i+chunk && j < n; j++ {
			muts = append(muts, kv.Put(key("bench", fmt.Sprintf("k%06d", j)), []byte("value")))
		}
		mustWrite(b, db, nil, muts...)
	}
}

func benchmarkPut(b *testing.B, db kv.OrderedKV) {
	b.Cleanup(func() {
		db.Close()
	})
	requireFeature(b, db, kv.FeatureAtomicWrite)

	var counter atomic.Int64
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			_, err := db.AtomicWrite(ctx, nil, []kv.Mutation{kv.Put(key("bench", fmt.Sprintf("k%09d", i)), []byte("value"))})
			if err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkGet(b *testing.B, db kv.OrderedKV) {
	b.Cleanup(func() {
		db.Close()
	})
	requireFeature(b, db, kv.FeatureGet|kv.FeatureAtomicWrite)

	const n = 10000
	prefill(b, db, n)

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			if _, _, err := db.Get(ctx, key("bench", fmt.Sprintf("k%06d", r.Intn(n))), kv.ReadOptions{}); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkCheckedWrite(b *testing.B, db kv.OrderedKV) {
	b.Cleanup(func() {
		db.Close()
	})
	requireFeature(b, db, kv.FeatureAtomicWrite)

	var counter atomic.Int64
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			k := key("bench", fmt.Sprintf("k%09d", counter.Add(1)))
			_, err := db.AtomicWrite(ctx, []kv.Check{{Key: k}}, []kv.Mutation{
				kv.Put(k, []byte("doc")),
				kv.Put(key("idx", k.Item), []byte(k.Item)),
			})
			if err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkRange(b *testing.B, db kv.OrderedKV, span int) {
	b.Cleanup(func() {
		db.Close()
	})
	requireFeature(b, db, kv.FeatureRange|kv.FeatureAtomicWrite)

	const n = 10000
	prefill(b, db, n)

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		from := rand.Intn(n - span)
		count := 0
		for _, err := range db.Range(ctx, key("bench", fmt.Sprintf("k%06d", from)), key("bench", fmt.Sprintf("k%06d", from+span-1)), kv.RangeOptions{}) {
			if err != nil {
				b.Fatal(err)
			}
			count++
		}
		if count != span {
			b.Fatalf("range returned %d entries, want %d", count, span)
		}
	}
}

func benchmarkMixedUsage(b *testing.B, db kv.OrderedKV) {
	b.Cleanup(func() {
		db.Close()
	})
	requireFeature(b, db, kv.FeatureGet|kv.FeatureRange|kv.FeatureAtomicWrite)

	const n = 1000
	prefill(b, db, n)

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			k := key("bench", fmt.Sprintf("k%06d", r.Intn(n)))
			switch op := r.Intn(10); {
			case op < 6:
				_, _, _ = db.Get(ctx, k, kv.ReadOptions{})
			case op < 9:
				_, _ = db.AtomicWrite(ctx, nil, []kv.Mutation{kv.Put(k, []byte("updated"))})
			default:
				for range db.Range(ctx, k, key("bench", k.Item+"\xff"), kv.RangeOptions{Limit: 10}) {
				}
			}
		}
	})
}
