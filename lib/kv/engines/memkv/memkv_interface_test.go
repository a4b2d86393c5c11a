package memkv

import (
	"bytes"
	"context"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/kv"
	kvtesting "github.com/ValentinKolb/dDoc/lib/kv/testing"
)

func Test(t *testing.T) {
	kvtesting.RunOrderedKVTests(t, "MemKV", func() kv.OrderedKV {
		return NewMemKV(nil)
	})
}

func Benchmark(b *testing.B) {
	kvtesting.RunOrderedKVBenchmarks(b, "MemKV", func() kv.OrderedKV {
		return NewMemKV(nil)
	})
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	src := NewMemKV(nil)
	defer src.Close()

	var muts []kv.Mutation
	for _, item := range []string{"a", "b\x00c", "\xff"} {
		muts = append(muts, kv.Put(kv.Key{Space: "s", Sub: "x", Item: item}, []byte("v-"+item)))
	}
	if ok, err := src.AtomicWrite(ctx, nil, muts); err != nil || !ok {
		t.Fatalf("AtomicWrite() = %v, %v", ok, err)
	}

	var buf bytes.Buffer
	if err := src.(kv.Snapshotter).Save(&buf); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dst := NewMemKV(nil)
	defer dst.Close()
	if err := dst.(kv.Snapshotter).Load(&buf); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for _, mut := range muts {
		val, ok, err := dst.Get(ctx, mut.Key, kv.ReadOptions{})
		if err != nil || !ok {
			t.Fatalf("Get(%s) = %v, %v", mut.Key, ok, err)
		}
		if !bytes.Equal(val, mut.Value) {
			t.Errorf("Get(%s) = %q, want %q", mut.Key, val, mut.Value)
		}
	}
	if got := dst.GetInfo().Keys; got != len(muts) {
		t.Errorf("Keys = %d, want %d", got, len(muts))
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	db := NewMemKV(nil)
	defer db.Close()
	if err := db.(kv.Snapshotter).Load(bytes.NewReader([]byte("NOTAMEMKV"))); err == nil {
		t.Fatal("Load() should reject a wrong magic number")
	}
}
