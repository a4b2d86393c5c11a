package memkv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultDegree    = 32  // B-tree degree
	defaultBatchSize = 256 // Entries copied per lock acquisition during range scans
)

// item is a single entry of the tree
type item struct {
	key   []byte
	value []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// --------------------------------------------------------------------------
// Core memkv structure
// --------------------------------------------------------------------------

// memKV keeps all entries in a single B-tree ordered by the flattened key.
// Readers copy small batches under the read lock and yield outside of it,
// so a slow consumer never blocks writers.
type memKV struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[item]
	degree int
	size   atomic.Int64 // approximate bytes of keys and values
	closed atomic.Bool
}

// Options configures the memKV behavior during initialization
type Options struct {
	Degree int // B-tree degree (0 = use default)
}

// DefaultOptions returns the default memKV options
func DefaultOptions() *Options {
	return &Options{
		Degree: defaultDegree,
	}
}

// NewMemKV creates a new, empty in-memory substrate with the specified options (optional)
func NewMemKV(opts *Options) kv.OrderedKV {
	if opts == nil {
		opts = DefaultOptions()
	}
	degree := opts.Degree
	if degree <= 1 {
		degree = defaultDegree
	}
	return &memKV{
		tree:   btree.NewG[item](degree, lessItem),
		degree: degree,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.OrderedKV)
// --------------------------------------------------------------------------

func (m *memKV) Get(ctx context.Context, key kv.Key, _ kv.ReadOptions) ([]byte, bool, error) {
	if err := m.ready(ctx); err != nil {
		return nil, false, err
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	found, ok := m.tree.Get(item{key: key.Encode()})
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(found.value), true, nil
}

func (m *memKV) Range(ctx context.Context, start, end kv.Key, opts kv.RangeOptions) iter.Seq2[kv.Entry, error] {
	return func(yield func(kv.Entry, error) bool) {
		if err := m.ready(ctx); err != nil {
			yield(kv.Entry{}, err)
			return
		}
		if err := kv.ValidateRange(start, end); err != nil {
			yield(kv.Entry{}, err)
			return
		}

		batchSize := opts.BatchSize
		if batchSize <= 0 {
			batchSize = defaultBatchSize
		}
		if opts.Limit > 0 && opts.Limit < batchSize {
			batchSize = opts.Limit
		}

		from := start.Encode()
		to := end.Encode()
		emitted := 0

		for {
			batch := m.collect(from, to, batchSize)
			for _, it := range batch {
				if err := ctx.Err(); err != nil {
					yield(kv.Entry{}, err)
					return
				}
				decoded, err := kv.DecodeKey(it.key)
				if err != nil {
					yield(kv.Entry{}, kv.NewError(kv.RetCInternalError, err.Error()))
					return
				}
				if !yield(kv.Entry{Key: decoded, Value: it.value}, nil) {
					return
				}
				emitted++
				if opts.Limit > 0 && emitted >= opts.Limit {
					return
				}
			}
			if len(batch) < batchSize {
				return
			}
			// continue strictly after the last key of this batch
			from = kv.Successor(batch[len(batch)-1].key)
		}
	}
}

// collect copies at most n entries with from <= key <= to.
func (m *memKV) collect(from, to []byte, n int) []item {
	out := make([]item, 0, n)
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.AscendGreaterOrEqual(item{key: from}, func(it item) bool {
		if bytes.Compare(it.key, to) > 0 {
			return false
		}
		out = append(out, item{key: it.key, value: bytes.Clone(it.value)})
		return len(out) < n
	})
	return out
}

func (m *memKV) AtomicWrite(ctx context.Context, checks []kv.Check, mutations []kv.Mutation) (bool, error) {
	if err := m.ready(ctx); err != nil {
		return false, err
	}
	for _, c := range checks {
		if err := c.Key.Validate(); err != nil {
			return false, err
		}
	}
	for _, mut := range mutations {
		if err := mut.Key.Validate(); err != nil {
			return false, err
		}
		if mut.Type != kv.MutationTPut && mut.Type != kv.MutationTDelete {
			return false, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("unknown mutation type: %s", mut.Type))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// verify all preconditions before touching the tree
	for _, c := range checks {
		current, ok := m.tree.Get(item{key: c.Key.Encode()})
		if ok != c.Exists {
			return false, nil
		}
		if ok && !bytes.Equal(current.value, c.Value) {
			return false, nil
		}
	}

	for _, mut := range mutations {
		key := mut.Key.Encode()
		switch mut.Type {
		case kv.MutationTPut:
			// Copy value to prevent memory corruption
			value := bytes.Clone(mut.Value)
			if value == nil {
				value = []byte{}
			}
			if old, replaced := m.tree.ReplaceOrInsert(item{key: key, value: value}); replaced {
				m.size.Add(int64(len(value) - len(old.value)))
			} else {
				m.size.Add(int64(len(key) + len(value)))
			}
		case kv.MutationTDelete:
			if old, removed := m.tree.Delete(item{key: key}); removed {
				m.size.Add(-int64(len(old.key) + len(old.value)))
			}
		}
	}
	return true, nil
}

func (m *memKV) SupportsFeature(feature kv.Feature) bool {
	supported := kv.FeatureGet | kv.FeatureRange | kv.FeatureAtomicWrite |
		kv.FeatureStrongConsistency | kv.FeatureSnapshot
	return feature&supported == feature
}

func (m *memKV) GetInfo() kv.Info {
	m.mu.RLock()
	keys := m.tree.Len()
	m.mu.RUnlock()
	return kv.Info{
		Keys:              keys,
		SizeBytes:         int(m.size.Load()),
		Implementation:    kv.ImplMemKV,
		SupportedFeatures: kv.FeatureList(kv.FeatureGet | kv.FeatureRange | kv.FeatureAtomicWrite | kv.FeatureStrongConsistency | kv.FeatureSnapshot),
	}
}

func (m *memKV) Close() error {
	m.closed.Store(true)
	return nil
}

// ready returns an error if the handle is closed or the context is done.
func (m *memKV) ready(ctx context.Context) error {
	if m.closed.Load() {
		return kv.NewError(kv.RetCClosed, "memkv is closed")
	}
	return ctx.Err()
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save persists all entries to the writer.
// The tree is cloned (copy on write) first, so writers are blocked only for the clone.
// Clone must not run concurrently with itself, hence the write lock.
func (m *memKV) Save(w io.Writer) error {
	m.mu.Lock()
	snapshot := m.tree.Clone()
	m.mu.Unlock()

	sw, err := kv.NewSnapshotWriter(w)
	if err != nil {
		return err
	}
	var writeErr error
	snapshot.Ascend(func(it item) bool {
		writeErr = sw.WriteEntry(it.key, it.value)
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	return sw.Close()
}

// Load replaces the current content with the entries read from r.
// Nothing is replaced if the stream is malformed.
func (m *memKV) Load(r io.Reader) error {
	tree := btree.NewG[item](m.degree, lessItem)
	var size int64
	err := kv.ReadSnapshot(r, func(key, value []byte) error {
		tree.ReplaceOrInsert(item{key: key, value: value})
		size += int64(len(key) + len(value))
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.tree = tree
	m.size.Store(size)
	m.mu.Unlock()
	return nil
}
