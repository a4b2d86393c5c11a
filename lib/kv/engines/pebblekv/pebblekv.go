package pebblekv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pebblekv")

const defaultBatchSize = 512 // Entries read per iterator before checking the context again

// Options configures the pebble substrate during initialization
type Options struct {
	Dir       string // Data directory (ignored when InMemory is set)
	InMemory  bool   // Use an in-memory file system (tests, ephemeral shards)
	Sync      bool   // fsync every committed batch
	CacheSize int64  // Block cache size in bytes (0 = pebble default)
}

// DefaultOptions returns the default pebble options
func DefaultOptions() *Options {
	return &Options{
		Dir:  "ddoc-data",
		Sync: true,
	}
}

// --------------------------------------------------------------------------
// Core pebble structure
// --------------------------------------------------------------------------

// pebbleKV stores flattened keys in a single pebble LSM.
// Check-and-commit is serialized by writeMu; reads go straight to pebble.
type pebbleKV struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	opts      Options
	writeMu   sync.Mutex
	closed    atomic.Bool
}

// NewPebbleKV opens (or creates) a pebble database with the specified options (optional)
func NewPebbleKV(opts *Options) (kv.OrderedKV, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pebbleOpts := &pebble.Options{}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		pebbleOpts.Cache = cache
	}

	db, err := pebble.Open(opts.Dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", opts.Dir, err)
	}

	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}

	log.Infof("opened pebble substrate (dir=%s, inMemory=%v, sync=%v)", opts.Dir, opts.InMemory, opts.Sync)
	return &pebbleKV{
		db:        db,
		writeOpts: writeOpts,
		opts:      *opts,
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.OrderedKV)
// --------------------------------------------------------------------------

func (p *pebbleKV) Get(ctx context.Context, key kv.Key, _ kv.ReadOptions) ([]byte, bool, error) {
	if err := p.ready(ctx); err != nil {
		return nil, false, err
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	return p.get(key.Encode())
}

// get returns a copy of the value stored for the flattened key.
func (p *pebbleKV) get(k []byte) ([]byte, bool, error) {
	value, closer, err := p.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kv.WrapSubstrate(err)
	}
	// the returned slice is only valid until closer is closed
	out := bytes.Clone(value)
	if out == nil {
		out = []byte{}
	}
	if err := closer.Close(); err != nil {
		return nil, false, kv.WrapSubstrate(err)
	}
	return out, true, nil
}

func (p *pebbleKV) Range(ctx context.Context, start, end kv.Key, opts kv.RangeOptions) iter.Seq2[kv.Entry, error] {
	return func(yield func(kv.Entry, error) bool) {
		if err := p.ready(ctx); err != nil {
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

		it := p.db.NewIter(&pebble.IterOptions{
			LowerBound: start.Encode(),
			UpperBound: kv.Successor(end.Encode()), // pebble upper bounds are exclusive
		})
		defer it.Close()

		emitted := 0
		for valid := it.First(); valid; valid = it.Next() {
			if emitted%batchSize == 0 {
				if err := ctx.Err(); err != nil {
					yield(kv.Entry{}, err)
					return
				}
			}
			decoded, err := kv.DecodeKey(it.Key())
			if err != nil {
				yield(kv.Entry{}, kv.NewError(kv.RetCInternalError, err.Error()))
				return
			}
			if !yield(kv.Entry{Key: decoded, Value: bytes.Clone(it.Value())}, nil) {
				return
			}
			emitted++
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(kv.Entry{}, kv.WrapSubstrate(err))
		}
	}
}

func (p *pebbleKV) AtomicWrite(ctx context.Context, checks []kv.Check, mutations []kv.Mutation) (bool, error) {
	if err := p.ready(ctx); err != nil {
		return false, err
	}
	for _, c := range checks {
		if err := c.Key.Validate(); err != nil {
			return false, err
		}
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, mut := range mutations {
		if err := mut.Key.Validate(); err != nil {
			return false, err
		}
		var err error
		switch mut.Type {
		case kv.MutationTPut:
			err = batch.Set(mut.Key.Encode(), mut.Value, nil)
		case kv.MutationTDelete:
			err = batch.Delete(mut.Key.Encode(), nil)
		default:
			return false, kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("unknown mutation type: %s", mut.Type))
		}
		if err != nil {
			return false, kv.WrapSubstrate(err)
		}
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	for _, c := range checks {
		current, ok, err := p.get(c.Key.Encode())
		if err != nil {
			return false, err
		}
		if ok != c.Exists || (ok && !bytes.Equal(current, c.Value)) {
			return false, nil
		}
	}

	if err := batch.Commit(p.writeOpts); err != nil {
		return false, kv.WrapSubstrate(err)
	}
	return true, nil
}

func (p *pebbleKV) SupportsFeature(feature kv.Feature) bool {
	return feature&p.features() == feature
}

func (p *pebbleKV) features() kv.Feature {
	f := kv.FeatureGet | kv.FeatureRange | kv.FeatureAtomicWrite | kv.FeatureStrongConsistency | kv.FeatureSnapshot
	if !p.opts.InMemory {
		f |= kv.FeaturePersistence
	}
	return f
}

func (p *pebbleKV) GetInfo() kv.Info {
	m := p.db.Metrics()
	return kv.Info{
		Keys:              -1, // pebble keeps no exact key count
		SizeBytes:         int(m.DiskSpaceUsage()),
		Implementation:    kv.ImplPebbleKV,
		SupportedFeatures: kv.FeatureList(p.features()),
		Metadata: map[string]any{
			"dir":        p.opts.Dir,
			"in_memory":  p.opts.InMemory,
			"flushes":    m.Flush.Count,
			"compaction": m.Compact.Count,
		},
	}
}

func (p *pebbleKV) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	log.Infof("closing pebble substrate (dir=%s)", p.opts.Dir)
	return p.db.Close()
}

// ready returns an error if the handle is closed or the context is done.
func (p *pebbleKV) ready(ctx context.Context) error {
	if p.closed.Load() {
		return kv.NewError(kv.RetCClosed, "pebble substrate is closed")
	}
	return ctx.Err()
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save writes a consistent point-in-time view of the database to w.
func (p *pebbleKV) Save(w io.Writer) error {
	snap := p.db.NewSnapshot()
	defer snap.Close()

	sw, err := kv.NewSnapshotWriter(w)
	if err != nil {
		return err
	}
	it := snap.NewIter(nil)
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if err := sw.WriteEntry(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return kv.WrapSubstrate(err)
	}
	return sw.Close()
}

// Load replaces the whole content of the database with the entries read from r.
func (p *pebbleKV) Load(r io.Reader) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// drop existing content first
	wipe := p.db.NewBatch()
	it := p.db.NewIter(nil)
	for valid := it.First(); valid; valid = it.Next() {
		if err := wipe.Delete(bytes.Clone(it.Key()), nil); err != nil {
			it.Close()
			wipe.Close()
			return kv.WrapSubstrate(err)
		}
	}
	if err := it.Close(); err != nil {
		wipe.Close()
		return kv.WrapSubstrate(err)
	}
	if err := wipe.Commit(p.writeOpts); err != nil {
		wipe.Close()
		return kv.WrapSubstrate(err)
	}
	wipe.Close()

	const loadBatchEntries = 1000
	batch := p.db.NewBatch()
	pending := 0
	err := kv.ReadSnapshot(r, func(key, value []byte) error {
		if err := batch.Set(key, value, nil); err != nil {
			return err
		}
		pending++
		if pending < loadBatchEntries {
			return nil
		}
		if err := batch.Commit(p.writeOpts); err != nil {
			return err
		}
		batch.Close()
		batch = p.db.NewBatch()
		pending = 0
		return nil
	})
	defer batch.Close()
	if err != nil {
		return err
	}
	return batch.Commit(p.writeOpts)
}
