package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("storage")

// --------------------------------------------------------------------------
// Settings
// --------------------------------------------------------------------------

const (
	Name = "ddoc" // storage name reported to callers

	defaultBatchSize           = 100
	defaultMaxWriteRetries     = 64
	defaultMaxPendingConflicts = 1024
)

// requiredFeatures are the substrate capabilities an instance relies on.
const requiredFeatures = kv.FeatureGet | kv.FeatureRange | kv.FeatureAtomicWrite

// Settings configures every instance created by a Storage.
type Settings struct {
	// Consistency is used for reads of queries, change feeds and lookups.
	// Writes always read with strong consistency.
	Consistency kv.Consistency
	// BatchSize is the range scan page size and the number of documents
	// purged by one Cleanup call.
	BatchSize int
	// MaxWriteRetries bounds how often a row is retried when a concurrent
	// writer advanced the sequence counter.
	MaxWriteRetries int
	// MaxPendingConflicts bounds the conflict tasks waiting for a reader of
	// ConflictResultionTasks. Tasks beyond it are dropped.
	MaxPendingConflicts int
}

// DefaultSettings returns the default settings (strong consistency).
func DefaultSettings() *Settings {
	return &Settings{
		Consistency:         kv.ConsistencyStrong,
		BatchSize:           defaultBatchSize,
		MaxWriteRetries:     defaultMaxWriteRetries,
		MaxPendingConflicts: defaultMaxPendingConflicts,
	}
}

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.MaxWriteRetries <= 0 {
		s.MaxWriteRetries = defaultMaxWriteRetries
	}
	if s.MaxPendingConflicts <= 0 {
		s.MaxPendingConflicts = defaultMaxPendingConflicts
	}
	return s
}

// --------------------------------------------------------------------------
// Storage factory
// --------------------------------------------------------------------------

// Storage creates collection instances on one substrate.
type Storage struct {
	Name     string
	Settings Settings

	substrate kv.Factory
	registry  *Registry
}

// NewStorage creates a storage that obtains a substrate handle per instance
// from factory. settings and registry are optional.
func NewStorage(factory kv.Factory, settings *Settings, registry *Registry) *Storage {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Storage{
		Name:      Name,
		Settings:  settings.withDefaults(),
		substrate: factory,
		registry:  registry,
	}
}

// InstanceParams describe the collection an instance is created for.
type InstanceParams struct {
	DatabaseName   string
	CollectionName string
	Schema         *schema.Schema
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_$-]*$`)

func (p InstanceParams) validate() error {
	if !namePattern.MatchString(p.DatabaseName) {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("invalid database name %q", p.DatabaseName))
	}
	if !namePattern.MatchString(p.CollectionName) {
		return kv.NewError(kv.RetCInvalidOperation, fmt.Sprintf("invalid collection name %q", p.CollectionName))
	}
	if p.Schema == nil {
		return kv.NewError(kv.RetCInvalidOperation, "schema is missing")
	}
	if p.Schema.Version < 0 {
		return kv.NewError(kv.RetCInvalidOperation, "schema version must not be negative")
	}
	return p.Schema.Validate()
}

// KeySpace returns the substrate namespace of the collection.
func (p InstanceParams) KeySpace() string {
	return fmt.Sprintf("%s|%s|%d", p.DatabaseName, p.CollectionName, p.Schema.Version)
}

// CreateInstance validates params, opens a substrate handle and returns an
// open instance. An existing key space is reused if its index layout equals
// the layout of the schema.
func (s *Storage) CreateInstance(ctx context.Context, params InstanceParams) (*Instance, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	db, err := s.substrate()
	if err != nil {
		return nil, kv.WrapSubstrate(err)
	}
	if !db.SupportsFeature(requiredFeatures) {
		_ = db.Close()
		return nil, kv.NewError(kv.RetCUnsupportedOperation,
			fmt.Sprintf("substrate %s lacks Get, Range or AtomicWrite", db.GetInfo().Implementation))
	}

	inst := newInstance(params, s.Settings, db, s.registry)
	if err := inst.ensureLayout(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.registry != nil {
		s.registry.add(inst)
	}
	log.Infof("opened instance %s (key space %s)", inst.id, inst.keySpace)
	return inst, nil
}

// now is replaced in tests
var now = time.Now
