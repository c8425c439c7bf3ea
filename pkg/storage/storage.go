// Package storage is the document storage engine. A Storage hands out instances
// bound to a (database, collection) pair. Every instance opened for the same pair on the
// same adapter location shares one backend, one write lock, one sequence counter and
// one change log, whichever Storage created it.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/strata/pkg/attachment"
	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
)

// Params identifies the logical store an instance is bound to.
type Params struct {
	DatabaseName   string
	CollectionName string
	// PrimaryKey names the data field mirrored from Document.ID; optional.
	PrimaryKey string
	// Options are passed through to the adapter untouched.
	Options map[string]any
}

func (p Params) namespace(local bool) core.Namespace {
	return core.Namespace{Database: p.DatabaseName, Collection: p.CollectionName, Local: local}
}

// Storage creates storage instances on top of one adapter.
type Storage struct {
	opener  core.Opener
	logger  *slog.Logger
	metrics *metrics

	mu sync.Mutex
	// held counts the handles this Storage has open on each shared store.
	held map[*sharedStore]int
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithRegisterer registers the storage metrics with reg. A collector that is already
// registered is reused.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Storage) {
		s.metrics = s.metrics.register(reg, s.logger)
	}
}

// New creates a Storage over opener.
func New(opener core.Opener, opts ...Option) *Storage {
	s := &Storage{
		opener: opener,
		logger: slog.Default(),
		held:   make(map[*sharedStore]int),
	}
	s.metrics = newMetrics(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the adapter name.
func (s *Storage) Name() string {
	return s.opener.Name()
}

// Hash returns the attachment digest of data.
func (s *Storage) Hash(data []byte) string {
	return attachment.Hash(data)
}

// Collector exposes the storage metrics for registration with a custom registry.
func (s *Storage) Collector() prometheus.Collector {
	return s.metrics
}

// CreateStorageInstance opens a document instance for the collection in p.
func (s *Storage) CreateStorageInstance(ctx context.Context, p Params) (*Instance, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	shared, err := s.acquire(ctx, p, false)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		storage: s,
		shared:  shared,
		params:  p,
		logger:  s.logger.With("database", p.DatabaseName, "collection", p.CollectionName),
		subs:    make(map[*changelog.Subscription]struct{}),
	}
	inst.logger.Debug("storage instance opened", "adapter", s.Name())
	return inst, nil
}

// CreateKeyObjectStorageInstance opens the local key-object store next to the collection in p.
func (s *Storage) CreateKeyObjectStorageInstance(ctx context.Context, p Params) (*LocalInstance, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	shared, err := s.acquire(ctx, p, true)
	if err != nil {
		return nil, err
	}
	inst := &LocalInstance{
		storage: s,
		shared:  shared,
		params:  p,
		logger:  s.logger.With("database", p.DatabaseName, "collection", p.CollectionName, "local", true),
	}
	inst.logger.Debug("key-object instance opened", "adapter", s.Name())
	return inst, nil
}

func validate(p Params) error {
	if p.DatabaseName == "" || p.CollectionName == "" {
		return fmt.Errorf("%w: database and collection names are required", core.ErrBadRequest)
	}
	return nil
}

// sharedStore is the state every handle of one logical store shares.
type sharedStore struct {
	key         storeKey
	ns          core.Namespace
	backend     core.Backend
	log         *changelog.Log
	attachments *attachment.Store

	// writeMu serializes writers of the logical store.
	writeMu sync.Mutex
	// refs is guarded by registry.mu.
	refs int
}

func (s *Storage) acquire(ctx context.Context, p Params, local bool) (*sharedStore, error) {
	ns := p.namespace(local)
	shared, err := openShared(ctx, keyFor(s.opener, s, ns), s.opener, p.Options, s.logger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.held[shared]++
	s.mu.Unlock()
	return shared, nil
}

func (s *Storage) release(shared *sharedStore) error {
	s.mu.Lock()
	s.held[shared]--
	if s.held[shared] <= 0 {
		delete(s.held, shared)
	}
	s.mu.Unlock()

	return closeShared(shared, s.logger)
}

// storeStats is a point-in-time view of one store this Storage holds.
type storeStats struct {
	ns           core.Namespace
	handles      int
	lastSequence int64
	subscribers  int
	unpersisted  int
	hasLog       bool
}

// snapshot returns the stores this Storage holds, in no particular order.
func (s *Storage) snapshot() []storeStats {
	s.mu.Lock()
	stores := make([]*sharedStore, 0, len(s.held))
	for shared := range s.held {
		stores = append(stores, shared)
	}
	s.mu.Unlock()

	out := make([]storeStats, 0, len(stores))
	for _, shared := range stores {
		st := storeStats{ns: shared.ns, handles: shared.handles()}
		if shared.log != nil {
			st.hasLog = true
			st.lastSequence = shared.log.LastSequence()
			st.subscribers = shared.log.Broker().Len()
			st.unpersisted = shared.log.Unpersisted()
		}
		out = append(out, st)
	}
	return out
}
