// Package memory provides an in-process backend. State lives as long as the Adapter
// that opened it, so handles opened and closed repeatedly see the same data.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aretw0/strata/pkg/core"
)

// Name is the adapter name used by the platform factory.
const Name = "memory"

type blobKey struct {
	doc, attachment, digest string
}

type database struct {
	mu      sync.RWMutex
	records map[string]core.Record
	blobs   map[blobKey][]byte
	changes []core.ChangeEvent
}

// Adapter opens in-memory backends.
type Adapter struct {
	mu  sync.Mutex
	dbs map[core.Namespace]*database
}

// NewAdapter creates an empty in-memory adapter.
func NewAdapter() *Adapter {
	return &Adapter{dbs: make(map[core.Namespace]*database)}
}

// Name implements core.Opener.
func (a *Adapter) Name() string {
	return Name
}

// Open implements core.Opener. Options are ignored.
func (a *Adapter) Open(ctx context.Context, ns core.Namespace, options map[string]any) (core.Backend, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	db, ok := a.dbs[ns]
	if !ok {
		db = &database{
			records: make(map[string]core.Record),
			blobs:   make(map[blobKey][]byte),
		}
		a.dbs[ns] = db
	}
	return &Backend{db: db}, nil
}

// Backend is a handle on an in-memory database.
type Backend struct {
	db     *database
	closed atomic.Bool
}

var (
	_ core.Backend = (*Backend)(nil)
	_ core.Finder  = (*Backend)(nil)
)

func (b *Backend) check() error {
	if b.closed.Load() {
		return core.ErrClosed
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (core.Record, error) {
	if err := b.check(); err != nil {
		return core.Record{}, err
	}
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()

	rec, ok := b.db.records[id]
	if !ok {
		return core.Record{}, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	rec.Document = rec.Document.Clone()
	return rec, nil
}

func (b *Backend) Put(ctx context.Context, rec core.Record) error {
	if err := b.check(); err != nil {
		return err
	}
	rec.Document = rec.Document.Clone()

	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	b.db.records[rec.ID] = rec
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := b.check(); err != nil {
		return err
	}
	b.db.mu.Lock()
	defer b.db.mu.Unlock()

	if _, ok := b.db.records[id]; !ok {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	delete(b.db.records, id)
	return nil
}

func (b *Backend) All(ctx context.Context) ([]core.Record, error) {
	return b.Find(ctx, nil)
}

// Find returns the records whose document satisfies match; nil matches everything.
func (b *Backend) Find(ctx context.Context, match func(core.Document) bool) ([]core.Record, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()

	out := make([]core.Record, 0, len(b.db.records))
	for _, rec := range b.db.records {
		if match != nil && !match(rec.Document) {
			continue
		}
		rec.Document = rec.Document.Clone()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Backend) PutAttachment(ctx context.Context, docID, attachmentID, digest string, data []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	buf := append([]byte(nil), data...)

	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	b.db.blobs[blobKey{docID, attachmentID, digest}] = buf
	return nil
}

func (b *Backend) GetAttachment(ctx context.Context, docID, attachmentID, digest string) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()

	data, ok := b.db.blobs[blobKey{docID, attachmentID, digest}]
	if !ok {
		return nil, fmt.Errorf("attachment %s/%s: %w", docID, attachmentID, core.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (b *Backend) AppendChange(ctx context.Context, ev core.ChangeEvent) error {
	if err := b.check(); err != nil {
		return err
	}
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	b.db.changes = append(b.db.changes, ev.Clone())
	return nil
}

func (b *Backend) Changes(ctx context.Context) ([]core.ChangeEvent, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	out := make([]core.ChangeEvent, len(b.db.changes))
	for i, ev := range b.db.changes {
		out[i] = ev.Clone()
	}
	return out, nil
}

// Close implements core.Backend. The data stays with the adapter.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
