package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/revision"
)

// LocalInstance is a handle on a non-replicated key-object store. Documents carry their
// revision in Rev; deleting one removes it physically. No change log is kept.
type LocalInstance struct {
	storage *Storage
	shared  *sharedStore
	params  Params
	logger  *slog.Logger
	closed  atomic.Bool
}

func (l *LocalInstance) check(ctx context.Context) error {
	if l.closed.Load() {
		return core.ErrClosed
	}
	return ctx.Err()
}

// BulkWrite stores docs keyed by ID. A document without Rev creates; one with Rev must
// carry the stored revision. Deleted documents are removed.
func (l *LocalInstance) BulkWrite(ctx context.Context, docs []core.Document) (core.BulkWriteResult, error) {
	result := core.BulkWriteResult{
		Success: make(map[string]core.Document),
		Error:   make(map[string]*core.WriteError),
	}
	if err := l.check(ctx); err != nil {
		return result, err
	}

	l.shared.writeMu.Lock()
	defer l.shared.writeMu.Unlock()

	for n, d := range docs {
		doc := writable(d)
		doc.Attachments = nil
		mirrorPrimaryKey(&doc, l.params.PrimaryKey)
		if doc.ID == "" {
			result.Error["#"+strconv.Itoa(n)] = &core.WriteError{
				Status:   core.StatusBadRequest,
				Document: doc.Clone(),
				Err:      fmt.Errorf("%w: row %d has no document id", core.ErrBadRequest, n),
			}
			continue
		}

		stored, err := l.stored(ctx, doc.ID)
		if err != nil {
			return result, err
		}
		if conflicts(doc.Rev, doc.Rev != "", stored) {
			result.Error[doc.ID] = core.NewConflict(doc.Clone(), cloneDoc(stored))
			l.logger.Debug("local write rejected", "id", doc.ID, "rev", doc.Rev)
			continue
		}

		var prev string
		if stored != nil {
			prev = stored.Rev
		}
		rev, err := revision.Next(prev, doc)
		if err != nil {
			result.Error[doc.ID] = &core.WriteError{DocumentID: doc.ID, Status: core.StatusBadRequest, Document: doc.Clone(), Err: err}
			continue
		}
		doc.Rev = rev

		if doc.Deleted {
			err = l.shared.backend.Delete(ctx, doc.ID)
		} else {
			err = l.shared.backend.Put(ctx, core.Record{Document: doc})
		}
		if err != nil {
			if errors.Is(err, core.ErrClosed) {
				return result, err
			}
			result.Error[doc.ID] = &core.WriteError{
				DocumentID: doc.ID,
				Status:     core.StatusFor(err),
				Document:   doc.Clone(),
				Existing:   cloneDoc(stored),
				Err:        err,
			}
			continue
		}
		result.Success[doc.ID] = doc.Clone()
		l.logger.Debug("local document written", "id", doc.ID, "rev", doc.Rev, "deleted", doc.Deleted)
	}
	return result, nil
}

// FindLocalDocumentsByID returns the stored documents among ids.
func (l *LocalInstance) FindLocalDocumentsByID(ctx context.Context, ids []string) (map[string]core.Document, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]core.Document, len(ids))
	for _, id := range ids {
		doc, err := l.stored(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out[id] = *doc
		}
	}
	return out, nil
}

func (l *LocalInstance) stored(ctx context.Context, id string) (*core.Document, error) {
	rec, err := l.shared.backend.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local %s: %w", id, err)
	}
	return &rec.Document, nil
}

// Close releases the handle. Closing twice is a no-op.
func (l *LocalInstance) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.logger.Debug("key-object instance closed")
	return l.storage.release(l.shared)
}
