// Package typed provides a type-safe view over a document storage instance.
package typed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/query"
	"github.com/aretw0/strata/pkg/storage"
)

// DocumentModel is a typed view of a stored document.
type DocumentModel[T any] struct {
	ID      string
	Rev     string
	Deleted bool
	Data    T        // The typed body
	Saver   Saver[T] // Active Record reference interface
}

// Saver avoids coupling DocumentModel to the Collection type.
type Saver[T any] interface {
	Save(ctx context.Context, doc *DocumentModel[T]) error
}

// Save persists the document using the attached saver.
func (d *DocumentModel[T]) Save(ctx context.Context) error {
	if d.Saver == nil {
		return fmt.Errorf("document is detached (missing Saver)")
	}
	return d.Saver.Save(ctx, d)
}

// Collection wraps a storage.Instance to provide type-safe access.
type Collection[T any] struct {
	inst *storage.Instance
}

// NewCollection creates a type-safe wrapper around an open instance.
func NewCollection[T any](inst *storage.Instance) *Collection[T] {
	return &Collection[T]{inst: inst}
}

// Instance returns the wrapped storage instance.
func (c *Collection[T]) Instance() *storage.Instance {
	return c.inst
}

// Save inserts the document when it has no revision and updates it otherwise.
// On success doc.Rev holds the new revision.
func (c *Collection[T]) Save(ctx context.Context, doc *DocumentModel[T]) error {
	var previous *core.Document
	if doc.Rev != "" {
		previous = &core.Document{ID: doc.ID, Rev: doc.Rev}
	}
	return c.write(ctx, doc, previous)
}

// Insert creates a document; it conflicts when the id is already live.
func (c *Collection[T]) Insert(ctx context.Context, id string, data T) (*DocumentModel[T], error) {
	doc := &DocumentModel[T]{ID: id, Data: data}
	if err := c.write(ctx, doc, nil); err != nil {
		return nil, err
	}
	return doc, nil
}

// Update replaces the body of doc, based on doc.Rev.
func (c *Collection[T]) Update(ctx context.Context, doc *DocumentModel[T]) error {
	if doc.Rev == "" {
		return fmt.Errorf("%w: update of %s without a revision", core.ErrBadRequest, doc.ID)
	}
	return c.Save(ctx, doc)
}

// Delete tombstones the document at rev.
func (c *Collection[T]) Delete(ctx context.Context, id, rev string) error {
	res, err := c.inst.BulkWrite(ctx, []core.WriteRow{{
		Previous: &core.Document{ID: id, Rev: rev},
		Document: core.Document{ID: id, Deleted: true},
	}})
	if err != nil {
		return err
	}
	if werr, ok := res.Error[id]; ok {
		return werr
	}
	return nil
}

// Get retrieves a live document and converts it to T.
func (c *Collection[T]) Get(ctx context.Context, id string) (*DocumentModel[T], error) {
	docs, err := c.inst.FindDocumentsByID(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	d, ok := docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return fromCore(d, c)
}

// Find runs q and converts every match.
func (c *Collection[T]) Find(ctx context.Context, q query.Query) ([]*DocumentModel[T], error) {
	p, err := c.inst.PrepareQuery(q)
	if err != nil {
		return nil, err
	}
	docs, err := c.inst.Query(ctx, p)
	if err != nil {
		return nil, err
	}

	result := make([]*DocumentModel[T], 0, len(docs))
	for _, d := range docs {
		model, err := fromCore(d, c)
		if err != nil {
			return nil, fmt.Errorf("failed to process document %s: %w", d.ID, err)
		}
		result = append(result, model)
	}
	return result, nil
}

// List returns every live document ordered by id.
func (c *Collection[T]) List(ctx context.Context) ([]*DocumentModel[T], error) {
	return c.Find(ctx, query.Query{})
}

func (c *Collection[T]) write(ctx context.Context, doc *DocumentModel[T], previous *core.Document) error {
	data, err := toMap(doc.Data)
	if err != nil {
		return err
	}
	res, err := c.inst.BulkWrite(ctx, []core.WriteRow{{
		Previous: previous,
		Document: core.Document{ID: doc.ID, Deleted: doc.Deleted, Data: data},
	}})
	if err != nil {
		return err
	}
	for _, werr := range res.Error {
		return werr
	}
	for _, stored := range res.Success {
		doc.ID = stored.ID
		doc.Rev = stored.Rev
	}
	if doc.Saver == nil {
		doc.Saver = c
	}
	return nil
}

// IsConflict reports whether err is a rejected write and returns the stored state.
func IsConflict(err error) (*core.Document, bool) {
	var werr *core.WriteError
	if errors.As(err, &werr) && werr.Status == core.StatusConflict {
		return werr.Existing, true
	}
	return nil, false
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal typed data: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to convert typed data to map: %w", err)
	}
	return data, nil
}

func fromCore[T any](d core.Document, saver Saver[T]) (*DocumentModel[T], error) {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return nil, fmt.Errorf("data marshal failed: %w", err)
	}

	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal to target type failed: %w", err)
	}

	return &DocumentModel[T]{
		ID:      d.ID,
		Rev:     d.Rev,
		Deleted: d.Deleted,
		Data:    data,
		Saver:   saver,
	}, nil
}
