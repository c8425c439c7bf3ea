package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lifecycle"
	"github.com/mohae/deepcopy"

	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/query"
	"github.com/aretw0/strata/pkg/revision"
)

// Instance is a handle on a replicated document collection.
type Instance struct {
	storage *Storage
	shared  *sharedStore
	params  Params
	logger  *slog.Logger
	closed  atomic.Bool

	mu   sync.Mutex
	subs map[*changelog.Subscription]struct{}
}

// Params returns the parameters the instance was created with.
func (i *Instance) Params() Params {
	return i.params
}

func (i *Instance) check(ctx context.Context) error {
	if i.closed.Load() {
		return core.ErrClosed
	}
	return ctx.Err()
}

// BulkWrite applies rows with optimistic concurrency. Every row is decided on its own:
// accepted rows land in Success keyed by id, rejected ones in Error. The returned error
// is only set when the whole call failed (closed instance, cancelled context).
func (i *Instance) BulkWrite(ctx context.Context, rows []core.WriteRow) (core.BulkWriteResult, error) {
	result := core.BulkWriteResult{
		Success: make(map[string]core.Document),
		Error:   make(map[string]*core.WriteError),
	}
	if err := i.check(ctx); err != nil {
		return result, err
	}

	i.shared.writeMu.Lock()
	defer i.shared.writeMu.Unlock()

	// current tracks the stored state as rows of this call commit.
	current := make(map[string]*core.Document, len(rows))
	for n, row := range rows {
		doc := writable(row.Document)
		i.resolveID(&doc)
		if doc.ID == "" {
			key := "#" + strconv.Itoa(n)
			result.Error[key] = i.reject(&core.WriteError{
				Status:   core.StatusBadRequest,
				Document: doc.Clone(),
				Err:      fmt.Errorf("%w: row %d has no document id", core.ErrBadRequest, n),
			})
			continue
		}

		stored, ok := current[doc.ID]
		if !ok {
			var err error
			stored, err = i.stored(ctx, doc.ID)
			if err != nil {
				return result, err
			}
			current[doc.ID] = stored
		}

		var baseRev string
		if row.Previous != nil {
			baseRev = row.Previous.Rev
		}
		if conflicts(baseRev, row.Previous != nil, stored) {
			result.Error[doc.ID] = i.reject(core.NewConflict(doc.Clone(), cloneDoc(stored)))
			continue
		}

		committed, err := i.commit(ctx, doc, stored, "")
		if err != nil {
			if errors.Is(err, core.ErrClosed) || ctx.Err() != nil {
				return result, err
			}
			result.Error[doc.ID] = i.reject(&core.WriteError{
				DocumentID: doc.ID,
				Status:     core.StatusFor(err),
				Document:   doc.Clone(),
				Existing:   cloneDoc(stored),
				Err:        err,
			})
			continue
		}
		current[doc.ID] = &committed
		result.Success[doc.ID] = committed.Clone()
	}
	return result, nil
}

// BulkAddRevisions stores documents with the revisions they already carry, without
// conflict detection. Items that cannot be stored are skipped and reported in the
// joined error; the others are applied.
func (i *Instance) BulkAddRevisions(ctx context.Context, docs []core.Document) error {
	if err := i.check(ctx); err != nil {
		return err
	}

	i.shared.writeMu.Lock()
	defer i.shared.writeMu.Unlock()

	var errs []error
	for n, d := range docs {
		doc := writable(d)
		i.resolveID(&doc)
		if doc.ID == "" {
			errs = append(errs, fmt.Errorf("%w: document %d has no id", core.ErrBadRequest, n))
			continue
		}
		if _, err := revision.Parse(doc.Rev); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", doc.ID, err))
			continue
		}
		stored, err := i.stored(ctx, doc.ID)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		if _, err := i.commit(ctx, doc, stored, doc.Rev); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", doc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// commit persists attachments, assigns the revision (forced when rev is set), appends
// the change event and writes the record under the assigned sequence.
func (i *Instance) commit(ctx context.Context, doc core.Document, stored *core.Document, rev string) (core.Document, error) {
	if err := i.shared.attachments.Prepare(ctx, &doc, stored); err != nil {
		return core.Document{}, err
	}

	if rev == "" {
		var prev string
		if stored != nil {
			prev = stored.Rev
		}
		next, err := revision.Next(prev, doc)
		if err != nil {
			return core.Document{}, err
		}
		rev = next
	}
	doc.Rev = rev
	doc = doc.Clone()

	op := core.Classify(stored, doc)
	ev := core.ChangeEvent{ID: doc.ID, Operation: op, Doc: &doc}
	if op != core.OperationInsert {
		ev.Previous = cloneDoc(stored)
	}

	committed, err := i.shared.log.Append(ctx, ev, func(seq int64) error {
		return i.shared.backend.Put(ctx, core.Record{Document: doc, Sequence: seq})
	})
	if err != nil {
		return core.Document{}, err
	}

	i.storage.metrics.writes.WithLabelValues(i.params.DatabaseName, i.params.CollectionName, string(op)).Inc()
	i.logger.Debug("document written", "id", doc.ID, "rev", doc.Rev, "operation", op, "sequence", committed.Sequence)
	return doc, nil
}

func (i *Instance) reject(werr *core.WriteError) *core.WriteError {
	i.storage.metrics.rejected.WithLabelValues(i.params.DatabaseName, i.params.CollectionName, strconv.Itoa(werr.Status)).Inc()
	i.logger.Debug("write rejected", "id", werr.DocumentID, "status", werr.Status, "error", werr.Err)
	return werr
}

// resolveID fills the id from the primary-key field and mirrors it back into Data.
func (i *Instance) resolveID(doc *core.Document) {
	mirrorPrimaryKey(doc, i.params.PrimaryKey)
}

func mirrorPrimaryKey(doc *core.Document, pk string) {
	if pk == "" || pk == core.FieldID {
		return
	}
	if doc.ID == "" {
		if v, ok := doc.Data[pk].(string); ok {
			doc.ID = v
		}
	}
	if doc.ID == "" {
		return
	}
	if doc.Data == nil {
		doc.Data = make(map[string]any)
	}
	doc.Data[pk] = doc.ID
}

// stored returns the current record for id, or nil when there is none.
func (i *Instance) stored(ctx context.Context, id string) (*core.Document, error) {
	rec, err := i.shared.backend.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	return &rec.Document, nil
}

// FindDocumentsByID returns the live documents among ids. Deleted and unknown ids are
// absent from the result.
func (i *Instance) FindDocumentsByID(ctx context.Context, ids []string) (map[string]core.Document, error) {
	if err := i.check(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]core.Document, len(ids))
	for _, id := range ids {
		doc, err := i.stored(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc == nil || doc.Deleted {
			continue
		}
		out[id] = *doc
	}
	return out, nil
}

// PrepareQuery validates q.
func (i *Instance) PrepareQuery(q query.Query) (*query.Prepared, error) {
	return query.Prepare(q)
}

// QueryMatcher returns the predicate of a prepared query.
func (i *Instance) QueryMatcher(p *query.Prepared) func(core.Document) bool {
	return p.Matcher()
}

// SortComparator returns the total order of a prepared query.
func (i *Instance) SortComparator(p *query.Prepared) func(a, b core.Document) int {
	return p.Comparator()
}

// Query returns the live documents matching p in its sort order.
func (i *Instance) Query(ctx context.Context, p *query.Prepared) ([]core.Document, error) {
	if err := i.check(ctx); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: nil query", core.ErrInvalidQuery)
	}

	match := p.Matcher()
	live := func(d core.Document) bool {
		return !d.Deleted && match(d)
	}

	var (
		records []core.Record
		err     error
	)
	if finder, ok := i.shared.backend.(core.Finder); ok {
		records, err = finder.Find(ctx, live)
	} else {
		records, err = i.shared.backend.All(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	candidates := make([]core.Document, 0, len(records))
	for _, rec := range records {
		if live(rec.Document) {
			candidates = append(candidates, rec.Document)
		}
	}
	return p.Apply(candidates), nil
}

// GetChanges returns a page of the change log.
func (i *Instance) GetChanges(ctx context.Context, opts changelog.ChangesOptions) (changelog.ChangesResult, error) {
	if err := i.check(ctx); err != nil {
		return changelog.ChangesResult{}, err
	}
	return i.shared.log.Changes(opts), nil
}

// LastSequence returns the newest sequence of the store.
func (i *Instance) LastSequence(ctx context.Context) (int64, error) {
	if err := i.check(ctx); err != nil {
		return 0, err
	}
	return i.shared.log.LastSequence(), nil
}

// ChangeStream subscribes to committed changes of the store, including those made
// through other instances. The subscription ends with ctx, Unsubscribe or Close.
func (i *Instance) ChangeStream(ctx context.Context, opts changelog.StreamOptions) (*changelog.Subscription, error) {
	if err := i.check(ctx); err != nil {
		return nil, err
	}
	sub, err := i.shared.log.Subscribe(ctx, opts)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.subs[sub] = struct{}{}
	i.mu.Unlock()

	lifecycle.Go(context.Background(), func(context.Context) error {
		<-sub.Done()
		i.mu.Lock()
		delete(i.subs, sub)
		i.mu.Unlock()
		return nil
	})
	return sub, nil
}

// GetAttachmentData returns the bytes of an attachment of the current revision of docID.
func (i *Instance) GetAttachmentData(ctx context.Context, docID, attachmentID string) ([]byte, error) {
	if err := i.check(ctx); err != nil {
		return nil, err
	}
	doc, err := i.stored(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s: %w", docID, core.ErrNotFound)
	}
	return i.shared.attachments.Data(ctx, *doc, attachmentID)
}

// Close releases the handle and ends its subscriptions. Closing twice is a no-op.
func (i *Instance) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}

	i.mu.Lock()
	subs := make([]*changelog.Subscription, 0, len(i.subs))
	for sub := range i.subs {
		subs = append(subs, sub)
	}
	i.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	i.logger.Debug("storage instance closed")
	return i.storage.release(i.shared)
}

// writable copies a caller document so that the write path never aliases caller state.
// Attachment payloads are kept.
func writable(d core.Document) core.Document {
	out := core.Document{ID: d.ID, Rev: d.Rev, Deleted: d.Deleted}
	if d.Data != nil {
		out.Data = deepcopy.Copy(d.Data).(map[string]any)
	}
	if d.Attachments != nil {
		out.Attachments = make(map[string]core.Attachment, len(d.Attachments))
		for k, a := range d.Attachments {
			out.Attachments[k] = a
		}
	}
	return out
}

func cloneDoc(d *core.Document) *core.Document {
	if d == nil {
		return nil
	}
	c := d.Clone()
	return &c
}
