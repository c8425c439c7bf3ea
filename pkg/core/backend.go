package core

import "context"

// Namespace identifies a logical store: every handle opened with the same namespace
// observes the same documents, sequence counter and change log.
type Namespace struct {
	Database   string
	Collection string
	// Local selects the key-object store that lives next to the collection.
	Local bool
}

func (n Namespace) String() string {
	s := n.Database + "/" + n.Collection
	if n.Local {
		s += "/_local"
	}
	return s
}

// Backend defines the contract a physical store must satisfy.
// Adhering to this interface keeps the engine independent of the underlying
// storage mechanism (memory, filesystem, LevelDB, ...).
type Backend interface {
	// Get returns the stored record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Put replaces or inserts the record atomically.
	Put(ctx context.Context, rec Record) error

	// Delete physically removes a record. Only key-object stores use it;
	// replicated documents are tombstoned through Put.
	Delete(ctx context.Context, id string) error

	// All returns every stored record, tombstones included.
	All(ctx context.Context) ([]Record, error)

	// PutAttachment stores attachment bytes keyed by (docID, attachmentID, digest).
	PutAttachment(ctx context.Context, docID, attachmentID, digest string, data []byte) error

	// GetAttachment reads attachment bytes, or returns ErrNotFound.
	GetAttachment(ctx context.Context, docID, attachmentID, digest string) ([]byte, error)

	// AppendChange durably appends an event to the change log.
	AppendChange(ctx context.Context, ev ChangeEvent) error

	// Changes returns the persisted change log in sequence order.
	Changes(ctx context.Context) ([]ChangeEvent, error)

	// Close releases the handle. Committed state must survive for other handles.
	Close() error
}

// Finder is implemented by backends with native query support. The predicate may
// be evaluated partially or not at all; callers always re-apply it.
type Finder interface {
	Find(ctx context.Context, match func(Document) bool) ([]Record, error)
}

// Opener opens backends by namespace. Options are adapter specific and passed through untouched.
type Opener interface {
	// Name identifies the adapter (e.g. "memory", "fs", "leveldb").
	Name() string
	Open(ctx context.Context, ns Namespace, options map[string]any) (Backend, error)
}
