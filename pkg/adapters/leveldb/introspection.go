package leveldb

import (
	"github.com/aretw0/introspection"
)

// BackendState exposes internal state for observability.
type BackendState struct {
	Path           string `json:"path"`
	Handles        int    `json:"handles"`
	CachedRecords  int    `json:"cached_records"`
	AutoCompaction bool   `json:"auto_compaction"`
	Closed         bool   `json:"closed"`
}

// State implements introspection.Introspectable.
func (b *Backend) State() any {
	b.adapter.mu.Lock()
	refs, compact := b.d.refs, b.d.compact
	b.adapter.mu.Unlock()

	return BackendState{
		Path:           b.d.path,
		Handles:        refs,
		CachedRecords:  b.d.cache.Len(),
		AutoCompaction: compact,
		Closed:         b.closed.Load(),
	}
}

// ComponentType implements introspection.Component.
func (b *Backend) ComponentType() string {
	return "leveldb_backend"
}

var _ introspection.Introspectable = (*Backend)(nil)
var _ introspection.Component = (*Backend)(nil)
