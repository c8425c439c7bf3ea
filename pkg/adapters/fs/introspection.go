package fs

import (
	"github.com/aretw0/introspection"
)

// BackendState exposes internal state for observability.
type BackendState struct {
	Dir            string `json:"dir"`
	SystemDir      string `json:"system_dir"`
	Format         string `json:"format"`
	CacheSize      int    `json:"cache_size"`
	Strict         bool   `json:"strict"`
	AutoCompaction bool   `json:"auto_compaction"`
	Closed         bool   `json:"closed"`
}

// State implements introspection.Introspectable.
func (b *Backend) State() any {
	return BackendState{
		Dir:            b.dir,
		SystemDir:      b.config.SystemDir,
		Format:         b.config.Format,
		CacheSize:      b.cache.Len(),
		Strict:         b.config.Strict,
		AutoCompaction: b.config.AutoCompaction,
		Closed:         b.closed.Load(),
	}
}

// ComponentType implements introspection.Component.
func (b *Backend) ComponentType() string {
	return "fs_backend"
}

var _ introspection.Introspectable = (*Backend)(nil)
var _ introspection.Component = (*Backend)(nil)

// FollowerState exposes the follower progress.
type FollowerState struct {
	Path      string `json:"path"`
	Offset    int64  `json:"offset"`
	Delivered int64  `json:"delivered"`
	Active    bool   `json:"active"`
}

// Inspect returns the follower progress. State is taken by the worker contract.
func (f *Follower) Inspect() FollowerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FollowerState{
		Path:      f.path,
		Offset:    f.offset,
		Delivered: f.delivered,
		Active:    f.active,
	}
}
