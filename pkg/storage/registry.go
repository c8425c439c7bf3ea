package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/aretw0/strata/pkg/attachment"
	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
)

// locator is implemented by openers whose namespaces live at a physical location.
type locator interface {
	Dir(ns core.Namespace) string
}

// storeKey identifies a logical store process-wide. Openers that report a location are
// keyed by adapter name and directory, so separate adapters on one directory share a
// sequencer; the others are keyed by their own identity.
type storeKey struct {
	opener   any
	adapter  string
	location string
	ns       core.Namespace
}

// registry holds every open logical store of the process. Each Storage keeps its own
// hold count on top of the process-wide reference count.
var registry = struct {
	mu     sync.Mutex
	stores map[storeKey]*sharedStore
}{stores: make(map[storeKey]*sharedStore)}

func keyFor(opener core.Opener, owner *Storage, ns core.Namespace) storeKey {
	if l, ok := opener.(locator); ok {
		location := l.Dir(ns)
		if abs, err := filepath.Abs(location); err == nil {
			location = abs
		}
		return storeKey{adapter: opener.Name(), location: location, ns: ns}
	}
	if reflect.TypeOf(opener).Comparable() {
		return storeKey{opener: opener, ns: ns}
	}
	return storeKey{opener: owner, ns: ns}
}

// openShared returns the store for key, opening the backend and its change log on
// first use.
func openShared(ctx context.Context, key storeKey, opener core.Opener, options map[string]any, logger *slog.Logger) (*sharedStore, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if shared, ok := registry.stores[key]; ok {
		shared.refs++
		return shared, nil
	}

	ns := key.ns
	backend, err := opener.Open(ctx, ns, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend for %s: %w", opener.Name(), ns, err)
	}
	shared := &sharedStore{key: key, ns: ns, backend: backend, refs: 1}
	if !ns.Local {
		l, err := changelog.Open(ctx, backend, logger.With("store", ns.String()))
		if err != nil {
			return nil, errors.Join(err, backend.Close())
		}
		shared.log = l
		shared.attachments = attachment.NewStore(backend, logger)
	}
	registry.stores[key] = shared
	return shared, nil
}

// closeShared drops one reference and closes the backend with the last one.
func closeShared(shared *sharedStore, logger *slog.Logger) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	shared.refs--
	if shared.refs > 0 {
		return nil
	}
	delete(registry.stores, shared.key)
	if shared.log != nil {
		shared.log.Close()
	}
	logger.Debug("backend released", "store", shared.ns.String())
	return shared.backend.Close()
}

// handles returns the process-wide handle count of shared.
func (shared *sharedStore) handles() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return shared.refs
}
