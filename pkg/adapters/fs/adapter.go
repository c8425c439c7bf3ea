// Package fs stores documents as plain files: one JSON or YAML file per record,
// attachment blobs next to them and the change log as JSON lines.
//
// Layout of a namespace directory ({path}/{database}/{collection}, local stores
// under an extra "_local" segment):
//
//	docs/{id}.json        current record of each document
//	blobs/{doc}/{att}/..  attachment bytes keyed by digest
//	changes.jsonl         change log, one event per line
//	.strata/index.json    decoded-record cache validated by mtime
package fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/aretw0/strata/pkg/core"
)

// Name is the adapter name used by the platform factory.
const Name = "fs"

// Config holds the configuration for the filesystem adapter.
type Config struct {
	// Path is the root directory holding every database.
	Path string
	// SystemDir holds adapter bookkeeping inside each namespace, e.g. ".strata".
	SystemDir string
	// Format selects the record serializer ("json" or "yaml").
	Format string
	// Strict keeps numbers as json.Number to avoid precision loss.
	Strict bool
	// MustExist fails Open when Path does not exist instead of creating it.
	MustExist bool
	// AutoCompaction removes unreferenced attachment blobs when a backend closes.
	AutoCompaction bool
	Logger         *slog.Logger
}

// Adapter opens filesystem backends below a root directory.
type Adapter struct {
	config      Config
	serializers map[string]Serializer

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewAdapter creates a filesystem adapter.
func NewAdapter(config Config) *Adapter {
	if config.SystemDir == "" {
		config.SystemDir = ".strata"
	}
	if config.Format == "" {
		config.Format = "json"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Adapter{
		config:      config,
		serializers: DefaultSerializers(config.Strict),
		locks:       make(map[string]*sync.RWMutex),
	}
}

// WithSerializer registers a custom serializer under a format name.
func (a *Adapter) WithSerializer(format string, s Serializer) *Adapter {
	a.serializers[format] = s
	return a
}

// Name implements core.Opener.
func (a *Adapter) Name() string {
	return Name
}

// Open implements core.Opener. Recognized options: "format" (string),
// "auto_compaction" (bool) and "strict" (bool); anything else is ignored.
func (a *Adapter) Open(ctx context.Context, ns core.Namespace, options map[string]any) (core.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := a.config
	if v, ok := options["format"].(string); ok && v != "" {
		cfg.Format = v
	}
	if v, ok := options["auto_compaction"].(bool); ok {
		cfg.AutoCompaction = v
	}
	if v, ok := options["strict"].(bool); ok {
		cfg.Strict = v
	}

	serializer, ok := a.serializers[cfg.Format]
	if !ok {
		return nil, fmt.Errorf("unknown record format %q", cfg.Format)
	}
	if cfg.Strict != a.config.Strict {
		strictSet := DefaultSerializers(cfg.Strict)
		if s, ok := strictSet[cfg.Format]; ok {
			serializer = s
		}
	}

	if cfg.MustExist {
		info, err := os.Stat(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("storage path does not exist: %s", cfg.Path)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("storage path is not a directory: %s", cfg.Path)
		}
	}

	dir := namespaceDir(cfg.Path, ns)
	for _, sub := range []string{docsDir, blobsDir, cfg.SystemDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}

	b := &Backend{
		dir:         dir,
		config:      cfg,
		serializer:  serializer,
		readers:     extensions(serializer, a.serializers),
		cache:       newCache(dir, cfg.SystemDir),
		lock:        a.lockFor(dir),
		logger:      cfg.Logger.With("adapter", Name, "store", ns.String()),
		compactable: !ns.Local,
	}
	if !cfg.Strict {
		if err := b.cache.Load(); err != nil {
			b.logger.Warn("cache load failed", "error", err)
		}
	}
	b.logger.Debug("backend opened", "dir", dir, "format", cfg.Format)
	return b, nil
}

// lockFor returns the lock shared by every handle on dir.
func (a *Adapter) lockFor(dir string) *sync.RWMutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[dir]
	if !ok {
		l = &sync.RWMutex{}
		a.locks[dir] = l
	}
	return l
}

// Dir returns the directory holding namespace ns.
func (a *Adapter) Dir(ns core.Namespace) string {
	return namespaceDir(a.config.Path, ns)
}

func namespaceDir(root string, ns core.Namespace) string {
	dir := filepath.Join(root, escapeSegment(ns.Database), escapeSegment(ns.Collection))
	if ns.Local {
		dir = filepath.Join(dir, "_local")
	}
	return dir
}
