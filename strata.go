package strata

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/strata/internal/platform"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/storage"
)

// --- Types ---

// Storage is the entry point: it opens storage instances over one adapter.
type Storage = storage.Storage

// Params names the collection an instance opens.
type Params = storage.Params

// Instance is a document storage instance.
type Instance = storage.Instance

// LocalInstance is a key-object storage instance.
type LocalInstance = storage.LocalInstance

// Document is the stored entity.
type Document = core.Document

// Config is the content of a strata.yaml project file.
type Config = platform.Config

// --- Configuration ---

// Option defines a functional option for configuring Strata.
type Option = platform.Option

// WithAdapter selects the storage adapter by name ("fs", "leveldb" or "memory").
func WithAdapter(name string) Option {
	return platform.WithAdapter(name)
}

// WithOpener injects a custom adapter.
func WithOpener(opener core.Opener) Option {
	return platform.WithOpener(opener)
}

// WithLogger sets the logger for the storage and its adapter.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithRegisterer registers the storage metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return platform.WithRegisterer(reg)
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return platform.WithForceTemp(force)
}

// WithMustExist ensures the storage directory must already exist.
func WithMustExist(must bool) Option {
	return platform.WithMustExist(must)
}

// WithSystemDir sets the hidden bookkeeping directory of the fs adapter.
func WithSystemDir(name string) Option {
	return platform.WithSystemDir(name)
}

// WithFormat selects the fs record format ("json" or "yaml").
func WithFormat(format string) Option {
	return platform.WithFormat(format)
}

// WithStrict preserves large integers in the fs serializers.
func WithStrict(strict bool) Option {
	return platform.WithStrict(strict)
}

// WithAutoCompaction enables adapter compaction when a store's last handle closes.
func WithAutoCompaction(enabled bool) Option {
	return platform.WithAutoCompaction(enabled)
}

// WithCacheSize bounds the leveldb record cache.
func WithCacheSize(size int) Option {
	return platform.WithCacheSize(size)
}

// WithDevSafety controls the sandbox used when running via `go run`.
func WithDevSafety(enabled bool) Option {
	return platform.WithDevSafety(enabled)
}

// --- Factory ---

// New creates a Storage rooted at uri.
func New(uri string, opts ...Option) (*Storage, error) {
	return platform.New(uri, opts...)
}

// Init builds the adapter selected by opts without wrapping it in a Storage.
func Init(uri string, opts ...Option) (core.Opener, error) {
	return platform.Init(uri, opts...)
}

// Open creates a Storage and opens one document instance on it.
func Open(ctx context.Context, uri string, p Params, opts ...Option) (*Instance, error) {
	st, err := New(uri, opts...)
	if err != nil {
		return nil, err
	}
	return st.CreateStorageInstance(ctx, p)
}

// DefaultConfig is used when no project file exists.
func DefaultConfig() Config {
	return platform.DefaultConfig()
}

// ConfigFile is the project file name.
const ConfigFile = platform.ConfigFile

// LoadConfig reads a strata.yaml project file.
func LoadConfig(file string) (Config, error) {
	return platform.LoadConfig(file)
}

// --- Safety & Utils ---

// ResolvePath determines the actual storage path based on safety rules.
func ResolvePath(userPath string, forceTemp bool) string {
	return platform.ResolvePath(userPath, forceTemp)
}

// IsDevRun checks if the current process is running via `go run` or `go test`.
func IsDevRun() bool {
	return platform.IsDevRun()
}

// FindRoot looks upwards for a strata.yaml file or .strata directory.
func FindRoot(startDir string) (string, error) {
	return platform.FindRoot(startDir)
}
