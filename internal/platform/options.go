package platform

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/strata/pkg/core"
)

// options holds the internal configuration for a Strata storage.
type options struct {
	opener      core.Opener
	logger      *slog.Logger
	registerer  prometheus.Registerer
	adapter     string
	config      map[string]interface{}
	serializers map[string]any
}

// Option defines a functional option for configuring Strata.
type Option func(*options)

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		adapter:     "fs",
		config:      make(map[string]interface{}),
		serializers: make(map[string]any),
	}
}

func apply(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSerializer registers a custom record format for the fs adapter.
// The serializer 's' must implement fs.Serializer; the check happens in Init.
func WithSerializer(format string, s any) Option {
	return func(o *options) {
		o.serializers[format] = s
	}
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return func(o *options) {
		o.config["temp_dir"] = force
	}
}

// WithMustExist ensures the storage directory must already exist.
func WithMustExist(must bool) Option {
	return func(o *options) {
		o.config["must_exist"] = must
	}
}

// WithLogger sets the logger for the storage and its adapter.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the storage metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithOpener injects a custom adapter (e.g. a mock).
// If provided, the adapter selected by name is skipped.
func WithOpener(opener core.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithAdapter selects the storage adapter by name ("fs", "leveldb" or "memory").
// Defaults to "fs".
func WithAdapter(name string) Option {
	return func(o *options) {
		o.adapter = name
	}
}

// WithSystemDir sets the hidden bookkeeping directory of the fs adapter.
// Defaults to ".strata".
func WithSystemDir(name string) Option {
	return func(o *options) {
		o.config["system_dir"] = name
	}
}

// WithFormat selects the fs record format ("json" or "yaml").
func WithFormat(format string) Option {
	return func(o *options) {
		o.config["format"] = format
	}
}

// WithStrict enables strict mode for the fs serializers.
// Numbers are then parsed as json.Number to preserve precision of large integers.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.config["strict"] = strict
	}
}

// WithAutoCompaction enables adapter compaction when a store's last handle closes.
func WithAutoCompaction(enabled bool) Option {
	return func(o *options) {
		o.config["auto_compaction"] = enabled
	}
}

// WithCacheSize bounds the leveldb record cache.
func WithCacheSize(size int) Option {
	return func(o *options) {
		o.config["cache_size"] = size
	}
}

// WithDevSafety controls the sandbox used when running via `go run`.
// By default (true), Strata forces a temporary directory to prevent accidental data loss.
//
// CAUTION: Only disable this if you are sure your code is safe.
func WithDevSafety(enabled bool) Option {
	return func(o *options) {
		o.config["dev_safety"] = enabled
	}
}
