package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/strata/pkg/storage"
)

// ConfigFile is the project file discovered by FindRoot.
const ConfigFile = "strata.yaml"

// Config is the content of a strata.yaml project file.
type Config struct {
	Adapter        string `yaml:"adapter,omitempty"`
	Path           string `yaml:"path,omitempty"`
	Database       string `yaml:"database,omitempty"`
	Collection     string `yaml:"collection,omitempty"`
	PrimaryKey     string `yaml:"primary_key,omitempty"`
	Format         string `yaml:"format,omitempty"`
	Strict         bool   `yaml:"strict,omitempty"`
	AutoCompaction bool   `yaml:"auto_compaction,omitempty"`
	CacheSize      int    `yaml:"cache_size,omitempty"`
}

// DefaultConfig is used when no project file exists.
func DefaultConfig() Config {
	return Config{
		Adapter:    "fs",
		Path:       "data",
		Database:   "default",
		Collection: "docs",
		PrimaryKey: "id",
	}
}

// LoadConfig reads a project file. Missing keys keep their defaults and a relative
// path is resolved against the file's directory.
func LoadConfig(file string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(file)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", file, err)
	}
	if !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(filepath.Dir(file), cfg.Path)
	}
	return cfg, nil
}

// Options converts the file settings into functional options.
func (c Config) Options() []Option {
	opts := []Option{
		WithAdapter(c.Adapter),
		WithStrict(c.Strict),
		WithAutoCompaction(c.AutoCompaction),
	}
	if c.Format != "" {
		opts = append(opts, WithFormat(c.Format))
	}
	if c.CacheSize > 0 {
		opts = append(opts, WithCacheSize(c.CacheSize))
	}
	return opts
}

// Params returns the instance parameters named by the file.
func (c Config) Params() storage.Params {
	return storage.Params{
		DatabaseName:   c.Database,
		CollectionName: c.Collection,
		PrimaryKey:     c.PrimaryKey,
	}
}
