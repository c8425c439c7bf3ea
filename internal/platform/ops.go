package platform

import (
	"fmt"
	"log/slog"

	"github.com/aretw0/strata/pkg/adapters/fs"
	"github.com/aretw0/strata/pkg/adapters/leveldb"
	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/core"
)

// Init builds the adapter selected by the options.
// The 'uri' argument is adapter-specific: the root directory for fs and leveldb,
// ignored by memory.
func Init(uri string, opts ...Option) (core.Opener, error) {
	o := apply(opts)
	if o.opener != nil {
		return o.opener, nil
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	switch o.adapter {
	case memory.Name:
		return memory.NewAdapter(), nil
	case fs.Name:
		return initFS(uri, o)
	case leveldb.Name:
		return initLevelDB(uri, o), nil
	default:
		return nil, fmt.Errorf("unknown adapter: %s", o.adapter)
	}
}

// resolvePath applies the dev sandbox to a user path.
func resolvePath(path string, o *options) (string, bool) {
	tempDir, _ := o.config["temp_dir"].(bool)
	devSafety := true
	if val, ok := o.config["dev_safety"].(bool); ok {
		devSafety = val
	}

	useTemp := tempDir || (IsDevRun() && devSafety)
	resolved := ResolvePath(path, useTemp)
	if useTemp && resolved != path {
		o.logger.Warn("running in SAFE MODE (Dev/Test)", "original_path", path, "resolved_path", resolved)
	}
	return resolved, useTemp
}

// initFS handles the initialization logic for the filesystem adapter.
func initFS(path string, o *options) (core.Opener, error) {
	mustExist, _ := o.config["must_exist"].(bool)
	strict, _ := o.config["strict"].(bool)
	autoCompaction, _ := o.config["auto_compaction"].(bool)
	format, _ := o.config["format"].(string)
	systemDir, _ := o.config["system_dir"].(string)

	resolved, _ := resolvePath(path, o)

	adapter := fs.NewAdapter(fs.Config{
		Path:           resolved,
		SystemDir:      systemDir,
		Format:         format,
		Strict:         strict,
		MustExist:      mustExist,
		AutoCompaction: autoCompaction,
		Logger:         o.logger,
	})

	for name, s := range o.serializers {
		serializer, ok := s.(fs.Serializer)
		if !ok {
			o.logger.Warn("invalid serializer type ignored", "format", name, "expected", "fs.Serializer")
			return nil, fmt.Errorf("serializer for %s must implement fs.Serializer", name)
		}
		adapter.WithSerializer(name, serializer)
	}
	return adapter, nil
}

// initLevelDB handles the initialization logic for the LevelDB adapter.
func initLevelDB(path string, o *options) core.Opener {
	autoCompaction, _ := o.config["auto_compaction"].(bool)
	cacheSize, _ := o.config["cache_size"].(int)

	resolved, _ := resolvePath(path, o)
	return leveldb.NewAdapter(leveldb.Config{
		Path:           resolved,
		CacheSize:      cacheSize,
		AutoCompaction: autoCompaction,
		Logger:         o.logger,
	})
}
