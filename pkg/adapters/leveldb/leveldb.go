// Package leveldb stores namespaces in LevelDB databases, one per namespace directory:
// {path}/{database}/{collection}/documents and .../local for the key-object store.
// Records and change events are msgpack encoded.
package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/ugorji/go/codec"

	"github.com/aretw0/strata/pkg/core"
)

// Name is the adapter name used by the platform factory.
const Name = "leveldb"

// Database directories below {path}/{database}/{collection}.
const (
	documentsDir = "documents"
	localDir     = "local"
)

// DefaultCacheSize is the number of decoded records kept per database.
const DefaultCacheSize = 1024

var (
	// recordKeyPrefix prefixes document records.
	recordKeyPrefix = []byte{'D'}
	// blobKeyPrefix prefixes attachment bytes.
	blobKeyPrefix = []byte{'A'}
	// changeKeyPrefix prefixes change events, followed by the big-endian sequence.
	changeKeyPrefix = []byte{'C'}
)

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

func init() {
	msgpackHandle.RawToString = true
	msgpackHandle.MapType = reflect.TypeOf(map[string]any(nil))
	msgpackHandle.SignedInteger = true
}

func encode(in any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, out any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(out)
}

// Config configures the adapter.
type Config struct {
	// Path is the root directory; each namespace gets its own database below it.
	Path string
	// CacheSize bounds the decoded-record cache. Defaults to DefaultCacheSize.
	CacheSize int
	// AutoCompaction compacts the database when its last handle closes.
	AutoCompaction bool
	Logger         *slog.Logger
}

// Adapter opens LevelDB backends. LevelDB locks its directory, so handles on the same
// namespace share one database.
type Adapter struct {
	config Config

	mu  sync.Mutex
	dbs map[string]*database
}

// NewAdapter creates a LevelDB adapter.
func NewAdapter(config Config) *Adapter {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Adapter{config: config, dbs: make(map[string]*database)}
}

// Name implements core.Opener.
func (a *Adapter) Name() string {
	return Name
}

type database struct {
	path    string
	db      *leveldb.DB
	cache   *lru.Cache
	refs    int
	compact bool
	logger  *slog.Logger
}

// Open implements core.Opener. Recognized options: "auto_compaction" (bool) and
// "cache_size" (int).
func (a *Adapter) Open(ctx context.Context, ns core.Namespace, options map[string]any) (core.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := a.config
	if v, ok := options["auto_compaction"].(bool); ok {
		cfg.AutoCompaction = v
	}
	if v, ok := options["cache_size"].(int); ok && v > 0 {
		cfg.CacheSize = v
	}

	path := databaseDir(cfg.Path, ns)

	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.dbs[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "create database directory failed")
		}
		db, err := leveldb.OpenFile(path, nil)
		if err != nil {
			return nil, errors.Wrap(err, "open database failed")
		}
		cache, err := lru.New(cfg.CacheSize)
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create record cache failed")
		}
		d = &database{
			path:   path,
			db:     db,
			cache:  cache,
			logger: cfg.Logger.With("adapter", Name, "store", ns.String()),
		}
		a.dbs[path] = d
		d.logger.Debug("database opened", "path", path, "cache_size", cfg.CacheSize)
	}
	d.refs++
	d.compact = d.compact || cfg.AutoCompaction
	return &Backend{adapter: a, d: d}, nil
}

// Dir returns the database directory of namespace ns.
func (a *Adapter) Dir(ns core.Namespace) string {
	return databaseDir(a.config.Path, ns)
}

func databaseDir(root string, ns core.Namespace) string {
	if ns.Local {
		return filepath.Join(root, ns.Database, ns.Collection, localDir)
	}
	return filepath.Join(root, ns.Database, ns.Collection, documentsDir)
}

func (a *Adapter) release(d *database) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d.refs--
	if d.refs > 0 {
		return nil
	}
	delete(a.dbs, d.path)

	if d.compact {
		if err := d.db.CompactRange(util.Range{}); err != nil {
			d.logger.Warn("compaction failed", "error", err)
		}
	}
	d.logger.Debug("database closed")
	return errors.Wrap(d.db.Close(), "close database failed")
}

// Backend is a handle on a shared LevelDB database.
type Backend struct {
	adapter *Adapter
	d       *database
	closed  atomic.Bool
}

var (
	_ core.Backend = (*Backend)(nil)
	_ core.Finder  = (*Backend)(nil)
)

func (b *Backend) check(ctx context.Context) error {
	if b.closed.Load() {
		return core.ErrClosed
	}
	return ctx.Err()
}

func recordKey(id string) []byte {
	return append(append([]byte(nil), recordKeyPrefix...), id...)
}

func blobKey(docID, attachmentID, digest string) []byte {
	key := append([]byte(nil), blobKeyPrefix...)
	key = append(append(key, docID...), 0)
	key = append(append(key, attachmentID...), 0)
	return append(key, digest...)
}

func changeKey(seq int64) []byte {
	key := make([]byte, len(changeKeyPrefix)+8)
	copy(key, changeKeyPrefix)
	binary.BigEndian.PutUint64(key[len(changeKeyPrefix):], uint64(seq))
	return key
}

// Get implements core.Backend.
func (b *Backend) Get(ctx context.Context, id string) (core.Record, error) {
	if err := b.check(ctx); err != nil {
		return core.Record{}, err
	}
	if v, ok := b.d.cache.Get(id); ok {
		rec := v.(core.Record)
		rec.Document = rec.Document.Clone()
		return rec, nil
	}

	data, err := b.d.db.Get(recordKey(id), nil)
	if err == leveldb.ErrNotFound {
		return core.Record{}, errors.Wrapf(core.ErrNotFound, "document %s", id)
	}
	if err != nil {
		return core.Record{}, errors.Wrap(err, "access leveldb failed")
	}

	var rec core.Record
	if err := decode(data, &rec); err != nil {
		return core.Record{}, errors.Wrapf(err, "decode record %s failed", id)
	}
	b.d.cache.Add(id, rec)
	rec.Document = rec.Document.Clone()
	return rec, nil
}

// Put implements core.Backend.
func (b *Backend) Put(ctx context.Context, rec core.Record) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	rec.Document = rec.Document.Clone()
	data, err := encode(rec)
	if err != nil {
		return errors.Wrapf(err, "encode record %s failed", rec.ID)
	}
	if err := b.d.db.Put(recordKey(rec.ID), data, nil); err != nil {
		return errors.Wrapf(err, "write record %s failed", rec.ID)
	}
	b.d.cache.Add(rec.ID, rec)
	return nil
}

// Delete implements core.Backend.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	key := recordKey(id)
	if _, err := b.d.db.Get(key, nil); err == leveldb.ErrNotFound {
		return errors.Wrapf(core.ErrNotFound, "document %s", id)
	} else if err != nil {
		return errors.Wrap(err, "access leveldb failed")
	}
	b.d.cache.Remove(id)
	return errors.Wrapf(b.d.db.Delete(key, nil), "delete record %s failed", id)
}

// All implements core.Backend.
func (b *Backend) All(ctx context.Context) ([]core.Record, error) {
	return b.Find(ctx, nil)
}

// Find implements core.Finder by scanning the record keyspace in id order.
func (b *Backend) Find(ctx context.Context, match func(core.Document) bool) ([]core.Record, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	it := b.d.db.NewIterator(util.BytesPrefix(recordKeyPrefix), nil)
	defer it.Release()

	var out []core.Record
	for it.Next() {
		var rec core.Record
		if err := decode(it.Value(), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode record %s failed", it.Key()[len(recordKeyPrefix):])
		}
		if match != nil && !match(rec.Document) {
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(it.Error(), "iterate records failed")
}

// PutAttachment implements core.Backend.
func (b *Backend) PutAttachment(ctx context.Context, docID, attachmentID, digest string, data []byte) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	return errors.Wrapf(b.d.db.Put(blobKey(docID, attachmentID, digest), data, nil),
		"write attachment %s/%s failed", docID, attachmentID)
}

// GetAttachment implements core.Backend.
func (b *Backend) GetAttachment(ctx context.Context, docID, attachmentID, digest string) ([]byte, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	data, err := b.d.db.Get(blobKey(docID, attachmentID, digest), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(core.ErrNotFound, "attachment %s/%s", docID, attachmentID)
	}
	return data, errors.Wrap(err, "access leveldb failed")
}

// AppendChange implements core.Backend.
func (b *Backend) AppendChange(ctx context.Context, ev core.ChangeEvent) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return errors.Wrapf(err, "encode change %d failed", ev.Sequence)
	}
	return errors.Wrapf(b.d.db.Put(changeKey(ev.Sequence), data, nil), "write change %d failed", ev.Sequence)
}

// Changes implements core.Backend.
func (b *Backend) Changes(ctx context.Context) ([]core.ChangeEvent, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	it := b.d.db.NewIterator(util.BytesPrefix(changeKeyPrefix), nil)
	defer it.Release()

	var out []core.ChangeEvent
	for it.Next() {
		var ev core.ChangeEvent
		if err := decode(it.Value(), &ev); err != nil {
			return nil, errors.Wrap(err, "decode change failed")
		}
		out = append(out, ev)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "iterate changes failed")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Close implements core.Backend. The database closes with its last handle.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.adapter.release(b.d)
}
