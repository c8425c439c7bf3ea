package fs

import (
	"bufio"
	"context"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aretw0/strata/pkg/core"
)

const (
	docsDir     = "docs"
	blobsDir    = "blobs"
	changesFile = "changes.jsonl"
)

// base32Enc uses the "Extended Hex" alphabet (0-9A-V), which is ASCII-sorted and
// safe on case-insensitive filesystems.
var base32Enc = base32.HexEncoding.WithPadding(base32.NoPadding)

// Backend is a handle on one namespace directory.
type Backend struct {
	dir         string
	config      Config
	serializer  Serializer
	readers     []Serializer
	cache       *cache
	lock        *sync.RWMutex
	logger      *slog.Logger
	compactable bool
	closed      atomic.Bool
}

var _ core.Backend = (*Backend)(nil)

// Dir returns the namespace directory.
func (b *Backend) Dir() string {
	return b.dir
}

// ChangesPath returns the path of the change log file.
func (b *Backend) ChangesPath() string {
	return filepath.Join(b.dir, changesFile)
}

func (b *Backend) check(ctx context.Context) error {
	if b.closed.Load() {
		return core.ErrClosed
	}
	return ctx.Err()
}

// Get implements core.Backend.
func (b *Backend) Get(ctx context.Context, id string) (core.Record, error) {
	if err := b.check(ctx); err != nil {
		return core.Record{}, err
	}
	rel, err := docPath(id)
	if err != nil {
		return core.Record{}, err
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	for _, s := range b.readers {
		rec, err := b.read(rel+s.Ext(), s)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return core.Record{}, err
		}
		return rec, nil
	}
	return core.Record{}, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
}

// read decodes the record at rel (relative to the docs dir), using the cache when
// the file is unchanged.
func (b *Backend) read(rel string, s Serializer) (core.Record, error) {
	full := filepath.Join(b.dir, docsDir, rel)
	info, err := os.Stat(full)
	if err != nil {
		return core.Record{}, err
	}
	if entry, ok := b.cache.Get(rel, info.ModTime()); ok {
		rec := entry.Record
		rec.Document = rec.Document.Clone()
		return rec, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return core.Record{}, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	rec, err := s.Unmarshal(data)
	if err != nil {
		return core.Record{}, fmt.Errorf("failed to parse %s: %w", rel, err)
	}
	b.cache.Set(rel, &indexEntry{Record: rec, LastModified: info.ModTime()})
	rec.Document = rec.Document.Clone()
	return rec, nil
}

// Put implements core.Backend.
func (b *Backend) Put(ctx context.Context, rec core.Record) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	rel, err := docPath(rec.ID)
	if err != nil {
		return err
	}
	rec.Document = rec.Document.Clone()
	data, err := b.serializer.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", rec.ID, err)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	file := rel + b.serializer.Ext()
	full := filepath.Join(b.dir, docsDir, file)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rec.ID, err)
	}
	if err := writeFileAtomic(full, data, 0644); err != nil {
		return err
	}
	// A record written in another format before must not shadow this one.
	for _, s := range b.readers[1:] {
		stale := rel + s.Ext()
		if err := os.Remove(filepath.Join(b.dir, docsDir, stale)); err == nil {
			b.cache.Delete(stale)
		}
	}

	if info, err := os.Stat(full); err == nil {
		b.cache.Set(file, &indexEntry{Record: rec, LastModified: info.ModTime()})
	}
	return nil
}

// Delete implements core.Backend.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	rel, err := docPath(id)
	if err != nil {
		return err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	removed := false
	for _, s := range b.readers {
		file := rel + s.Ext()
		err := os.Remove(filepath.Join(b.dir, docsDir, file))
		if err == nil {
			removed = true
			b.cache.Delete(file)
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
	}
	if !removed {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	if err := os.RemoveAll(filepath.Join(b.dir, blobsDir, escapeSegment(id))); err != nil {
		b.logger.Warn("failed to remove attachments", "id", id, "error", err)
	}
	return nil
}

// All implements core.Backend. Records are returned in file walk order.
func (b *Backend) All(ctx context.Context) ([]core.Record, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	return b.all()
}

func (b *Backend) all() ([]core.Record, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	byExt := make(map[string]Serializer, len(b.readers))
	for _, s := range b.readers {
		byExt[s.Ext()] = s
	}

	root := filepath.Join(b.dir, docsDir)
	seen := make(map[string]bool)
	var out []core.Record
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), TempFilePrefix) {
			return nil
		}
		s, ok := byExt[filepath.Ext(path)]
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		rec, err := b.read(rel, s)
		if err != nil {
			b.logger.Warn("skipping unreadable record", "file", rel, "error", err)
			return nil
		}
		if seen[rec.ID] {
			return nil
		}
		seen[rec.ID] = true
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	keep := make(map[string]bool, len(seen))
	for id := range seen {
		rel, _ := docPath(id)
		for _, s := range b.readers {
			keep[rel+s.Ext()] = true
		}
	}
	b.cache.Prune(keep)
	return out, nil
}

// PutAttachment implements core.Backend. Identical bytes under the same key are
// written once.
func (b *Backend) PutAttachment(ctx context.Context, docID, attachmentID, digest string, data []byte) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	path, err := b.blobPath(docID, attachmentID, digest)
	if err != nil {
		return err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

// GetAttachment implements core.Backend.
func (b *Backend) GetAttachment(ctx context.Context, docID, attachmentID, digest string) ([]byte, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	path, err := b.blobPath(docID, attachmentID, digest)
	if err != nil {
		return nil, err
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("attachment %s/%s: %w", docID, attachmentID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s/%s: %w", docID, attachmentID, err)
	}
	return data, nil
}

// AppendChange implements core.Backend.
func (b *Backend) AppendChange(ctx context.Context, ev core.ChangeEvent) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change %d: %w", ev.Sequence, err)
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	return appendLine(b.ChangesPath(), data)
}

// Changes implements core.Backend.
func (b *Backend) Changes(ctx context.Context) ([]core.ChangeEvent, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	events, _, err := readChanges(b.ChangesPath(), 0)
	return events, err
}

// readChanges decodes the change log from offset and returns the offset after the last
// complete line. A trailing partial line is left for the next read.
func readChanges(path string, offset int64) ([]core.ChangeEvent, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("failed to open change log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("failed to seek change log: %w", err)
	}

	var events []core.ChangeEvent
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// EOF or a partial line: stop before it.
			break
		}
		offset += int64(len(line))
		line = line[:len(line)-1]
		if len(line) == 0 {
			continue
		}
		var ev core.ChangeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return events, offset, fmt.Errorf("corrupted change log entry at offset %d: %w", offset, err)
		}
		events = append(events, ev)
	}
	return events, offset, nil
}

// Close implements core.Backend. It flushes the record cache and, with auto
// compaction, removes blobs no stored record references.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if b.config.AutoCompaction && b.compactable {
		if err := b.compact(); err != nil {
			errs = append(errs, err)
		}
	}
	if !b.config.Strict {
		if err := b.cache.Save(); err != nil {
			errs = append(errs, fmt.Errorf("failed to save cache: %w", err))
		}
	}
	b.logger.Debug("backend closed")
	return errors.Join(errs...)
}

// compact deletes attachment blobs that no current record references.
func (b *Backend) compact() error {
	records, err := b.all()
	if err != nil {
		return err
	}

	used := make(map[string]bool)
	for _, rec := range records {
		for attID, att := range rec.Attachments {
			if p, err := b.blobPath(rec.ID, attID, att.Digest); err == nil {
				used[p] = true
			}
		}
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	root := filepath.Join(b.dir, blobsDir)
	removed := 0
	var errs []error
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || used[path] {
			return err
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	b.logger.Debug("compaction finished", "removed_blobs", removed)
	return errors.Join(errs...)
}

func (b *Backend) blobPath(docID, attachmentID, digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, "sha256-")
	if !ok {
		return "", fmt.Errorf("%w: unsupported digest %q", core.ErrBadRequest, digest)
	}
	sum, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed digest %q", core.ErrBadRequest, digest)
	}
	return filepath.Join(b.dir, blobsDir, escapeSegment(docID), escapeSegment(attachmentID), base32Enc.EncodeToString(sum)), nil
}

// docPath maps an id to a relative path without extension. Ids may contain "/" to
// nest records in directories; empty segments and dot segments are rejected.
func docPath(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty document id", core.ErrBadRequest)
	}
	parts := strings.Split(id, "/")
	for i, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", fmt.Errorf("%w: invalid document id %q", core.ErrBadRequest, id)
		}
		parts[i] = escapeSegment(p)
	}
	return strings.Join(parts, "/"), nil
}

// escapeSegment makes s safe as a single path element.
func escapeSegment(s string) string {
	return url.PathEscape(s)
}
