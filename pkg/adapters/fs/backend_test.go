package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/adaptertest"
	"github.com/aretw0/strata/pkg/adapters/fs"
	"github.com/aretw0/strata/pkg/attachment"
	"github.com/aretw0/strata/pkg/core"
)

var ns = core.Namespace{Database: "db", Collection: "humans"}

func TestConformance(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			adaptertest.Run(t, func(t *testing.T) core.Opener {
				return fs.NewAdapter(fs.Config{Path: t.TempDir(), Format: format})
			})
		})
	}
}

func TestBackend_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	adapter := fs.NewAdapter(fs.Config{Path: root})
	b, err := adapter.Open(ctx, ns, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Put(ctx, core.Record{Document: core.Document{ID: "users/alice", Rev: "1-a"}, Sequence: 1}))
	require.NoError(t, b.AppendChange(ctx, core.ChangeEvent{Sequence: 1, ID: "users/alice", Operation: core.OperationInsert}))

	dir := filepath.Join(root, "db", "humans")
	assert.FileExists(t, filepath.Join(dir, "docs", "users", "alice.json"))
	assert.FileExists(t, filepath.Join(dir, "changes.jsonl"))
	assert.Equal(t, dir, b.(*fs.Backend).Dir())
	assert.Equal(t, dir, adapter.Dir(ns))
}

func TestBackend_RejectsEscapingIDs(t *testing.T) {
	ctx := context.Background()
	b, err := fs.NewAdapter(fs.Config{Path: t.TempDir()}).Open(ctx, ns, nil)
	require.NoError(t, err)
	defer b.Close()

	for _, id := range []string{"../evil", "a//b", "/abs", "a/./b"} {
		err := b.Put(ctx, core.Record{Document: core.Document{ID: id}})
		assert.ErrorIs(t, err, core.ErrBadRequest, id)
	}
}

func TestBackend_ReadsExternalEdits(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := fs.NewAdapter(fs.Config{Path: root}).Open(ctx, ns, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Put(ctx, core.Record{Document: core.Document{ID: "a", Rev: "1-a"}}))
	_, err = b.Get(ctx, "a")
	require.NoError(t, err)

	// Rewrite the file behind the cache's back with a different mtime.
	file := filepath.Join(root, "db", "humans", "docs", "a.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"id": "a", "rev": "9-edited"}`), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(file, later, later))

	rec, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "9-edited", rec.Rev)
}

func TestBackend_FormatSwitch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	adapter := fs.NewAdapter(fs.Config{Path: root})

	b, err := adapter.Open(ctx, ns, map[string]any{"format": "yaml"})
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, core.Record{Document: core.Document{ID: "a", Rev: "1-a"}}))
	require.NoError(t, b.Close())

	b, err = adapter.Open(ctx, ns, nil)
	require.NoError(t, err)
	defer b.Close()

	rec, err := b.Get(ctx, "a")
	require.NoError(t, err, "records written in another format stay readable")
	assert.Equal(t, "1-a", rec.Rev)

	require.NoError(t, b.Put(ctx, core.Record{Document: core.Document{ID: "a", Rev: "2-b"}}))
	all, err := b.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "2-b", all[0].Rev)

	_, err = adapter.Open(ctx, ns, map[string]any{"format": "toml"})
	assert.Error(t, err)
}

func TestBackend_AutoCompaction(t *testing.T) {
	ctx := context.Background()
	adapter := fs.NewAdapter(fs.Config{Path: t.TempDir()})

	b, err := adapter.Open(ctx, ns, map[string]any{"auto_compaction": true})
	require.NoError(t, err)

	kept, dropped := []byte("kept"), []byte("dropped")
	require.NoError(t, b.PutAttachment(ctx, "doc", "a", attachment.Hash(kept), kept))
	require.NoError(t, b.PutAttachment(ctx, "doc", "a", attachment.Hash(dropped), dropped))
	require.NoError(t, b.Put(ctx, core.Record{Document: core.Document{
		ID:          "doc",
		Rev:         "2-x",
		Attachments: map[string]core.Attachment{"a": {Digest: attachment.Hash(kept), Length: 4}},
	}}))
	require.NoError(t, b.Close())

	b, err = adapter.Open(ctx, ns, nil)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.GetAttachment(ctx, "doc", "a", attachment.Hash(kept))
	require.NoError(t, err)
	assert.Equal(t, kept, got)

	_, err = b.GetAttachment(ctx, "doc", "a", attachment.Hash(dropped))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestBackend_MustExist(t *testing.T) {
	adapter := fs.NewAdapter(fs.Config{Path: filepath.Join(t.TempDir(), "missing"), MustExist: true})
	_, err := adapter.Open(context.Background(), ns, nil)
	assert.Error(t, err)
}

func TestBackend_State(t *testing.T) {
	ctx := context.Background()
	b, err := fs.NewAdapter(fs.Config{Path: t.TempDir(), Format: "yaml"}).Open(ctx, ns, nil)
	require.NoError(t, err)
	defer b.Close()

	state, ok := b.(*fs.Backend).State().(fs.BackendState)
	require.True(t, ok)
	assert.Equal(t, "yaml", state.Format)
	assert.Equal(t, ".strata", state.SystemDir)
	assert.Equal(t, "fs_backend", b.(*fs.Backend).ComponentType())
}
