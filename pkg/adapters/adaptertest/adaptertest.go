// Package adaptertest is a conformance suite every core.Opener must pass.
package adaptertest

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/attachment"
	"github.com/aretw0/strata/pkg/core"
)

// Factory returns an opener whose state persists across Open calls for the duration of
// the test. Options are forwarded to Open.
type Factory func(t *testing.T) core.Opener

var ns = core.Namespace{Database: "conformance", Collection: "docs"}

// Run executes the conformance suite against openers built by newOpener.
func Run(t *testing.T, newOpener Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newOpener(t)) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newOpener(t)) })
	t.Run("AllIncludesTombstones", func(t *testing.T) { testAll(t, newOpener(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newOpener(t)) })
	t.Run("Attachments", func(t *testing.T) { testAttachments(t, newOpener(t)) })
	t.Run("ChangesSurviveReopen", func(t *testing.T) { testChanges(t, newOpener(t)) })
	t.Run("NamespacesAreIsolated", func(t *testing.T) { testIsolation(t, newOpener(t)) })
	t.Run("ClosedHandle", func(t *testing.T) { testClosed(t, newOpener(t)) })
}

func open(t *testing.T, o core.Opener, ns core.Namespace) core.Backend {
	t.Helper()
	b, err := o.Open(context.Background(), ns, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func record(id string, seq int64) core.Record {
	return core.Record{
		Document: core.Document{
			ID:   id,
			Rev:  "1-abc",
			Data: map[string]any{"name": id, "nested": map[string]any{"n": 1}},
		},
		Sequence: seq,
	}
}

func testGetMissing(t *testing.T, o core.Opener) {
	b := open(t, o, ns)
	_, err := b.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testPutGet(t *testing.T, o core.Opener) {
	ctx := context.Background()
	b := open(t, o, ns)

	rec := record("users/alice", 1)
	rec.Attachments = map[string]core.Attachment{
		"avatar": {ContentType: "image/png", Length: 3, Digest: attachment.Hash([]byte("png"))},
	}
	require.NoError(t, b.Put(ctx, rec))

	got, err := b.Get(ctx, "users/alice")
	require.NoError(t, err)
	assert.Equal(t, "users/alice", got.ID)
	assert.Equal(t, "1-abc", got.Rev)
	assert.Equal(t, int64(1), got.Sequence)
	assert.Equal(t, "users/alice", got.Data["name"])
	assert.EqualValues(t, 1, got.Data["nested"].(map[string]any)["n"])
	assert.Equal(t, rec.Attachments["avatar"].Digest, got.Attachments["avatar"].Digest)

	// Mutating the returned record never leaks into the store.
	got.Data["name"] = "mallory"
	again, err := b.Get(ctx, "users/alice")
	require.NoError(t, err)
	assert.Equal(t, "users/alice", again.Data["name"])

	rec.Rev = "2-def"
	rec.Sequence = 2
	require.NoError(t, b.Put(ctx, rec))
	got, err = b.Get(ctx, "users/alice")
	require.NoError(t, err)
	assert.Equal(t, "2-def", got.Rev)

	// A second handle sees the same state.
	other := open(t, o, ns)
	got, err = other.Get(ctx, "users/alice")
	require.NoError(t, err)
	assert.Equal(t, "2-def", got.Rev)
}

func testAll(t *testing.T, o core.Opener) {
	ctx := context.Background()
	b := open(t, o, ns)

	require.NoError(t, b.Put(ctx, record("a", 1)))
	tomb := record("b", 2)
	tomb.Deleted = true
	require.NoError(t, b.Put(ctx, tomb))
	require.NoError(t, b.Put(ctx, record("dir/c", 3)))

	all, err := b.All(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, rec := range all {
		ids = append(ids, rec.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b", "dir/c"}, ids)
}

func testDelete(t *testing.T, o core.Opener) {
	ctx := context.Background()
	b := open(t, o, ns)

	require.NoError(t, b.Put(ctx, record("gone", 1)))
	require.NoError(t, b.Delete(ctx, "gone"))

	_, err := b.Get(ctx, "gone")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, b.Delete(ctx, "gone"), core.ErrNotFound)
}

func testAttachments(t *testing.T, o core.Opener) {
	ctx := context.Background()
	b := open(t, o, ns)

	data := []byte("barfoo")
	digest := attachment.Hash(data)
	require.NoError(t, b.PutAttachment(ctx, "doc", "foo", digest, data))
	require.NoError(t, b.PutAttachment(ctx, "doc", "foo", digest, data), "rewriting identical bytes is fine")

	got, err := b.GetAttachment(ctx, "doc", "foo", digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = b.GetAttachment(ctx, "doc", "bar", digest)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = b.GetAttachment(ctx, "other", "foo", digest)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testChanges(t *testing.T, o core.Opener) {
	ctx := context.Background()
	b, err := o.Open(ctx, ns, nil)
	require.NoError(t, err)

	doc := core.Document{ID: "a", Rev: "1-x", Data: map[string]any{"k": "v"}}
	events := []core.ChangeEvent{
		{Sequence: 1, ID: "a", Operation: core.OperationInsert, Doc: &doc, Timestamp: 1000},
		{Sequence: 2, ID: "a", Operation: core.OperationUpdate, Doc: &doc, Previous: &doc, Timestamp: 2000},
	}
	for _, ev := range events {
		require.NoError(t, b.AppendChange(ctx, ev))
	}
	require.NoError(t, b.Put(ctx, record("a", 2)))
	require.NoError(t, b.Close())

	reopened := open(t, o, ns)
	got, err := reopened.Changes(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, core.OperationUpdate, got[1].Operation)
	assert.Equal(t, int64(2000), got[1].Timestamp)
	require.NotNil(t, got[1].Previous)
	assert.Equal(t, "1-x", got[1].Previous.Rev)

	rec, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)
}

func testIsolation(t *testing.T, o core.Opener) {
	ctx := context.Background()
	a := open(t, o, ns)
	other := open(t, o, core.Namespace{Database: "conformance", Collection: "other"})
	local := open(t, o, core.Namespace{Database: ns.Database, Collection: ns.Collection, Local: true})

	require.NoError(t, a.Put(ctx, record("shared-id", 1)))

	_, err := other.Get(ctx, "shared-id")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = local.Get(ctx, "shared-id")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testClosed(t *testing.T, o core.Opener) {
	ctx := context.Background()
	b, err := o.Open(ctx, ns, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Get(ctx, "a")
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, b.Put(ctx, record("a", 1)), core.ErrClosed)
	_, err = b.Changes(ctx)
	assert.ErrorIs(t, err, core.ErrClosed)
}
