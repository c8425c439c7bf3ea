package storage_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/query"
	"github.com/aretw0/strata/pkg/storage"
)

var params = storage.Params{DatabaseName: "testdb", CollectionName: "humans", PrimaryKey: "key"}

func setup(t *testing.T) (*storage.Storage, *storage.Instance) {
	t.Helper()
	s := storage.New(memory.NewAdapter())
	inst, err := s.CreateStorageInstance(context.Background(), params)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return s, inst
}

func human(key string, age int) core.Document {
	return core.Document{Data: map[string]any{"key": key, "age": age}}
}

func insert(t *testing.T, inst *storage.Instance, docs ...core.Document) map[string]core.Document {
	t.Helper()
	rows := make([]core.WriteRow, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, core.WriteRow{Document: d})
	}
	res, err := inst.BulkWrite(context.Background(), rows)
	require.NoError(t, err)
	require.Empty(t, res.Error)
	return res.Success
}

func TestBulkWrite_Insert(t *testing.T) {
	_, inst := setup(t)

	res := insert(t, inst, human("foobar", 20))
	doc, ok := res["foobar"]
	require.True(t, ok, "id taken from the primary key")
	assert.Equal(t, "foobar", doc.ID)
	assert.Equal(t, "foobar", doc.Data["key"])
	assert.True(t, strings.HasPrefix(doc.Rev, "1-"), doc.Rev)

	found, err := inst.FindDocumentsByID(context.Background(), []string{"foobar", "missing"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, doc.Rev, found["foobar"].Rev)
}

func TestBulkWrite_ConflictLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	_, inst := setup(t)
	stored := insert(t, inst, human("foobar", 20))["foobar"]
	seq, err := inst.LastSequence(ctx)
	require.NoError(t, err)

	t.Run("Insert over existing", func(t *testing.T) {
		res, err := inst.BulkWrite(ctx, []core.WriteRow{{Document: human("foobar", 99)}})
		require.NoError(t, err)
		assert.Empty(t, res.Success)

		werr := res.Error["foobar"]
		require.NotNil(t, werr)
		assert.Equal(t, core.StatusConflict, werr.Status)
		assert.ErrorIs(t, werr, core.ErrConflict)
		assert.Equal(t, 99, werr.Document.Data["age"])
		require.NotNil(t, werr.Existing)
		assert.Equal(t, stored.Rev, werr.Existing.Rev)
	})

	t.Run("Stale previous", func(t *testing.T) {
		stale := stored
		stale.Rev = "1-deadbeef"
		res, err := inst.BulkWrite(ctx, []core.WriteRow{{Previous: &stale, Document: human("foobar", 99)}})
		require.NoError(t, err)
		assert.Equal(t, core.StatusConflict, res.Error["foobar"].Status)
	})

	t.Run("Previous for absent document", func(t *testing.T) {
		ghost := core.Document{ID: "ghost", Rev: "1-abc"}
		res, err := inst.BulkWrite(ctx, []core.WriteRow{{Previous: &ghost, Document: core.Document{ID: "ghost"}}})
		require.NoError(t, err)
		werr := res.Error["ghost"]
		require.NotNil(t, werr)
		assert.Equal(t, core.StatusConflict, werr.Status)
		assert.Nil(t, werr.Existing)
	})

	after, err := inst.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq, after, "conflicts must not consume sequences")

	found, err := inst.FindDocumentsByID(ctx, []string{"foobar"})
	require.NoError(t, err)
	assert.Equal(t, stored.Rev, found["foobar"].Rev)
	assert.Equal(t, 20, found["foobar"].Data["age"])
}

func TestBulkWrite_BatchItemsAreIndependent(t *testing.T) {
	ctx := context.Background()
	_, inst := setup(t)
	insert(t, inst, human("taken", 1))

	res, err := inst.BulkWrite(ctx, []core.WriteRow{
		{Document: human("a", 1)},
		{Document: human("taken", 2)},
		{Document: human("b", 3)},
		{Document: human("a", 4)},
		{Document: core.Document{Data: map[string]any{"age": 5}}},
	})
	require.NoError(t, err)

	assert.Len(t, res.Success, 2)
	assert.Contains(t, res.Success, "a")
	assert.Contains(t, res.Success, "b")
	assert.Equal(t, 1, res.Success["a"].Data["age"], "first row for an id wins")

	assert.Equal(t, core.StatusConflict, res.Error["taken"].Status)
	assert.Equal(t, core.StatusConflict, res.Error["a"].Status)
	require.Contains(t, res.Error, "#4")
	assert.Equal(t, core.StatusBadRequest, res.Error["#4"].Status)
}

func TestBulkWrite_Lifecycle(t *testing.T) {
	ctx := context.Background()
	_, inst := setup(t)

	v1 := insert(t, inst, human("doc", 1))["doc"]

	next := v1
	next.Data = map[string]any{"key": "doc", "age": 2}
	res, err := inst.BulkWrite(ctx, []core.WriteRow{{Previous: &v1, Document: next}})
	require.NoError(t, err)
	v2 := res.Success["doc"]
	assert.True(t, strings.HasPrefix(v2.Rev, "2-"), v2.Rev)

	tomb := v2
	tomb.Deleted = true
	res, err = inst.BulkWrite(ctx, []core.WriteRow{{Previous: &v2, Document: tomb}})
	require.NoError(t, err)
	v3 := res.Success["doc"]
	assert.True(t, v3.Deleted)
	assert.True(t, strings.HasPrefix(v3.Rev, "3-"), v3.Rev)

	found, err := inst.FindDocumentsByID(ctx, []string{"doc"})
	require.NoError(t, err)
	assert.Empty(t, found, "deleted documents are not returned")

	// Recreating over a tombstone requires the tombstone revision.
	res, err = inst.BulkWrite(ctx, []core.WriteRow{{Document: human("doc", 4)}})
	require.NoError(t, err)
	assert.Equal(t, core.StatusConflict, res.Error["doc"].Status)

	res, err = inst.BulkWrite(ctx, []core.WriteRow{{Previous: &v3, Document: human("doc", 4)}})
	require.NoError(t, err)
	require.Contains(t, res.Success, "doc")

	changes, err := inst.GetChanges(ctx, changelog.ChangesOptions{})
	require.NoError(t, err)
	require.Len(t, changes.Changes, 4)

	var ops []core.Operation
	for i, ev := range changes.Changes {
		ops = append(ops, ev.Operation)
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, "doc", ev.ID)
	}
	assert.Equal(t, []core.Operation{
		core.OperationInsert,
		core.OperationUpdate,
		core.OperationDelete,
		core.OperationInsert,
	}, ops)
	assert.Nil(t, changes.Changes[0].Previous)
	require.NotNil(t, changes.Changes[1].Previous)
	assert.Equal(t, v1.Rev, changes.Changes[1].Previous.Rev)
	assert.Equal(t, int64(4), changes.LastSequence)
}

func TestGetChanges_LastSequence(t *testing.T) {
	ctx := context.Background()
	_, inst := setup(t)

	for i, key := range []string{"a", "b", "c"} {
		insert(t, inst, human(key, i))
	}
	res, err := inst.BulkWrite(ctx, []core.WriteRow{{Document: human("a", 9)}})
	require.NoError(t, err)
	require.NotEmpty(t, res.Error)

	changes, err := inst.GetChanges(ctx, changelog.ChangesOptions{StartSequence: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), changes.LastSequence)

	desc, err := inst.GetChanges(ctx, changelog.ChangesOptions{Order: changelog.Desc, Limit: 1})
	require.NoError(t, err)
	require.Len(t, desc.Changes, 1)
	assert.Equal(t, "c", desc.Changes[0].ID)
}

func TestBulkAddRevisions(t *testing.T) {
	ctx := context.Background()
	_, inst := setup(t)

	sub, err := inst.ChangeStream(ctx, changelog.StreamOptions{})
	require.NoError(t, err)

	err = inst.BulkAddRevisions(ctx, []core.Document{
		{ID: "foobar", Rev: "1-a723631364fbfa906c5ffa8203ac9725", Data: map[string]any{"key": "foobar", "age": 1}},
		{ID: "broken", Rev: "not-a-revision"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	found, err := inst.FindDocumentsByID(ctx, []string{"foobar", "broken"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "1-a723631364fbfa906c5ffa8203ac9725", found["foobar"].Rev)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "foobar", ev.ID)
		assert.Equal(t, core.OperationInsert, ev.Operation)
		assert.Equal(t, "1-a723631364fbfa906c5ffa8203ac9725", ev.Doc.Rev)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event for an added revision")
	}

	// A forced revision skips conflict detection even when it is older.
	err = inst.BulkAddRevisions(ctx, []core.Document{
		{ID: "foobar", Rev: "1-0000", Data: map[string]any{"age": 2}},
	})
	require.NoError(t, err)
	found, err = inst.FindDocumentsByID(ctx, []string{"foobar"})
	require.NoError(t, err)
	assert.Equal(t, "1-0000", found["foobar"].Rev)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	_, inst := setup(t)
	insert(t, inst, human("old", 100), human("young", 1), human("mid", 50), human("teen", 15))

	res, err := inst.BulkWrite(ctx, []core.WriteRow{{Document: human("gone", 70)}})
	require.NoError(t, err)
	gone := res.Success["gone"]
	tomb := gone
	tomb.Deleted = true
	_, err = inst.BulkWrite(ctx, []core.WriteRow{{Previous: &gone, Document: tomb}})
	require.NoError(t, err)

	p, err := inst.PrepareQuery(query.Query{
		Selector: map[string]any{"age": map[string]any{"$gt": 10, "$ne": 50}},
		Sort:     []query.SortField{{Field: "age"}},
	})
	require.NoError(t, err)

	docs, err := inst.Query(ctx, p)
	require.NoError(t, err)
	var keys []string
	for _, d := range docs {
		keys = append(keys, d.ID)
	}
	assert.Equal(t, []string{"teen", "old"}, keys)

	match := inst.QueryMatcher(p)
	assert.False(t, match(core.Document{Data: map[string]any{"age": 1}}))
	assert.True(t, match(core.Document{Data: map[string]any{"age": 100}}))

	cmp := inst.SortComparator(p)
	a := core.Document{ID: "b", Data: map[string]any{"age": 1}}
	b := core.Document{ID: "a", Data: map[string]any{"age": 100}}
	assert.Negative(t, cmp(a, b))
	tie := core.Document{ID: "a", Data: map[string]any{"age": 1}}
	assert.Positive(t, cmp(a, tie))

	_, err = inst.PrepareQuery(query.Query{Selector: map[string]any{"age": map[string]any{"$bogus": 1}}})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}

func TestAttachments(t *testing.T) {
	ctx := context.Background()
	s, inst := setup(t)
	payload := []byte("barfoo")

	withAttachment := func(key string) core.Document {
		d := human(key, 1)
		d.Attachments = map[string]core.Attachment{
			"foo": {ContentType: "text/plain", Data: payload},
		}
		return d
	}
	res := insert(t, inst, withAttachment("one"), withAttachment("two"))

	one, two := res["one"].Attachments["foo"], res["two"].Attachments["foo"]
	assert.Equal(t, s.Hash(payload), one.Digest)
	assert.Equal(t, one.Digest, two.Digest)
	assert.Equal(t, int64(len(payload)), one.Length)
	assert.Nil(t, one.Data, "stored documents carry metadata only")

	data, err := inst.GetAttachmentData(ctx, "one", "foo")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = inst.GetAttachmentData(ctx, "one", "bar")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Updating with a stub keeps the attachment.
	prev := res["one"]
	next := prev
	next.Data = map[string]any{"key": "one", "age": 2}
	wr, err := inst.BulkWrite(ctx, []core.WriteRow{{Previous: &prev, Document: next}})
	require.NoError(t, err)
	require.Contains(t, wr.Success, "one")
	assert.Equal(t, one.Digest, wr.Success["one"].Attachments["foo"].Digest)

	// A stub that references nothing is rejected with 404.
	orphan := human("three", 1)
	orphan.Attachments = map[string]core.Attachment{"foo": {Digest: one.Digest}}
	wr, err = inst.BulkWrite(ctx, []core.WriteRow{{Document: orphan}})
	require.NoError(t, err)
	require.Contains(t, wr.Error, "three")
	assert.Equal(t, core.StatusNotFound, wr.Error["three"].Status)
}

func TestChangeStream_AcrossHandles(t *testing.T) {
	ctx := context.Background()
	s := storage.New(memory.NewAdapter())

	a, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	defer a.Close()
	b, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	defer b.Close()

	sub, err := a.ChangeStream(ctx, changelog.StreamOptions{})
	require.NoError(t, err)

	insert(t, b, human("x", 1))
	res := insert(t, a, human("y", 1))
	y := res["y"]
	tomb := y
	tomb.Deleted = true
	wr, err := b.BulkWrite(ctx, []core.WriteRow{{Previous: &y, Document: tomb}})
	require.NoError(t, err)
	require.Empty(t, wr.Error)

	type seen struct {
		id  string
		op  core.Operation
		seq int64
	}
	var got []seen
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			got = append(got, seen{ev.ID, ev.Operation, ev.Sequence})
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 3 events", len(got))
		}
	}
	assert.Equal(t, []seen{
		{"x", core.OperationInsert, 1},
		{"y", core.OperationInsert, 2},
		{"y", core.OperationDelete, 3},
	}, got)

	lastA, _ := a.LastSequence(ctx)
	lastB, _ := b.LastSequence(ctx)
	assert.Equal(t, lastA, lastB)
}

func TestConcurrentWritersShareOneSequence(t *testing.T) {
	ctx := context.Background()
	s := storage.New(memory.NewAdapter())

	const handles, perHandle = 4, 25
	var wg sync.WaitGroup
	for h := 0; h < handles; h++ {
		inst, err := s.CreateStorageInstance(ctx, params)
		require.NoError(t, err)
		defer inst.Close()

		wg.Add(1)
		go func(h int, inst *storage.Instance) {
			defer wg.Done()
			for i := 0; i < perHandle; i++ {
				key := string(rune('a'+h)) + "-" + string(rune('a'+i))
				_, err := inst.BulkWrite(ctx, []core.WriteRow{{Document: human(key, i)}})
				assert.NoError(t, err)
			}
		}(h, inst)
	}
	wg.Wait()

	inst, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	defer inst.Close()

	changes, err := inst.GetChanges(ctx, changelog.ChangesOptions{})
	require.NoError(t, err)
	require.Len(t, changes.Changes, handles*perHandle)
	for i, ev := range changes.Changes {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := storage.New(memory.NewAdapter())

	a, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	b, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	defer b.Close()

	insert(t, a, human("kept", 1))
	sub, err := a.ChangeStream(ctx, changelog.StreamOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close is idempotent")

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close did not end the handle's subscriptions")
	}

	_, err = a.BulkWrite(ctx, []core.WriteRow{{Document: human("late", 1)}})
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = a.FindDocumentsByID(ctx, []string{"kept"})
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = a.GetChanges(ctx, changelog.ChangesOptions{})
	assert.ErrorIs(t, err, core.ErrClosed)

	found, err := b.FindDocumentsByID(ctx, []string{"kept"})
	require.NoError(t, err)
	assert.Contains(t, found, "kept")
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	s := storage.New(memory.NewAdapter())

	a, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	insert(t, a, human("one", 1), human("two", 2))
	require.NoError(t, a.Close())

	b, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	defer b.Close()

	last, err := b.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	res := insert(t, b, human("three", 3))
	assert.Contains(t, res, "three")
	last, _ = b.LastSequence(ctx)
	assert.Equal(t, int64(3), last)
}

func TestCreateStorageInstance_Validation(t *testing.T) {
	s := storage.New(memory.NewAdapter())
	_, err := s.CreateStorageInstance(context.Background(), storage.Params{CollectionName: "x"})
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	s := storage.New(memory.NewAdapter(), storage.WithRegisterer(reg))

	inst, err := s.CreateStorageInstance(ctx, params)
	require.NoError(t, err)
	defer inst.Close()

	insert(t, inst, human("a", 1), human("b", 2))
	_, err = inst.BulkWrite(ctx, []core.WriteRow{{Document: human("a", 3)}})
	require.NoError(t, err)

	expected := `
# HELP strata_writes_total Committed document writes by operation.
# TYPE strata_writes_total counter
strata_writes_total{collection="humans",database="testdb",operation="INSERT"} 2
# HELP strata_write_errors_total Rejected bulk-write items by status.
# TYPE strata_write_errors_total counter
strata_write_errors_total{collection="humans",database="testdb",status="409"} 1
# HELP strata_last_sequence Greatest sequence assigned in an open store.
# TYPE strata_last_sequence gauge
strata_last_sequence{collection="humans",database="testdb"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"strata_writes_total", "strata_write_errors_total", "strata_last_sequence"))

	// A second storage on the same registry reuses the registered collector.
	assert.NotPanics(t, func() { storage.New(memory.NewAdapter(), storage.WithRegisterer(reg)) })
}
