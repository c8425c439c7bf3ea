package changelog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
)

func openLog(t *testing.T) (*changelog.Log, core.Backend) {
	t.Helper()
	backend, err := memory.NewAdapter().Open(context.Background(), core.Namespace{Database: "db", Collection: "c"}, nil)
	require.NoError(t, err)
	l, err := changelog.Open(context.Background(), backend, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l, backend
}

func appendDoc(t *testing.T, l *changelog.Log, id string, op core.Operation) core.ChangeEvent {
	t.Helper()
	doc := core.Document{ID: id, Data: map[string]any{"n": 1}}
	ev, err := l.Append(context.Background(), core.ChangeEvent{ID: id, Operation: op, Doc: &doc}, nil)
	require.NoError(t, err)
	return ev
}

func TestLog_AppendAssignsSequences(t *testing.T) {
	l, _ := openLog(t)
	assert.Equal(t, int64(0), l.LastSequence())

	var seen []int64
	for _, id := range []string{"a", "b", "c"} {
		ev := appendDoc(t, l, id, core.OperationInsert)
		seen = append(seen, ev.Sequence)
		assert.NotZero(t, ev.Timestamp)
	}
	assert.Equal(t, []int64{1, 2, 3}, seen)
	assert.Equal(t, int64(3), l.LastSequence())
}

func TestLog_PersistFailureDoesNotConsumeSequence(t *testing.T) {
	l, _ := openLog(t)
	appendDoc(t, l, "a", core.OperationInsert)

	boom := errors.New("disk full")
	_, err := l.Append(context.Background(), core.ChangeEvent{ID: "b"}, func(seq int64) error {
		assert.Equal(t, int64(2), seq)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), l.LastSequence())

	ev := appendDoc(t, l, "b", core.OperationInsert)
	assert.Equal(t, int64(2), ev.Sequence)
}

// appendFailing is a backend whose change log cannot be written.
type appendFailing struct {
	core.Backend
	err error
}

func (b appendFailing) AppendChange(context.Context, core.ChangeEvent) error {
	return b.err
}

func TestLog_AppendFailureKeepsCommittedEvent(t *testing.T) {
	ctx := context.Background()
	_, backend := openLog(t)
	store := appendFailing{Backend: backend, err: errors.New("disk full")}
	l, err := changelog.Open(ctx, store, nil)
	require.NoError(t, err)
	defer l.Close()

	sub, err := l.Subscribe(ctx, changelog.StreamOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	doc := core.Document{ID: "a", Rev: "1-x"}
	ev, err := l.Append(ctx, core.ChangeEvent{ID: "a", Operation: core.OperationInsert, Doc: &doc}, func(seq int64) error {
		return backend.Put(ctx, core.Record{Document: doc, Sequence: seq})
	})
	require.NoError(t, err, "the document is stored, so the write is committed")
	assert.Equal(t, int64(1), ev.Sequence)
	assert.Equal(t, int64(1), l.LastSequence())
	assert.Equal(t, 1, l.Unpersisted())

	res := l.Changes(changelog.ChangesOptions{})
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "a", res.Changes[0].ID)

	select {
	case got := <-sub.Events():
		assert.Equal(t, int64(1), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("subscriber missed the committed event")
	}
}

func TestLog_RecoversHeadFromRecords(t *testing.T) {
	ctx := context.Background()
	_, backend := openLog(t)
	appendDoc(t, mustOpen(t, backend), "a", core.OperationInsert)
	// A record written under sequence 5 whose event never reached the log.
	require.NoError(t, backend.Put(ctx, core.Record{Document: core.Document{ID: "b", Rev: "1-x"}, Sequence: 5}))

	l := mustOpen(t, backend)
	assert.Equal(t, int64(5), l.LastSequence())
	ev := appendDoc(t, l, "c", core.OperationInsert)
	assert.Equal(t, int64(6), ev.Sequence)
}

func mustOpen(t *testing.T, store changelog.Store) *changelog.Log {
	t.Helper()
	l, err := changelog.Open(context.Background(), store, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestLog_RecoversFromStore(t *testing.T) {
	l, backend := openLog(t)
	appendDoc(t, l, "a", core.OperationInsert)
	appendDoc(t, l, "a", core.OperationUpdate)

	reopened, err := changelog.Open(context.Background(), backend, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(2), reopened.LastSequence())
	ev := appendDoc(t, reopened, "b", core.OperationInsert)
	assert.Equal(t, int64(3), ev.Sequence)
}

func TestLog_Changes(t *testing.T) {
	l, _ := openLog(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		appendDoc(t, l, id, core.OperationInsert)
	}

	seqs := func(r changelog.ChangesResult) []int64 {
		var out []int64
		for _, ev := range r.Changes {
			out = append(out, ev.Sequence)
		}
		return out
	}

	t.Run("Ascending pages", func(t *testing.T) {
		var got []int64
		start := int64(0)
		for {
			page := l.Changes(changelog.ChangesOptions{StartSequence: start, Limit: 2})
			assert.Equal(t, int64(5), page.LastSequence)
			if len(page.Changes) == 0 {
				break
			}
			got = append(got, seqs(page)...)
			start = page.Changes[len(page.Changes)-1].Sequence
		}
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
	})

	t.Run("Descending", func(t *testing.T) {
		page := l.Changes(changelog.ChangesOptions{Order: changelog.Desc, Limit: 2})
		assert.Equal(t, []int64{5, 4}, seqs(page))

		page = l.Changes(changelog.ChangesOptions{Order: changelog.Desc, StartSequence: 4})
		assert.Equal(t, []int64{3, 2, 1}, seqs(page))
	})

	t.Run("Past the head", func(t *testing.T) {
		page := l.Changes(changelog.ChangesOptions{StartSequence: 5})
		assert.Empty(t, page.Changes)
		assert.Equal(t, int64(5), page.LastSequence)
	})
}

func TestLog_ChangesLatestPerDocument(t *testing.T) {
	l, _ := openLog(t)
	appendDoc(t, l, "a", core.OperationInsert)
	appendDoc(t, l, "b", core.OperationInsert)
	appendDoc(t, l, "a", core.OperationUpdate)
	appendDoc(t, l, "b", core.OperationDelete)
	appendDoc(t, l, "c", core.OperationInsert)

	page := l.Changes(changelog.ChangesOptions{LatestPerDocument: true})
	require.Len(t, page.Changes, 3)
	assert.Equal(t, "a", page.Changes[0].ID)
	assert.Equal(t, int64(3), page.Changes[0].Sequence)
	assert.Equal(t, core.OperationDelete, page.Changes[1].Operation)
	assert.Equal(t, "c", page.Changes[2].ID)
}

func TestLog_ChangesAreCopies(t *testing.T) {
	l, _ := openLog(t)
	appendDoc(t, l, "a", core.OperationInsert)

	page := l.Changes(changelog.ChangesOptions{})
	page.Changes[0].Doc.Data["n"] = 99

	page = l.Changes(changelog.ChangesOptions{})
	assert.Equal(t, 1, page.Changes[0].Doc.Data["n"])
}
