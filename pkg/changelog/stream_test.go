package changelog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
)

func collect(t *testing.T, sub *changelog.Subscription, n int) []core.ChangeEvent {
	t.Helper()
	var out []core.ChangeEvent
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribe_LiveEventsInOrder(t *testing.T) {
	l, _ := openLog(t)
	appendDoc(t, l, "before", core.OperationInsert)

	sub, err := l.Subscribe(context.Background(), changelog.StreamOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, id := range []string{"a", "b", "c"} {
		appendDoc(t, l, id, core.OperationInsert)
	}

	events := collect(t, sub, 3)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(4), events[2].Sequence)
}

func TestSubscribe_ReplayHasNoGaps(t *testing.T) {
	l, _ := openLog(t)
	for i := 0; i < 5; i++ {
		appendDoc(t, l, "doc", core.OperationUpdate)
	}

	sub, err := l.Subscribe(context.Background(), changelog.StreamOptions{Replay: true, StartSequence: 2})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			appendDoc(t, l, "doc", core.OperationUpdate)
		}
	}()

	events := collect(t, sub, 8)
	wg.Wait()
	for i, ev := range events {
		assert.Equal(t, int64(i+3), ev.Sequence)
	}
}

func TestSubscribe_PatternFilter(t *testing.T) {
	l, _ := openLog(t)

	sub, err := l.Subscribe(context.Background(), changelog.StreamOptions{Pattern: "users/**"})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	appendDoc(t, l, "posts/1", core.OperationInsert)
	appendDoc(t, l, "users/alice", core.OperationInsert)
	appendDoc(t, l, "users/team/bob", core.OperationInsert)

	events := collect(t, sub, 2)
	assert.Equal(t, "users/alice", events[0].ID)
	assert.Equal(t, "users/team/bob", events[1].ID)
}

func TestSubscribe_InvalidPattern(t *testing.T) {
	l, _ := openLog(t)
	_, err := l.Subscribe(context.Background(), changelog.StreamOptions{Pattern: "[unterminated"})
	assert.Error(t, err)
}

func TestSubscribe_UnsubscribeIsIdempotent(t *testing.T) {
	l, _ := openLog(t)
	sub, err := l.Subscribe(context.Background(), changelog.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Broker().Len())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, l.Broker().Len())

	appendDoc(t, l, "a", core.OperationInsert)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "no event may arrive after unsubscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}
}

func TestSubscribe_ContextCancel(t *testing.T) {
	l, _ := openLog(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := l.Subscribe(ctx, changelog.StreamOptions{})
	require.NoError(t, err)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived context cancel")
	}
	assert.Eventually(t, func() bool { return l.Broker().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribe_SlowConsumerDoesNotBlockWriters(t *testing.T) {
	l, _ := openLog(t)
	sub, err := l.Subscribe(context.Background(), changelog.StreamOptions{Buffer: 1})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			appendDoc(t, l, "doc", core.OperationUpdate)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writers blocked on a slow subscriber")
	}

	events := collect(t, sub, 100)
	assert.Equal(t, int64(100), events[99].Sequence)
}

func TestBroker_CloseEndsSubscriptions(t *testing.T) {
	b := changelog.NewBroker(nil)
	var counts []int
	var mu sync.Mutex
	b.OnChange = func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}

	s1, err := b.Subscribe(context.Background(), changelog.StreamOptions{}, nil)
	require.NoError(t, err)
	s2, err := b.Subscribe(context.Background(), changelog.StreamOptions{}, nil)
	require.NoError(t, err)

	b.Close()
	<-s1.Done()
	<-s2.Done()
	assert.Equal(t, 0, b.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}
