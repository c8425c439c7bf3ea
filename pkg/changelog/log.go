// Package changelog implements the per-store sequencer, the ordered change history and
// its live subscription fan-out.
package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/strata/pkg/core"
)

// Store persists change events. Backends satisfy it.
type Store interface {
	AppendChange(ctx context.Context, ev core.ChangeEvent) error
	Changes(ctx context.Context) ([]core.ChangeEvent, error)
}

// recordStore is implemented by stores that also hold the sequenced records. Open uses
// it to recover a head whose change event never reached the log.
type recordStore interface {
	All(ctx context.Context) ([]core.Record, error)
}

// Order is the direction of a changes query.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// ChangesOptions selects a page of the change log.
type ChangesOptions struct {
	// StartSequence is exclusive: ascending queries return sequence > StartSequence,
	// descending ones sequence < StartSequence (0 means from the head).
	StartSequence int64
	Order         Order
	// Limit caps the page size; 0 means unlimited.
	Limit int
	// LatestPerDocument keeps only the newest event of each document.
	LatestPerDocument bool
}

// ChangesResult is a page of events plus the store head.
type ChangesResult struct {
	Changes      []core.ChangeEvent
	LastSequence int64
}

// Log is the sequenced change history of one logical store.
// It is safe for concurrent use; Append is the only writer.
type Log struct {
	mu     sync.RWMutex
	store  Store
	events []core.ChangeEvent
	last   int64
	// unpersisted counts committed events the store failed to append.
	unpersisted int
	broker *Broker
	logger *slog.Logger
	now    func() time.Time
}

// Open loads the persisted history from store and recovers the sequence counter.
func Open(ctx context.Context, store Store, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	events, err := store.Changes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load change log: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})

	l := &Log{
		store:  store,
		events: events,
		broker: NewBroker(logger),
		logger: logger,
		now:    time.Now,
	}
	if n := len(events); n > 0 {
		l.last = events[n-1].Sequence
	}
	if rs, ok := store.(recordStore); ok {
		records, err := rs.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load record sequences: %w", err)
		}
		for _, rec := range records {
			if rec.Sequence > l.last {
				logger.Warn("change log behind records", "log_head", l.last, "record", rec.ID, "sequence", rec.Sequence)
				l.last = rec.Sequence
			}
		}
	}
	return l, nil
}

// Broker exposes the live fan-out of the log.
func (l *Log) Broker() *Broker {
	return l.broker
}

// LastSequence returns the greatest sequence assigned so far.
func (l *Log) LastSequence() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Append assigns the next sequence to ev, runs persist with it (the document write),
// appends the event durably and publishes it to subscribers.
//
// Nothing is published when persist fails and the sequence is not consumed. Once
// persist succeeded the write is committed: the event is kept in memory and published
// even if the durable append fails, which is logged and counted in Unpersisted.
func (l *Log) Append(ctx context.Context, ev core.ChangeEvent, persist func(seq int64) error) (core.ChangeEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev = ev.Clone()
	ev.Sequence = l.last + 1
	if ev.Timestamp == 0 {
		ev.Timestamp = l.now().UnixMilli()
	}
	if persist != nil {
		if err := persist(ev.Sequence); err != nil {
			return core.ChangeEvent{}, err
		}
	}
	l.last = ev.Sequence
	if err := l.store.AppendChange(ctx, ev); err != nil {
		l.unpersisted++
		l.logger.Error("change event not persisted", "sequence", ev.Sequence, "id", ev.ID, "error", err)
	}
	l.events = append(l.events, ev)
	l.broker.Publish(ev)
	return ev.Clone(), nil
}

// Unpersisted returns how many committed events the store failed to append.
func (l *Log) Unpersisted() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unpersisted
}

// Changes returns a page of the history.
func (l *Log) Changes(opts ChangesOptions) ChangesResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.events
	if opts.LatestPerDocument {
		events = latestPerDocument(events)
	}

	var out []core.ChangeEvent
	if opts.Order == Desc {
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if opts.StartSequence > 0 && ev.Sequence >= opts.StartSequence {
				continue
			}
			out = append(out, ev.Clone())
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
	} else {
		// Binary search the first event past the start; sequences are sorted.
		i := sort.Search(len(events), func(i int) bool {
			return events[i].Sequence > opts.StartSequence
		})
		for ; i < len(events); i++ {
			out = append(out, events[i].Clone())
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
	}

	return ChangesResult{Changes: out, LastSequence: l.last}
}

// Subscribe registers a live subscriber. With opts.Replay the backlog after
// opts.StartSequence is queued first; registration and backlog capture happen under
// the log lock so the subscriber sees every event exactly once.
func (l *Log) Subscribe(ctx context.Context, opts StreamOptions) (*Subscription, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var backlog []core.ChangeEvent
	if opts.Replay {
		i := sort.Search(len(l.events), func(i int) bool {
			return l.events[i].Sequence > opts.StartSequence
		})
		backlog = l.events[i:]
	}
	return l.broker.Subscribe(ctx, opts, backlog)
}

// Close terminates every live subscription.
func (l *Log) Close() {
	l.broker.Close()
}

func latestPerDocument(events []core.ChangeEvent) []core.ChangeEvent {
	seen := make(map[string]bool, len(events))
	out := make([]core.ChangeEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if seen[events[i].ID] {
			continue
		}
		seen[events[i].ID] = true
		out = append(out, events[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
