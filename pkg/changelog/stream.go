package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/lifecycle"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/strata/pkg/core"
)

// defaultBuffer is the capacity of a subscription's outgoing channel.
// The per-subscriber queue behind it is unbounded.
const defaultBuffer = 16

// StreamOptions configures a subscription.
type StreamOptions struct {
	// StartSequence bounds the replayed backlog (exclusive). Ignored without Replay.
	StartSequence int64
	// Replay delivers stored events after StartSequence before live ones.
	Replay bool
	// Pattern is a doublestar glob over document ids; empty matches all.
	Pattern string
	// Buffer is the capacity of the Events channel.
	Buffer int
}

// Subscription is one subscriber's ordered view of the log.
type Subscription struct {
	id      uint64
	pattern string
	broker  *Broker

	out  chan core.ChangeEvent
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []core.ChangeEvent
}

// Events delivers events in commit order. It is closed after Unsubscribe.
func (s *Subscription) Events() <-chan core.ChangeEvent {
	return s.out
}

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops delivery and releases the queue. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s.id)
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

func (s *Subscription) matches(id string) bool {
	if s.pattern == "" {
		return true
	}
	ok, _ := doublestar.Match(s.pattern, id)
	return ok
}

// push enqueues events without blocking the publisher.
func (s *Subscription) push(events ...core.ChangeEvent) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	n := 0
	for _, ev := range events {
		if s.matches(ev.ID) {
			s.queue = append(s.queue, ev.Clone())
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// pump drains the queue into the outgoing channel.
func (s *Subscription) pump(ctx context.Context) error {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return nil
			case <-ctx.Done():
				s.Unsubscribe()
				return nil
			}
		}

		for _, ev := range batch {
			select {
			case <-s.done:
				return nil
			default:
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return nil
			case <-ctx.Done():
				s.Unsubscribe()
				return nil
			}
		}
	}
}

// Broker fans published events out to subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	next   uint64
	logger *slog.Logger

	// OnChange, when set, is called with the subscriber count after it changes.
	OnChange func(n int)
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a subscription whose queue starts with backlog.
// The subscription ends when ctx is cancelled or Unsubscribe is called.
func (b *Broker) Subscribe(ctx context.Context, opts StreamOptions, backlog []core.ChangeEvent) (*Subscription, error) {
	if opts.Pattern != "" {
		if _, err := doublestar.Match(opts.Pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid stream pattern %q: %w", opts.Pattern, err)
		}
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	b.next++
	s := &Subscription{
		id:      b.next,
		pattern: opts.Pattern,
		broker:  b,
		out:     make(chan core.ChangeEvent, buffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s
	n := len(b.subs)
	b.mu.Unlock()

	s.push(backlog...)
	b.notify(n)
	b.logger.Debug("subscription opened", "id", s.id, "pattern", opts.Pattern, "backlog", len(backlog))

	lifecycle.Go(ctx, s.pump, lifecycle.WithErrorHandler(func(err error) {
		b.logger.Error("subscription pump failed", "id", s.id, "error", err)
		s.Unsubscribe()
	}))
	return s, nil
}

// Publish enqueues ev on every live subscription.
func (b *Broker) Publish(ev core.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription.
func (b *Broker) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()

	b.notify(n)
	b.logger.Debug("subscription closed", "id", id)
}

func (b *Broker) notify(n int) {
	if b.OnChange != nil {
		b.OnChange(n)
	}
}
