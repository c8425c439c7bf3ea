// Package lifecycle exposes change streams as lifecycle sources.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
)

type changeSource struct {
	events <-chan core.ChangeEvent
	stop   func()
	out    chan lifecycle.Event
}

// NewSource creates a lifecycle.Source that emits change events read from events.
func NewSource(events <-chan core.ChangeEvent) lifecycle.Source {
	return &changeSource{
		events: events,
		out:    make(chan lifecycle.Event),
	}
}

// FromSubscription wraps a change stream subscription. The subscription is released
// when the source stops.
func FromSubscription(sub *changelog.Subscription) lifecycle.Source {
	return &changeSource{
		events: sub.Events(),
		stop:   sub.Unsubscribe,
		out:    make(chan lifecycle.Event),
	}
}

func (s *changeSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *changeSource) Start(ctx context.Context) error {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		if s.stop != nil {
			defer s.stop()
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-s.events:
				if !ok {
					return nil
				}
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}
