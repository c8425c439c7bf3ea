package typed

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
)

// Change is a typed change event. Doc is nil for events whose body could not be
// converted to T; Err then holds the reason.
type Change[T any] struct {
	Sequence  int64
	ID        string
	Operation core.Operation
	Doc       *DocumentModel[T]
	Err       error
}

// Watch streams typed changes of ids matching pattern ("" for all) until ctx ends.
func (c *Collection[T]) Watch(ctx context.Context, pattern string) (<-chan Change[T], error) {
	sub, err := c.inst.ChangeStream(ctx, changelog.StreamOptions{Pattern: pattern})
	if err != nil {
		return nil, err
	}

	out := make(chan Change[T])
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(out)
		defer sub.Unsubscribe()
		for ev := range sub.Events() {
			ch := Change[T]{Sequence: ev.Sequence, ID: ev.ID, Operation: ev.Operation}
			if ev.Doc != nil {
				ch.Doc, ch.Err = fromCore(*ev.Doc, c)
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})
	return out, nil
}
