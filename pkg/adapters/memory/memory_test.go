package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/adaptertest"
	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/core"
)

func TestConformance(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) core.Opener {
		return memory.NewAdapter()
	})
}

func TestCloseKeepsAdapterState(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	ns := core.Namespace{Database: "app", Collection: "users"}

	b, err := adapter.Open(ctx, ns, nil)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, core.Record{Document: core.Document{ID: "a", Rev: "1-x"}, Sequence: 1}))
	require.NoError(t, b.Close())

	_, err = b.Get(ctx, "a")
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, b.Put(ctx, core.Record{Document: core.Document{ID: "b"}}), core.ErrClosed)

	reopened, err := adapter.Open(ctx, ns, nil)
	require.NoError(t, err)
	defer reopened.Close()
	rec, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Sequence)
}
