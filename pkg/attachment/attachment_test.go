package attachment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/attachment"
	"github.com/aretw0/strata/pkg/core"
)

func newStore(t *testing.T) *attachment.Store {
	t.Helper()
	b, err := memory.NewAdapter().Open(context.Background(), core.Namespace{Database: "db", Collection: "c"}, nil)
	require.NoError(t, err)
	return attachment.NewStore(b, nil)
}

func TestHash(t *testing.T) {
	a := attachment.Hash([]byte("hello"))
	b := attachment.Hash([]byte("hello"))
	c := attachment.Hash([]byte("hello!"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "sha256-LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", a)
}

func TestAttach_SameBytesSameDigest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	one, err := s.Attach(ctx, "doc1", "foo", []byte("payload"), "text/plain")
	require.NoError(t, err)
	two, err := s.Attach(ctx, "doc2", "foo", []byte("payload"), "text/plain")
	require.NoError(t, err)

	assert.Equal(t, one.Digest, two.Digest)
	assert.Equal(t, attachment.Hash([]byte("payload")), one.Digest)
	assert.Equal(t, int64(7), one.Length)
	assert.Nil(t, one.Data)
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	doc := core.Document{
		ID: "doc",
		Attachments: map[string]core.Attachment{
			"foo": {ContentType: "text/plain", Data: []byte("abc")},
		},
	}
	require.NoError(t, s.Prepare(ctx, &doc, nil))
	foo := doc.Attachments["foo"]
	assert.Nil(t, foo.Data)
	assert.Equal(t, int64(3), foo.Length)

	t.Run("stub keeps stored metadata", func(t *testing.T) {
		next := core.Document{
			ID: "doc",
			Attachments: map[string]core.Attachment{
				"foo": {Digest: foo.Digest},
				"bar": {ContentType: "text/plain", Data: []byte("defg")},
			},
		}
		require.NoError(t, s.Prepare(ctx, &next, &doc))
		assert.Len(t, next.Attachments, 2)
		assert.Equal(t, foo, next.Attachments["foo"])
	})

	t.Run("stub without stored attachment fails", func(t *testing.T) {
		next := core.Document{
			ID:          "doc",
			Attachments: map[string]core.Attachment{"missing": {}},
		}
		err := s.Prepare(ctx, &next, &doc)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestData(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	doc := core.Document{
		ID:          "doc",
		Attachments: map[string]core.Attachment{"foo": {ContentType: "text/plain", Data: []byte("abc")}},
	}
	require.NoError(t, s.Prepare(ctx, &doc, nil))

	data, err := s.Data(ctx, doc, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	_, err = s.Data(ctx, doc, "bar")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
