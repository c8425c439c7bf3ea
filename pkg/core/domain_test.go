package core_test

import (
	"errors"
	"testing"

	"github.com/aretw0/strata/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_Get(t *testing.T) {
	doc := core.Document{
		ID:  "alice",
		Rev: "1-abc",
		Data: map[string]any{
			"age": 42,
			"address": map[string]any{
				"city": "Lisbon",
			},
		},
	}

	v, ok := doc.Get("_id")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	v, ok = doc.Get("address.city")
	require.True(t, ok)
	assert.Equal(t, "Lisbon", v)

	_, ok = doc.Get("address.zip")
	assert.False(t, ok)

	_, ok = doc.Get("age.years")
	assert.False(t, ok)

	_, ok = core.Document{ID: "x"}.Get("_rev")
	assert.False(t, ok, "unset revision is undefined")
}

func TestDocument_Clone(t *testing.T) {
	doc := core.Document{
		ID: "a",
		Data: map[string]any{
			"tags": []any{"x"},
			"nested": map[string]any{
				"n": 1,
			},
		},
		Attachments: map[string]core.Attachment{
			"foo": {ContentType: "text/plain", Length: 3, Digest: "d", Data: []byte("abc")},
		},
	}

	c := doc.Clone()
	c.Data["nested"].(map[string]any)["n"] = 2
	c.Data["tags"].([]any)[0] = "y"

	assert.Equal(t, 1, doc.Data["nested"].(map[string]any)["n"])
	assert.Equal(t, "x", doc.Data["tags"].([]any)[0])
	assert.Nil(t, c.Attachments["foo"].Data, "clone must strip attachment payloads")
	assert.Equal(t, "d", c.Attachments["foo"].Digest)
}

func TestClassify(t *testing.T) {
	live := &core.Document{ID: "a"}
	tomb := &core.Document{ID: "a", Deleted: true}

	assert.Equal(t, core.OperationInsert, core.Classify(nil, core.Document{ID: "a"}))
	assert.Equal(t, core.OperationInsert, core.Classify(tomb, core.Document{ID: "a"}))
	assert.Equal(t, core.OperationUpdate, core.Classify(live, core.Document{ID: "a"}))
	assert.Equal(t, core.OperationDelete, core.Classify(live, core.Document{ID: "a", Deleted: true}))
}

func TestWriteError(t *testing.T) {
	existing := &core.Document{ID: "a", Rev: "1-x"}
	err := core.NewConflict(core.Document{ID: "a"}, existing)

	assert.Equal(t, core.StatusConflict, err.Status)
	assert.True(t, errors.Is(err, core.ErrConflict))
	assert.Equal(t, core.StatusConflict, core.StatusFor(err))
	assert.Equal(t, core.StatusNotFound, core.StatusFor(core.ErrNotFound))
}
