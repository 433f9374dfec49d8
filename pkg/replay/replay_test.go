package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashInputIsStableAcrossFieldOrder(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}

	hashA, err := HashInput(a)
	require.NoError(t, err)
	hashB, err := HashInput(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestHashInputDiffersOnValueChange(t *testing.T) {
	hashA, err := HashInput(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	hashB, err := HashInput(map[string]interface{}{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashB)
}

func TestMemoryStoreRecordAndLookup(t *testing.T) {
	store := NewMemoryStore()
	key := Key{StepDefID: "plan", Attempt: 1, InputHash: "deadbeef"}

	_, ok, err := store.Lookup(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{Output: map[string]interface{}{"result": "ok"}}
	require.NoError(t, store.Record(context.Background(), key, entry))

	got, ok, err := store.Lookup(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Output, got.Output)
}

func TestMemoryStoreDistinguishesKeysByAttemptAndHash(t *testing.T) {
	store := NewMemoryStore()
	base := Key{StepDefID: "plan", Attempt: 1, InputHash: "abc"}
	require.NoError(t, store.Record(context.Background(), base, Entry{Output: map[string]interface{}{"v": 1}}))

	_, ok, err := store.Lookup(context.Background(), Key{StepDefID: "plan", Attempt: 2, InputHash: "abc"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Lookup(context.Background(), Key{StepDefID: "plan", Attempt: 1, InputHash: "xyz"})
	require.NoError(t, err)
	assert.False(t, ok)
}
