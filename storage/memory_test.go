package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	// Absent keys report nil, nil.
	raw, err := store.Get(ctx, []string{"oauth:code", "missing"})
	require.NoError(t, err)
	assert.Nil(t, raw)

	err = store.Set(ctx, []string{"oauth:code", "abc"}, map[string]string{"client": "web"}, 0)
	require.NoError(t, err)

	raw, err = store.Get(ctx, []string{"oauth:code", "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"client":"web"}`, string(raw))

	// Overwrite is last-write-wins.
	err = store.Set(ctx, []string{"oauth:code", "abc"}, map[string]string{"client": "cli"}, 0)
	require.NoError(t, err)
	raw, err = store.Get(ctx, []string{"oauth:code", "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"client":"cli"}`, string(raw))

	require.NoError(t, store.Remove(ctx, []string{"oauth:code", "abc"}))
	raw, err = store.Get(ctx, []string{"oauth:code", "abc"})
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestMemoryStoreRawMessagePassthrough(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	payload := json.RawMessage(`{"a":1}`)
	require.NoError(t, store.Set(ctx, []string{"k"}, payload, 0))

	raw, err := store.Get(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, string(payload), string(raw))
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, []string{"short"}, "v", 30*time.Millisecond))
	require.NoError(t, store.Set(ctx, []string{"long"}, "v", time.Hour))

	raw, err := store.Get(ctx, []string{"short"})
	require.NoError(t, err)
	assert.NotNil(t, raw)

	time.Sleep(60 * time.Millisecond)

	raw, err = store.Get(ctx, []string{"short"})
	require.NoError(t, err)
	assert.Nil(t, raw, "expired entry must read as absent")

	raw, err = store.Get(ctx, []string{"long"})
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestMemoryStoreScan(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, []string{"oauth:refresh", "user:1", "b"}, "2", 0))
	require.NoError(t, store.Set(ctx, []string{"oauth:refresh", "user:1", "a"}, "1", 0))
	require.NoError(t, store.Set(ctx, []string{"oauth:refresh", "user:10", "c"}, "3", 0))
	require.NoError(t, store.Set(ctx, []string{"oauth:refresh", "user:1"}, "bare", 0))

	entries, err := store.Scan(ctx, []string{"oauth:refresh", "user:1"})
	require.NoError(t, err)
	require.Len(t, entries, 2, "prefix match is per-segment, not per-byte")
	assert.Equal(t, []string{"oauth:refresh", "user:1", "a"}, entries[0].Key)
	assert.Equal(t, []string{"oauth:refresh", "user:1", "b"}, entries[1].Key)

	entries, err = store.Scan(ctx, []string{"oauth:refresh", "user:2"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStoreScanSkipsExpired(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, []string{"p", "gone"}, "v", 20*time.Millisecond))
	require.NoError(t, store.Set(ctx, []string{"p", "kept"}, "v", 0))

	time.Sleep(50 * time.Millisecond)

	entries, err := store.Scan(ctx, []string{"p"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"p", "kept"}, entries[0].Key)
}

func TestInvalidKeys(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Get(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	err = store.Set(ctx, []string{"a" + KeySeparator + "b"}, "v", 0)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Scan(ctx, []string{})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestJoinSplitKey(t *testing.T) {
	joined, err := JoinKey([]string{"oauth:refresh", "user:abc", "tok"})
	require.NoError(t, err)
	assert.Equal(t, []string{"oauth:refresh", "user:abc", "tok"}, SplitKey(joined))

	prefix, err := JoinPrefix([]string{"oauth:refresh"})
	require.NoError(t, err)
	assert.Equal(t, "oauth:refresh"+KeySeparator, prefix)
}
