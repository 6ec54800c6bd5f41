// SPDX-License-Identifier: MIT

package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func helperStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "kv.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return store
}

func TestStoreGetSetRemove(t *testing.T) {
	t.Parallel()

	store := helperStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "profile:abc", []byte(`{"name":"bob"}`)))
	value, err := store.Get(ctx, "profile:abc")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"bob"}`, string(value))

	require.NoError(t, store.Set(ctx, "profile:abc", []byte(`{"name":"alice"}`)))
	value, err = store.Get(ctx, "profile:abc")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"alice"}`, string(value))

	require.NoError(t, store.Remove(ctx, "profile:abc"))
	_, err = store.Get(ctx, "profile:abc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMultiOps(t *testing.T) {
	t.Parallel()

	store := helperStore(t)
	ctx := context.Background()

	require.NoError(t, store.MultiSet(ctx, []Pair{
		{Key: "post:1", Value: []byte("one")},
		{Key: "post:2", Value: []byte("two")},
		{Key: "feed:1", Value: []byte("three")},
	}))

	pairs, err := store.MultiGet(ctx, []string{"post:1", "post:2", "post:404"})
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	keys, err := store.ListKeys(ctx, "post:")
	require.NoError(t, err)
	require.Equal(t, []string{"post:1", "post:2"}, keys)

	keys, err = store.ListKeys(ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	require.NoError(t, store.MultiRemove(ctx, []string{"post:1", "feed:1"}))
	keys, err = store.ListKeys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"post:2"}, keys)
}

func TestStoreEmptyBatchesAreNoops(t *testing.T) {
	t.Parallel()

	store := helperStore(t)
	ctx := context.Background()

	require.NoError(t, store.MultiSet(ctx, nil))
	require.NoError(t, store.MultiRemove(ctx, nil))
	pairs, err := store.MultiGet(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, pairs)
}
