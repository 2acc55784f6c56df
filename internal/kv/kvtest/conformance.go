// Package kvtest holds a conformance suite shared across kv.Store
// implementations, in the spirit of dex's storage/storagetest package.
package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/internal/kv"
)

// RunConformance exercises the full kv.Store contract against store.
// The TTL subtest uses the wall clock: it sets a one-second TTL and sleeps
// past it before reading the key back.
func RunConformance(t *testing.T, store kv.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("set and get round-trips value exactly", func(t *testing.T) {
		key := kv.MustKey("conformance", "roundtrip")
		require.NoError(t, store.Set(ctx, key, []byte(`{"a":1}`), 0))
		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, `{"a":1}`, string(got))
	})

	t.Run("get on missing key returns ErrNotFound", func(t *testing.T) {
		key := kv.MustKey("conformance", "missing")
		_, err := store.Get(ctx, key)
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("remove deletes the key", func(t *testing.T) {
		key := kv.MustKey("conformance", "toremove")
		require.NoError(t, store.Set(ctx, key, []byte("x"), 0))
		require.NoError(t, store.Remove(ctx, key))
		_, err := store.Get(ctx, key)
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("removing an absent key is not an error", func(t *testing.T) {
		require.NoError(t, store.Remove(ctx, kv.MustKey("conformance", "never-existed")))
	})

	t.Run("ttl expires the value", func(t *testing.T) {
		key := kv.MustKey("conformance", "ttl")
		require.NoError(t, store.Set(ctx, key, []byte("x"), time.Second))
		time.Sleep(1100 * time.Millisecond)
		_, err := store.Get(ctx, key)
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("invalid ttl is rejected", func(t *testing.T) {
		key := kv.MustKey("conformance", "badttl")
		require.Error(t, store.Set(ctx, key, []byte("x"), -time.Second))
		require.Error(t, store.Set(ctx, key, []byte("x"), 11*365*24*time.Hour))
	})

	t.Run("scan yields entries under a prefix, not siblings", func(t *testing.T) {
		base := kv.MustKey("conformance", "scan")
		k1, _ := base.Child("a")
		k2, _ := base.Child("b")
		sibling := kv.MustKey("conformance", "scan-sibling", "c")
		require.NoError(t, store.Set(ctx, k1, []byte("1"), 0))
		require.NoError(t, store.Set(ctx, k2, []byte("2"), 0))
		require.NoError(t, store.Set(ctx, sibling, []byte("3"), 0))

		ch, closeFn, err := store.Scan(ctx, base)
		require.NoError(t, err)
		defer closeFn()

		found := map[string]string{}
		for e := range ch {
			found[e.Key.Encode()] = string(e.Value)
		}
		require.Equal(t, map[string]string{
			k1.Encode(): "1",
			k2.Encode(): "2",
		}, found)
	})
}
