// Package cachetest holds the behavioral contract every cache.Store backend
// must satisfy.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hikugen/internal/cache"
)

const (
	fpA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	fpB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// RunStoreContract runs the suite against stores produced by newStore. Each
// subtest gets a fresh, empty store.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) cache.Store) {
	ctx := context.Background()

	t.Run("Get Missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope", fpA)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Put And Get", func(t *testing.T) {
		s := newStore(t)
		before := time.Now().Add(-time.Second)
		require.NoError(t, s.Put(ctx, "doc-1", fpA, "code-1"))

		e, err := s.Get(ctx, "doc-1", fpA)
		require.NoError(t, err)
		assert.Equal(t, "doc-1", e.Key)
		assert.Equal(t, fpA, e.Fingerprint)
		assert.Equal(t, "code-1", e.Snippet)
		assert.Nil(t, e.LastSuccessfulRun)
		assert.True(t, e.CreatedAt.After(before), "created_at %v not recent", e.CreatedAt)
	})

	t.Run("Put Is Idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k", fpA, "same"))
		require.NoError(t, s.Put(ctx, "k", fpA, "same"))

		entries, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("Last Write Wins", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k", fpA, "old"))
		require.NoError(t, s.Touch(ctx, "k", fpA, time.Now()))
		require.NoError(t, s.Put(ctx, "k", fpA, "new"))

		e, err := s.Get(ctx, "k", fpA)
		require.NoError(t, err)
		assert.Equal(t, "new", e.Snippet)
		assert.Nil(t, e.LastSuccessfulRun, "overwrite must reset last successful run")
	})

	t.Run("Fingerprints Are Separate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k", fpA, "for-a"))
		require.NoError(t, s.Put(ctx, "k", fpB, "for-b"))

		a, err := s.Get(ctx, "k", fpA)
		require.NoError(t, err)
		b, err := s.Get(ctx, "k", fpB)
		require.NoError(t, err)
		assert.Equal(t, "for-a", a.Snippet)
		assert.Equal(t, "for-b", b.Snippet)
	})

	t.Run("Touch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k", fpA, "code"))
		at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
		require.NoError(t, s.Touch(ctx, "k", fpA, at))

		e, err := s.Get(ctx, "k", fpA)
		require.NoError(t, err)
		require.NotNil(t, e.LastSuccessfulRun)
		assert.WithinDuration(t, at, *e.LastSuccessfulRun, time.Millisecond)
		assert.Equal(t, "code", e.Snippet)

		assert.ErrorIs(t, s.Touch(ctx, "missing", fpA, at), cache.ErrNotFound)
	})

	t.Run("Delete By Key", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k", fpA, "1"))
		require.NoError(t, s.Put(ctx, "k", fpB, "2"))
		require.NoError(t, s.Put(ctx, "other", fpA, "3"))

		n, err := s.DeleteByKey(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Get(ctx, "k", fpA)
		assert.ErrorIs(t, err, cache.ErrNotFound)
		_, err = s.Get(ctx, "other", fpA)
		assert.NoError(t, err, "other keys must survive")

		n, err = s.DeleteByKey(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("Delete All", func(t *testing.T) {
		s := newStore(t)
		n, err := s.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		for i := 0; i < 5; i++ {
			require.NoError(t, s.Put(ctx, fmt.Sprintf("key-%d", i), fpA, "code"))
		}
		n, err = s.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		entries, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("List Ordered", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "b", fpA, "1"))
		require.NoError(t, s.Put(ctx, "a", fpB, "2"))
		require.NoError(t, s.Put(ctx, "a", fpA, "3"))

		entries, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []string{"a/" + fpA, "a/" + fpB, "b/" + fpA}, []string{
			entries[0].Key + "/" + entries[0].Fingerprint,
			entries[1].Key + "/" + entries[1].Fingerprint,
			entries[2].Key + "/" + entries[2].Fingerprint,
		})
	})

	t.Run("Concurrent Puts", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Put(ctx, "k", fpA, fmt.Sprintf("writer-%d", i)))
			}(i)
		}
		wg.Wait()

		e, err := s.Get(ctx, "k", fpA)
		require.NoError(t, err)
		assert.Regexp(t, `^writer-\d+$`, e.Snippet, "entry must be one whole write")

		entries, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}
