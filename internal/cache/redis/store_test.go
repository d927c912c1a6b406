package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hikugen/internal/cache"
	"hikugen/internal/cache/cachetest"
	"hikugen/internal/cache/redis"
)

func newStore(t *testing.T, opts ...redis.Option) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	s := redis.New(client, opts...)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStoreContract(t *testing.T) {
	cachetest.RunStoreContract(t, func(t *testing.T) cache.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestRedisKeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t, redis.WithPrefix("test:"))

	require.NoError(t, s.Put(ctx, "doc-1", "fp", "code"))

	assert.True(t, mr.Exists("test:entry:doc-1"))
	members, err := mr.Members("test:keys")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, members)

	n, err := s.DeleteByKey(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("test:entry:doc-1"))
	assert.False(t, mr.Exists("test:keys"), "empty index set is removed")
}

func TestRedisDeleteAllLeavesForeignKeys(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)
	require.NoError(t, mr.Set("unrelated", "v"))
	require.NoError(t, s.Put(ctx, "a", "fp", "code"))

	n, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedisDial(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := redis.Dial(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = redis.Dial(context.Background(), "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
