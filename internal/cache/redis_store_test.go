package cache

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStorage starts a miniredis server scoped to the test.
func newTestRedisStorage(t *testing.T) Storage {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage, err := NewRedisStorage(client, "shellcache:", "uc")
	require.NoError(t, err)
	return storage
}

func TestRedisStorageKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	storage, err := NewRedisStorage(client, "shellcache:", "uc")
	require.NoError(t, err)

	ctx := context.Background()
	store, err := storage.Open(ctx, "v4-runtime")
	require.NoError(t, err)

	key := testKey(t, "https://origin.example.com/app.css")
	require.NoError(t, store.Put(ctx, key, &Snapshot{Status: http.StatusOK, Body: []byte("css")}))

	members, err := mr.ZMembers("shellcache:uc:stores")
	require.NoError(t, err)
	assert.Equal(t, []string{"v4-runtime"}, members)

	fields, err := mr.HKeys("shellcache:uc:store:v4-runtime")
	require.NoError(t, err)
	assert.Equal(t, []string{key.String()}, fields)
}

func TestRedisStorageNamespacesAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	first, err := NewRedisStorage(client, "shellcache:", "a")
	require.NoError(t, err)
	second, err := NewRedisStorage(client, "shellcache:", "b")
	require.NoError(t, err)

	_, err = first.Open(ctx, "v1-shell")
	require.NoError(t, err)

	names, err := second.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRedisStoragePutRecreatesDeletedStore(t *testing.T) {
	storage := newTestRedisStorage(t)
	ctx := context.Background()

	store, err := storage.Open(ctx, "v3-runtime")
	require.NoError(t, err)
	deleted, err := storage.Delete(ctx, "v3-runtime")
	require.NoError(t, err)
	assert.True(t, deleted)

	require.NoError(t, store.Put(ctx, testKey(t, "https://origin.example.com/late.js"),
		&Snapshot{Status: http.StatusOK, Body: []byte("late")}))

	exists, err := storage.Has(ctx, "v3-runtime")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestNewRedisStorageValidatesInput(t *testing.T) {
	_, err := NewRedisStorage(nil, "p:", "uc")
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewRedisStorage(client, "p:", "")
	assert.Error(t, err)
}

func TestNewRedisClientPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient("://bad")
	assert.Error(t, err)
}
