package persistence

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fleetflow/testutil/mocks"
)

// runStoreContract exercises the behaviour every backend must share.
// expire moves the backend's notion of time forward by d.
func runStoreContract(t *testing.T, store Store, expire func(d time.Duration)) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))
	})

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "ns1", "a", []byte("alpha"), 0))
		got, err := store.Get(ctx, "ns1", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), got)

		require.NoError(t, store.Put(ctx, "ns1", "a", []byte("alpha-2"), 0))
		got, err = store.Get(ctx, "ns1", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha-2"), got)
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := store.Get(ctx, "ns1", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		assert.ErrorIs(t, store.Put(ctx, "", "k", nil, 0), ErrInvalidInput)
		assert.ErrorIs(t, store.Put(ctx, "ns", "", nil, 0), ErrInvalidInput)
	})

	t.Run("ListSortedAndIsolated", func(t *testing.T) {
		for _, k := range []string{"c", "a", "b"} {
			require.NoError(t, store.Put(ctx, "list", k, []byte(k), 0))
		}
		require.NoError(t, store.Put(ctx, "other", "z", []byte("z"), 0))

		entries, err := store.List(ctx, "list")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, k := range []string{"a", "b", "c"} {
			assert.Equal(t, k, entries[i].Key)
			assert.Equal(t, "list", entries[i].Namespace)
			assert.Equal(t, []byte(k), entries[i].Value)
		}

		empty, err := store.List(ctx, "nothing-here")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "del", "k", []byte("v"), 0))
		require.NoError(t, store.Delete(ctx, "del", "k"))
		_, err := store.Get(ctx, "del", "k")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, store.Delete(ctx, "del", "k"))
	})

	t.Run("TTL", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "ttl", "short", []byte("1"), time.Minute))
		require.NoError(t, store.Put(ctx, "ttl", "forever", []byte("2"), 0))

		expire(2 * time.Minute)

		_, err := store.Get(ctx, "ttl", "short")
		assert.ErrorIs(t, err, ErrNotFound)

		entries, err := store.List(ctx, "ttl")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "forever", entries[0].Key)
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		type payload struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		require.NoError(t, PutJSON(ctx, store, "json", "p", payload{Name: "x", Count: 3}, 0))

		var out payload
		require.NoError(t, GetJSON(ctx, store, "json", "p", &out))
		assert.Equal(t, payload{Name: "x", Count: 3}, out)

		assert.ErrorIs(t, GetJSON(ctx, store, "json", "nope", &out), ErrNotFound)
	})
}

func noCleanup() StoreConfig {
	config := DefaultStoreConfig()
	config.Cleanup.Enabled = false
	return config
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(noCleanup())
	clock := mocks.NewFakeClock(time.Now())
	store.clock = clock
	defer store.Close()

	runStoreContract(t, store, clock.Advance)

	t.Run("Cleanup", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "sweep", "k", []byte("v"), time.Second))
		clock.Advance(time.Minute)
		removed, err := store.Cleanup(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)
	})

	t.Run("Closed", func(t *testing.T) {
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())
		assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreClosed)
		assert.ErrorIs(t, store.Put(context.Background(), "a", "b", nil, 0), ErrStoreClosed)
	})
}

func TestFileStore(t *testing.T) {
	config := noCleanup()
	config.Type = StoreTypeFile
	config.BaseDir = t.TempDir()

	store, err := NewFileStore(config)
	require.NoError(t, err)
	clock := mocks.NewFakeClock(time.Now())
	store.clock = clock
	defer store.Close()

	runStoreContract(t, store, clock.Advance)

	t.Run("SurvivesReopen", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "run/1", "state", []byte(`{"step":"b"}`), 0))

		reopened, err := NewFileStore(config)
		require.NoError(t, err)
		defer reopened.Close()

		got, err := reopened.Get(ctx, "run/1", "state")
		require.NoError(t, err)
		assert.JSONEq(t, `{"step":"b"}`, string(got))
	})

	t.Run("Cleanup", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "sweep", "k", []byte("v"), time.Second))
		clock.Advance(time.Minute)
		removed, err := store.Cleanup(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)
	})
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStoreWithClient(client, "test:", DefaultRetryConfig())
	defer store.Close()

	runStoreContract(t, store, mr.FastForward)

	t.Run("KeyLayout", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "bb", "k", []byte("v"), 0))
		assert.True(t, mr.Exists("test:kv:data:bb:k"))
		members, err := mr.ZMembers("test:kv:idx:bb")
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, members)
	})

	t.Run("ExpiredIndexPruned", func(t *testing.T) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Put(ctx, "prune", strconv.Itoa(i), []byte("v"), time.Second))
		}
		mr.FastForward(time.Minute)

		entries, err := store.List(ctx, "prune")
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.False(t, mr.Exists("test:kv:idx:prune"))
	})
}

func TestNewRedisStore_ConnectionFailure(t *testing.T) {
	config := DefaultStoreConfig()
	config.Type = StoreTypeRedis
	config.Redis.Host = "127.0.0.1"
	config.Redis.Port = 1

	_, err := NewRedisStore(config)
	assert.Error(t, err)
}

func TestNewStore_Factory(t *testing.T) {
	config := noCleanup()
	s, err := NewStore(config)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	config.Type = StoreTypeFile
	config.BaseDir = t.TempDir()
	s, err = NewStore(config)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	config.Type = "etcd"
	_, err = NewStore(config)
	assert.Error(t, err)

}

func TestRetryConfig_BackOff(t *testing.T) {
	b := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2}.backOff()
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 5*time.Second, b.NextBackOff())
}

func TestRedisStore_RetriesThenFails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStoreWithClient(client, "test:", RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	mr.SetError("ERR injected failure")
	err := store.Put(context.Background(), "ns", "k", []byte("v"), 0)
	assert.ErrorContains(t, err, "injected failure")

	mr.SetError("")
	require.NoError(t, store.Put(context.Background(), "ns", "k", []byte("v"), 0))
}
