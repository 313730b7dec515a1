package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client, 0)
}

// exerciseSessions checks the SessionStore contract, including that two
// owners using the same worker username do not clobber each other.
func exerciseSessions(t *testing.T, s SessionStore) {
	t.Helper()
	ctx := context.Background()
	alice := watch.AccountKey{Owner: "alice", Username: "worker1"}
	bob := watch.AccountKey{Owner: "bob", Username: "worker1"}

	_, ok, err := s.Get(ctx, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, alice, "token-a"))
	require.NoError(t, s.Put(ctx, bob, "token-b"))

	tok, ok, err := s.Get(ctx, alice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "token-a", tok)

	tok, ok, err = s.Get(ctx, bob)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "token-b", tok)

	require.NoError(t, s.Put(ctx, alice, "token-a2"))
	tok, _, _ = s.Get(ctx, alice)
	assert.Equal(t, "token-a2", tok)

	require.NoError(t, s.Delete(ctx, alice))
	_, ok, err = s.Get(ctx, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = s.Get(ctx, bob)
	assert.True(t, ok, "deleting alice's session must not touch bob's")
}

func exerciseAccounts(t *testing.T, s AccountStore) {
	t.Helper()
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.SaveAccount(ctx, watch.WorkerAccount{
			Username:    name,
			Owner:       "alice",
			Credentials: watch.Credentials{Email: name + "@example.com", Password: "pw"},
		}))
	}
	require.NoError(t, s.SaveAccount(ctx, watch.WorkerAccount{Username: "other", Owner: "bob"}))

	// Re-saving must not move the account.
	require.NoError(t, s.SaveAccount(ctx, watch.WorkerAccount{
		Username:    "zeta",
		Owner:       "alice",
		Credentials: watch.Credentials{Email: "new@example.com"},
	}))

	accts, err := s.ListAccounts(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, accts, 3)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, []string{accts[0].Username, accts[1].Username, accts[2].Username})
	assert.Equal(t, "new@example.com", accts[0].Credentials.Email)
	assert.Equal(t, "alice", accts[0].Owner)

	require.NoError(t, s.SetHealth(ctx, watch.AccountKey{Owner: "alice", Username: "alpha"}, watch.HealthSuspended))
	accts, _ = s.ListAccounts(ctx, "alice")
	assert.Equal(t, watch.HealthSuspended, accts[1].Health)

	err = s.SetHealth(ctx, watch.AccountKey{Owner: "alice", Username: "ghost"}, watch.HealthHealthy)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseSessions(t, NewMemory())
	exerciseAccounts(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	exerciseSessions(t, openTestSQLite(t))
	exerciseAccounts(t, openTestSQLite(t))
}

func TestSQLiteMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenSQLite(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put(context.Background(), watch.AccountKey{Owner: "o", Username: "u"}, "tok"))
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(dir)
	require.NoError(t, err)
	defer s2.Close()

	tok, ok, err := s2.Get(context.Background(), watch.AccountKey{Owner: "o", Username: "u"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)
}

func TestRedisStore(t *testing.T) {
	exerciseSessions(t, openTestRedis(t))
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := fmt.Sprintf("cawatch_test_%d", time.Now().UnixNano())
	m, err := OpenMongo(ctx, uri, db)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.client.Database(db).Drop(context.Background())
		m.Close(context.Background())
	})

	exerciseSessions(t, m)
	exerciseAccounts(t, m)
}

func TestOpenMongoRequiresURI(t *testing.T) {
	_, err := OpenMongo(context.Background(), "", "")
	var cfgErr watch.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "storage.mongo_uri", cfgErr.Field)
}

func TestSerializeConcurrentWrites(t *testing.T) {
	s := Serialize(NewMemory())
	assert.Same(t, s, Serialize(s))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := watch.AccountKey{Owner: fmt.Sprintf("owner%d", i%5), Username: "shared"}
			assert.NoError(t, s.Put(ctx, key, fmt.Sprintf("tok%d", i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		_, ok, err := s.Get(ctx, watch.AccountKey{Owner: fmt.Sprintf("owner%d", i), Username: "shared"})
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestOpenMemoryBackend(t *testing.T) {
	b, err := Open(context.Background(), Options{Driver: "memory"})
	require.NoError(t, err)
	defer b.Close()
	exerciseSessions(t, b.Sessions)

	_, err = Open(context.Background(), Options{Driver: "cassandra"})
	assert.Error(t, err)
}
