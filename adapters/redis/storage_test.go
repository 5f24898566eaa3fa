package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progresskit/adapters/storetest"
	"progresskit/core"
	"progresskit/engine"
)

var (
	_ engine.DocumentStore  = (*Store)(nil)
	_ engine.DocumentLister = (*Store)(nil)
)

// newTestClient spins up a miniredis server and returns it with a client.
func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.DocumentStore {
		_, client := newTestClient(t)
		return NewWithClient(client)
	})
}

func TestStore_KeyLayout(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewWithClient(client)
	ctx := context.Background()

	require.NoError(t, store.UpsertDocument(ctx, core.CollectionUsers, "ana", core.NewRecordDocument(), core.MergeKeepExisting))
	_, err := store.AtomicIncrement(ctx, core.CollectionUsers, "ana", core.FieldXP, 30)
	require.NoError(t, err)
	_, err = store.UnionAppend(ctx, core.CollectionUsers, "ana", core.FieldUnlockedBadgeIDs, "streak_7")
	require.NoError(t, err)

	assert.Equal(t, "30", mr.HGet("pk:doc:users:ana", core.FieldXP))
	assert.Equal(t, "ana", mr.HGet("pk:doc:users:ana", "_id"))
	members, err := mr.Members("pk:set:users:ana:" + core.FieldUnlockedBadgeIDs)
	require.NoError(t, err)
	assert.Equal(t, []string{"streak_7"}, members)
	ids, err := mr.Members("pk:ids:users")
	require.NoError(t, err)
	assert.Equal(t, []string{"ana"}, ids)
}

func TestStore_ReadsExternallyWrittenValues(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewWithClient(client)

	mr.HSet("pk:doc:users:bob", "_id", "bob")
	mr.HSet("pk:doc:users:bob", core.FieldXP, "120")
	mr.HSet("pk:doc:users:bob", "note", "plain text")

	doc, err := store.GetDocument(context.Background(), core.CollectionUsers, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(120), doc[core.FieldXP])
	assert.Equal(t, "plain text", doc["note"])
	assert.NotContains(t, doc, "_id")
}

func TestStore_IncrementRejectsNonInteger(t *testing.T) {
	_, client := newTestClient(t)
	store := NewWithClient(client)
	ctx := context.Background()

	require.NoError(t, store.UpsertDocument(ctx, core.CollectionTracks, "go", core.Document{"title": "Go"}, core.MergeOverwrite))
	_, err := store.AtomicIncrement(ctx, core.CollectionTracks, "go", "title", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrNotFound))
}

func TestStore_ReservedField(t *testing.T) {
	_, client := newTestClient(t)
	store := NewWithClient(client)
	err := store.UpsertDocument(context.Background(), core.CollectionUsers, "u", core.Document{"_id": "x"}, core.MergeOverwrite)
	assert.Error(t, err)
}

func TestStore_UnreachableServer(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewWithClient(client)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := store.GetDocument(ctx, core.CollectionUsers, "u")
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrNotFound))
	assert.Error(t, store.Ping(ctx))
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost:6379", config.Addr)
	assert.Equal(t, "", config.Password)
	assert.Equal(t, 0, config.DB)
	assert.Equal(t, 10, config.PoolSize)
	assert.Equal(t, 2, config.MinIdleConns)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, "pk", config.KeyPrefix)
	assert.Equal(t, 5, config.TxRetries)
}
