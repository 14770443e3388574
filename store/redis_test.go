package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStoreFromClient(client, "flhub", zap.NewNop())
}

func TestRedisStore_Contract(t *testing.T) {
	runRecordStoreContract(t, newTestRedisStore(t))
}

func TestRedisStore_ListSkipsExpiredMembers(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStoreFromClient(client, "flhub", zap.NewNop())
	require.NoError(t, s.Insert(ctx, testRecord("kept")))
	require.NoError(t, s.Insert(ctx, testRecord("gone")))

	// Simulate a value lost out from under the index set.
	require.NoError(t, client.Del(ctx, "flhub:session:gone").Err())

	records, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].NodeID)
}
