package presence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisCounter_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	room := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, keyPrefix+room) })

	a := NewRedisCounter(client, "server-a")
	b := NewRedisCounter(client, "server-b")

	n, err := a.Added(ctx, room, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = b.Added(ctx, room, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "same conn id on another server is a distinct member")

	n, err = a.Added(ctx, room, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "adding twice is idempotent")

	n, err = a.Removed(ctx, room, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = b.Count(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisCounter_ResetDropsOnlyOwnMembers(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	room := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, keyPrefix+room) })

	server := "reset-" + uuid.NewString()
	mine := NewRedisCounter(client, server)
	theirs := NewRedisCounter(client, "other-"+uuid.NewString())

	_, err := mine.Added(ctx, room, "c1")
	require.NoError(t, err)
	_, err = mine.Added(ctx, room, "c2")
	require.NoError(t, err)
	_, err = theirs.Added(ctx, room, "c3")
	require.NoError(t, err)

	removed, err := mine.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := theirs.Count(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
