package presence

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/arjunkumar811/Excalidraw/internal/registry"
)

// Counter computes the presence count of a room after a membership change.
// The registry has already been updated when a Counter method runs.
type Counter interface {
	Added(ctx context.Context, roomID, connID string) (int, error)
	Removed(ctx context.Context, roomID, connID string) (int, error)
	Count(ctx context.Context, roomID string) (int, error)
}

// clusterWide is implemented by counters whose counts cover every instance
// sharing the bus. Counts from other counters describe local members only.
type clusterWide interface {
	ClusterWide() bool
}

// LocalCounter counts the members held by this instance's registry.
type LocalCounter struct {
	reg *registry.Registry
}

// NewLocalCounter creates a counter over reg.
func NewLocalCounter(reg *registry.Registry) *LocalCounter {
	return &LocalCounter{reg: reg}
}

func (c *LocalCounter) Added(_ context.Context, roomID, _ string) (int, error) {
	return c.reg.MemberCount(roomID), nil
}

func (c *LocalCounter) Removed(_ context.Context, roomID, _ string) (int, error) {
	return c.reg.MemberCount(roomID), nil
}

func (c *LocalCounter) Count(_ context.Context, roomID string) (int, error) {
	return c.reg.MemberCount(roomID), nil
}

// keyPrefix is the Redis key prefix for room presence sets.
const keyPrefix = "presence:"

// RedisCounter keeps one set per room, shared by every instance. Members are
// "<server>/<conn>" so that an instance can find and drop its own entries.
type RedisCounter struct {
	client *redis.Client
	server string
}

// NewRedisCounter creates a cluster-wide counter for the named instance.
func NewRedisCounter(client *redis.Client, server string) *RedisCounter {
	return &RedisCounter{client: client, server: server}
}

// ClusterWide reports true: the set is shared by every instance.
func (c *RedisCounter) ClusterWide() bool { return true }

func (c *RedisCounter) member(connID string) string {
	return c.server + "/" + connID
}

// Added runs SADD and SCARD in a single round trip.
func (c *RedisCounter) Added(ctx context.Context, roomID, connID string) (int, error) {
	key := keyPrefix + roomID
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, c.member(connID))
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence: redis add %s: %w", roomID, err)
	}
	return int(card.Val()), nil
}

// Removed runs SREM and SCARD in a single round trip.
func (c *RedisCounter) Removed(ctx context.Context, roomID, connID string) (int, error) {
	key := keyPrefix + roomID
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, key, c.member(connID))
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence: redis remove %s: %w", roomID, err)
	}
	return int(card.Val()), nil
}

func (c *RedisCounter) Count(ctx context.Context, roomID string) (int, error) {
	n, err := c.client.SCard(ctx, keyPrefix+roomID).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: redis count %s: %w", roomID, err)
	}
	return int(n), nil
}

// Reset drops every member this instance left behind, e.g. after a crash.
// It returns the number of members removed.
func (c *RedisCounter) Reset(ctx context.Context) (int, error) {
	removed := 0
	prefix := c.server + "/"

	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		members, err := c.client.SMembers(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("presence: redis members %s: %w", key, err)
		}
		var own []interface{}
		for _, m := range members {
			if strings.HasPrefix(m, prefix) {
				own = append(own, m)
			}
		}
		if len(own) == 0 {
			continue
		}
		n, err := c.client.SRem(ctx, key, own...).Result()
		if err != nil {
			return removed, fmt.Errorf("presence: redis reset %s: %w", key, err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("presence: redis scan: %w", err)
	}
	return removed, nil
}
