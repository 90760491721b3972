package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const turnSeqPrefix = "turnpipe:seq:"

// RedisAllocator allocates turn numbers through a shared redis counter so
// multiple processes serving the same user stay gapless. INCR is atomic
// server-side, which is the whole critical section.
type RedisAllocator struct {
	client *redis.Client
}

// DialRedis connects and verifies the server before handing the client out.
func DialRedis(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func NewRedisAllocator(client *redis.Client) *RedisAllocator {
	return &RedisAllocator{client: client}
}

func (a *RedisAllocator) Next(ctx context.Context, userID string) (int64, error) {
	n, err := a.client.Incr(ctx, turnSeqPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr for user %s: %w", userID, err)
	}
	return n, nil
}
