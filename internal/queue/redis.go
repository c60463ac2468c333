package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisKey is the list that carries pending job ids.
const DefaultRedisKey = "queue:render_jobs"

// RedisFIFO keeps the job id FIFO in a Redis list. Only ids travel through
// Redis; the executable job stays in the owning process.
type RedisFIFO struct {
	client *redis.Client
	key    string
}

var _ FIFO = (*RedisFIFO)(nil)

func NewRedisFIFO(redisURL, key string) (*RedisFIFO, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if key == "" {
		key = DefaultRedisKey
	}

	return &RedisFIFO{client: client, key: key}, nil
}

func (f *RedisFIFO) Close() error {
	return f.client.Close()
}

func (f *RedisFIFO) Push(ctx context.Context, id string) error {
	if err := f.client.RPush(ctx, f.key, id).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}
	return nil
}

func (f *RedisFIFO) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := f.client.BLPop(ctx, timeout, f.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil // No job available
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return "", fmt.Errorf("unexpected redis response")
	}

	return result[1], nil
}

func (f *RedisFIFO) Remove(ctx context.Context, id string) (bool, error) {
	n, err := f.client.LRem(ctx, f.key, 0, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", id, err)
	}
	return n > 0, nil
}

func (f *RedisFIFO) Len(ctx context.Context) (int64, error) {
	return f.client.LLen(ctx, f.key).Result()
}
