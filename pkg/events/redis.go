package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventList = "modulebuild:events"

// RedisQueue is the production event transport: a single redis list with
// blocking pops. Delivery is at-least-once across service restarts because
// publishers re-synthesize events from persisted state.
type RedisQueue struct {
	redis *redis.Client
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisQueue{redis: client}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.redis.RPush(ctx, eventList, raw).Err()
}

func (q *RedisQueue) Consume(ctx context.Context) (*Event, error) {
	result, err := q.redis.BLPop(ctx, 5*time.Second, eventList).Result()
	if err == redis.Nil {
		return nil, nil // nothing queued
	}
	if err != nil {
		return nil, err
	}

	var ev Event
	if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}
