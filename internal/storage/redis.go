package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/org/datagate/pkg/models"
)

const (
	eventsKey    = "datagate:events:recent"
	eventsMaxLen = 1000
)

// RedisEvents implements EventStore on a Redis list, newest entries first.
type RedisEvents struct {
	rdb *redis.Client
}

// NewRedisEvents initializes a Redis client and validates connectivity.
func NewRedisEvents(ctx context.Context, addr string) (*RedisEvents, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisEvents{rdb: rdb}, nil
}

// Close closes the underlying client.
func (s *RedisEvents) Close() error {
	return s.rdb.Close()
}

func (s *RedisEvents) AppendEvent(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, eventsKey, data)
	pipe.LTrim(ctx, eventsKey, 0, eventsMaxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisEvents) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > eventsMaxLen {
		limit = eventsMaxLen
	}
	raw, err := s.rdb.LRange(ctx, eventsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, 0, len(raw))
	for _, item := range raw {
		var e models.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue // skip malformed entries rather than fail the read
		}
		events = append(events, e)
	}
	return events, nil
}
