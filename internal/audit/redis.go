package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream events are appended to when none is configured.
const DefaultStream = "chatwidget:audit"

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
}

func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}

	return &RedisSink{
		client: client,
		stream: stream,
	}
}

func (s *RedisSink) Record(ctx context.Context, e Event) error {
	values := map[string]any{
		"type":       e.Type,
		"account_id": e.AccountID.String(),
		"email":      string(e.Email),
		"at":         e.At.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range e.Meta {
		values["meta."+k] = v
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis audit: append failed: %w", err)
	}

	return nil
}
