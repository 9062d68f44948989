package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink pushes each batch as one JSON document onto a redis list.
//
// The master (or a relay in front of it) pops the list.
type RedisSink struct {
	Client *redis.Client

	// Key of the list. Default "gridq:mirror".
	Key string

	SiteID uint64
}

type redisDocument struct {
	SiteID uint64 `json:"site_id"`
	Batch
}

func (s RedisSink) key() string {
	if s.Key == "" {
		return "gridq:mirror"
	}
	return s.Key
}

func (s RedisSink) Send(ctx context.Context, batch Batch) error {
	data, err := json.Marshal(redisDocument{SiteID: s.SiteID, Batch: batch})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	if err := s.Client.RPush(ctx, s.key(), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to push batch to %s: %w", s.key(), err)
	}
	return nil
}
