package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TagCache is a read-through Redis cache for event SMS tags. Redis failures
// fall through to the source so composing never depends on the cache.
type TagCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	source TagSource
	logger *slog.Logger
}

func NewTagCache(rdb *redis.Client, ttl time.Duration, source TagSource, logger *slog.Logger) *TagCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TagCache{rdb: rdb, ttl: ttl, source: source, logger: logger}
}

type tagValue struct {
	Tag      string    `json:"tag"`
	CachedAt time.Time `json:"cachedAt"`
}

func tagKey(eventID uuid.UUID) string {
	return fmt.Sprintf("event:%s:sms_tag", eventID)
}

func (c *TagCache) EventTag(ctx context.Context, eventID uuid.UUID) (string, error) {
	key := tagKey(eventID)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v tagValue
		if jerr := json.Unmarshal(raw, &v); jerr == nil {
			return v.Tag, nil
		}
		c.logger.Warn("tag cache: dropping undecodable entry", "event_id", eventID)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("tag cache: read failed", "event_id", eventID, "error", err)
	}

	tag, err := c.source.EventTag(ctx, eventID)
	if err != nil {
		return "", err
	}

	if err := c.store(ctx, key, tag); err != nil {
		c.logger.Warn("tag cache: write failed", "event_id", eventID, "error", err)
	}
	return tag, nil
}

func (c *TagCache) store(ctx context.Context, key, tag string) error {
	b, err := json.Marshal(tagValue{Tag: tag, CachedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
