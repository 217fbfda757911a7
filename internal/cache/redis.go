// Package cache mirrors live entity state into Redis for renderers running
// in other processes and publishes track events on a Redis Stream for
// downstream consumers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/config"
	"skyguard-telemetry/internal/models"
	"skyguard-telemetry/internal/sink"
)

// NewRedisClient creates a client for cfg.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping checks the connection.
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// EntityCache stores each live entity as JSON under
// <prefix><channel>:<entity id> with the path TTL, and appends every applied
// track event to a stream as {channel, entity_id, data}, data msgpack encoded.
type EntityCache struct {
	client    *redis.Client
	keyPrefix string
	stream    string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewEntityCache creates the cache. An empty stream disables publishing.
func NewEntityCache(client *redis.Client, keyPrefix, stream string, ttl time.Duration, logger *zap.Logger) *EntityCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityCache{
		client:    client,
		keyPrefix: keyPrefix,
		stream:    stream,
		ttl:       ttl,
		logger:    logger,
	}
}

var _ sink.Sink = (*EntityCache)(nil)

func (c *EntityCache) Name() string { return "redis" }

// Key returns the cache key of one entity.
func (c *EntityCache) Key(channel models.Channel, entityID string) string {
	return fmt.Sprintf("%s%s:%s", c.keyPrefix, channel, entityID)
}

// Write stores the entity states and publishes the events in one pipeline.
func (c *EntityCache) Write(ctx context.Context, records []sink.Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, r := range records {
		state, err := json.Marshal(r.State)
		if err != nil {
			return fmt.Errorf("failed to marshal entity %s: %w", r.State.EntityID, err)
		}
		pipe.Set(ctx, c.Key(r.State.Channel, r.State.EntityID), state, c.ttl)

		if c.stream == "" {
			continue
		}
		event, err := msgpack.Marshal(&r.Event)
		if err != nil {
			return fmt.Errorf("failed to encode track event %s: %w", r.Event.EntityID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: c.stream,
			Values: map[string]interface{}{
				"channel":   string(r.Event.Channel),
				"entity_id": r.Event.EntityID,
				"data":      event,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write entity cache: %w", err)
	}

	c.logger.Debug("Updated entity cache", zap.Int("records", len(records)))
	return nil
}

// Evict deletes the cached entities.
func (c *EntityCache) Evict(ctx context.Context, channel models.Channel, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		keys = append(keys, c.Key(channel, id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to evict cached entities: %w", err)
	}
	return nil
}

// DecodeTrackEvent decodes the data field of one stream message.
func DecodeTrackEvent(msg redis.XMessage) (models.TrackEvent, error) {
	var ev models.TrackEvent
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return ev, fmt.Errorf("stream message %s has no data field", msg.ID)
	}
	if err := msgpack.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, fmt.Errorf("failed to decode track event %s: %w", msg.ID, err)
	}
	return ev, nil
}
