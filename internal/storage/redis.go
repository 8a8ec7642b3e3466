package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maneesh/vidstream/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CacheTTL is the time-to-live for cached video records (5 minutes)
	CacheTTL = 5 * time.Minute

	eventChannelPattern = "tenant:*:events"
)

// EventChannel is the pub/sub channel carrying a tenant's pipeline events
func EventChannel(tenantID string) string {
	return fmt.Sprintf("tenant:%s:events", tenantID)
}

// RedisClient wraps the status cache and event fan-out with tracing
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func videoKey(tenantID, videoID string) string {
	return fmt.Sprintf("video:%s:%s", tenantID, videoID)
}

// GetVideo retrieves a cached record with tracing. A miss returns nil, nil.
func (rc *RedisClient) GetVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "redis.get_video",
		trace.WithAttributes(
			attribute.String("video_id", videoID),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, videoKey(tenantID, videoID)).Result()
	if err == redis.Nil {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil // Cache miss, not an error
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var v models.Video
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &v, nil
}

// SetVideo caches a record. Only records in a terminal processing state are
// stored; anything else is about to change.
func (rc *RedisClient) SetVideo(ctx context.Context, v *models.Video) error {
	if !v.ProcessingStatus.Terminal() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "redis.set_video",
		trace.WithAttributes(
			attribute.String("video_id", v.ID),
			attribute.String("processing_status", string(v.ProcessingStatus)),
		),
	)
	defer span.End()

	data, err := json.Marshal(v)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal video: %w", err)
	}

	if err := rc.client.Set(ctx, videoKey(v.TenantID, v.ID), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_set_success", true),
		attribute.Int64("ttl_seconds", int64(CacheTTL.Seconds())),
	)
	return nil
}

// InvalidateVideo removes a cached record with tracing
func (rc *RedisClient) InvalidateVideo(ctx context.Context, tenantID, videoID string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_video",
		trace.WithAttributes(
			attribute.String("video_id", videoID),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, videoKey(tenantID, videoID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_invalidate_success", true))
	return nil
}

// PublishEvent sends an event to the tenant's channel
func (rc *RedisClient) PublishEvent(ctx context.Context, tenantID string, event models.Event) error {
	ctx, span := tracer.Start(ctx, "redis.publish_event",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("event", event.Name),
		),
	)
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := rc.client.Publish(ctx, EventChannel(tenantID), data).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// TenantEvent is an event received from pub/sub with its tenant
type TenantEvent struct {
	TenantID string
	Event    models.Event
}

// SubscribeEvents listens on every tenant channel until ctx is done. The
// returned channel is closed when the subscription ends.
func (rc *RedisClient) SubscribeEvents(ctx context.Context) (<-chan TenantEvent, error) {
	sub := rc.client.PSubscribe(ctx, eventChannelPattern)
	// Receive blocks until the subscription is confirmed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan TenantEvent, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				tenantID, ok := tenantFromChannel(msg.Channel)
				if !ok {
					continue
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- TenantEvent{TenantID: tenantID, Event: ev}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func tenantFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, "tenant:") || !strings.HasSuffix(channel, ":events") {
		return "", false
	}
	tenantID := strings.TrimSuffix(strings.TrimPrefix(channel, "tenant:"), ":events")
	return tenantID, tenantID != ""
}

// Ping checks Redis is reachable
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}
