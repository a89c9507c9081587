package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// eventKeyPrefix namespaces processed-event keys in the shared Redis.
const eventKeyPrefix = "premiumgate:event:"

// RedisEventLog remembers processed Stripe event ids with a TTL, cutting the
// Stripe round trip for duplicate webhook deliveries. It is strictly
// best-effort: Redis being down degrades to processing every delivery, which
// the idempotent reconciler tolerates.
type RedisEventLog struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisEventLog creates an event log with the given TTL per event id.
func NewRedisEventLog(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisEventLog {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEventLog{client: client, ttl: ttl, logger: logger}
}

// Seen reports whether the event id was marked before. Lookup failures count
// as unseen so a Redis outage never drops events.
func (l *RedisEventLog) Seen(ctx context.Context, eventID string) bool {
	n, err := l.client.Exists(ctx, eventKeyPrefix+eventID).Result()
	if err != nil {
		l.logger.WarnContext(ctx, "event log lookup failed", "event_id", eventID, "error", err)
		return false
	}
	return n > 0
}

// Mark records the event id as processed.
func (l *RedisEventLog) Mark(ctx context.Context, eventID string) {
	if err := l.client.Set(ctx, eventKeyPrefix+eventID, 1, l.ttl).Err(); err != nil {
		l.logger.WarnContext(ctx, "event log write failed", "event_id", eventID, "error", err)
	}
}
