// Package notify fans persisted fraud alerts out to the message channels
// operators watch.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	commonredis "securordo/internal/common/redis"
	"securordo/internal/domain"
)

// DefaultStream Redis stream fraud alerts are appended to
const DefaultStream = "securordo:fraud-alerts"

// RedisStreamNotifier appends every alert to a Redis stream (XADD).
type RedisStreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamNotifier maxLen <= 0 keeps the stream untrimmed.
func NewRedisStreamNotifier(client *redis.Client, stream string, maxLen int64) *RedisStreamNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

func (n *RedisStreamNotifier) Name() string { return "redis-stream" }

func (n *RedisStreamNotifier) NotifyFraud(ctx context.Context, alert *domain.FraudAlert) error {
	if _, err := commonredis.PublishJSONToStream(ctx, n.client, n.stream, n.maxLen, alert); err != nil {
		return fmt.Errorf("failed to publish fraud alert %s to %s: %w", alert.ID, n.stream, err)
	}
	return nil
}

// DecodeStreamAlert reads back an entry written by RedisStreamNotifier.
func DecodeStreamAlert(msg commonredis.StreamMessage) (*domain.FraudAlert, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no data field", msg.ID)
	}
	var a domain.FraudAlert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("failed to decode stream entry %s: %w", msg.ID, err)
	}
	return &a, nil
}
