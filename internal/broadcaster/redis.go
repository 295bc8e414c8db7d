package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// maxStreamLen 每个租户事件流的近似长度上限
const maxStreamLen = 10000

// RedisBroadcaster 基于 Redis Streams 的广播器
// 每个租户一条流：<prefix><tenant_id>，推送层按租户 XREAD 消费
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBroadcaster 创建 Redis Streams 广播器
func NewRedisBroadcaster(client *redis.Client, prefix string, logger *zap.Logger) *RedisBroadcaster {
	if prefix == "" {
		prefix = "alarm:events:"
	}
	return &RedisBroadcaster{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Publish 追加事件到租户流
func (b *RedisBroadcaster) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	stream := b.prefix + event.TenantID
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":          event.Type,
			"tenant_id":     event.TenantID,
			"device_id":     event.DeviceID,
			"alert_id":      event.Alert.AlertID,
			"condition_key": event.Alert.ConditionKey,
			"severity":      event.Alert.Severity,
			"level":         event.Alert.EscalationLevel,
			"status":        event.Alert.AlarmStatus,
			"at":            event.At.UnixMilli(),
			"payload":       string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return nil
}

// Close Redis 连接由外部管理，这里不关闭
func (b *RedisBroadcaster) Close() error { return nil }
