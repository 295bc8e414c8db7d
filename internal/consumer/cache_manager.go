package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

// AlarmCacheManager 活跃报警缓存管理器
// 把设备的存续报警镜像到 Redis，供轮询式看板读取，避免打穿数据库。
// 数据库永远是事实来源：缓存写失败只记日志，短 TTL 保证陈旧数据自然过期
type AlarmCacheManager struct {
	client *redis.Client
	prefix string
	suffix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewAlarmCacheManager 创建缓存管理器
func NewAlarmCacheManager(client *redis.Client, cfg *config.CacheConfig, logger *zap.Logger) *AlarmCacheManager {
	prefix := cfg.AlarmKeyPrefix
	if prefix == "" {
		prefix = "sitesense:device:"
	}
	suffix := cfg.AlarmSuffix
	if suffix == "" {
		suffix = ":alarms"
	}
	ttl := time.Duration(cfg.AlarmTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AlarmCacheManager{
		client: client,
		prefix: prefix,
		suffix: suffix,
		ttl:    ttl,
		logger: logger,
	}
}

// alarmKey 缓存键：<prefix><device_id><suffix>
func (m *AlarmCacheManager) alarmKey(deviceID string) string {
	return m.prefix + deviceID + m.suffix
}

// SyncDevice 全量覆盖设备的存续报警镜像
// 无存续报警时直接删键，看板读到空即设备正常
func (m *AlarmCacheManager) SyncDevice(ctx context.Context, deviceID string, alerts []*models.Alert) error {
	if deviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	key := m.alarmKey(deviceID)

	if len(alerts) == 0 {
		if err := m.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete alarm cache: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}
	if err := m.client.Set(ctx, key, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set alarm cache: %w", err)
	}
	return nil
}

// GetDeviceAlarms 读取设备的存续报警镜像
// 缓存未命中返回 (nil, false, nil)，调用方回源数据库
func (m *AlarmCacheManager) GetDeviceAlarms(ctx context.Context, deviceID string) ([]*models.Alert, bool, error) {
	if deviceID == "" {
		return nil, false, fmt.Errorf("device_id is required")
	}

	data, err := m.client.Get(ctx, m.alarmKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get alarm cache: %w", err)
	}

	alerts := []*models.Alert{}
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached alerts: %w", err)
	}
	return alerts, true, nil
}
