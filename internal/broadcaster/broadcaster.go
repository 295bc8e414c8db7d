package broadcaster

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

// 广播事件类型
const (
	EventAlarmCreated      = "alarm_created"
	EventAlarmEscalated    = "alarm_escalated"
	EventAlarmResolved     = "alarm_resolved"
	EventAlarmAcknowledged = "alarm_acknowledged"
)

// Event 报警生命周期事件
// 推送层（WebSocket 网关、移动推送）订阅这些事件做实时下发，
// 本服务只负责发布，不关心有没有订阅者
type Event struct {
	Type     string       `json:"type"`
	TenantID string       `json:"tenant_id"`
	DeviceID string       `json:"device_id"`
	Alert    models.Alert `json:"alert"`
	At       time.Time    `json:"at"`
}

// Broadcaster 事件广播接口
// Publish 失败只记日志：广播是尽力而为的旁路，不得影响状态机
type Broadcaster interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// New 根据配置创建广播器
// redis driver 复用看板缓存的连接
func New(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (Broadcaster, error) {
	switch cfg.Broadcast.Driver {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis broadcaster requires a redis client")
		}
		return NewRedisBroadcaster(redisClient, cfg.Broadcast.StreamPrefix, logger), nil
	case "mqtt":
		return NewMQTTBroadcaster(&cfg.MQTT, cfg.Broadcast.TopicPrefix, logger)
	case "kafka":
		return NewKafkaBroadcaster(&cfg.Kafka, logger), nil
	case "none", "":
		return NewNopBroadcaster(), nil
	default:
		return nil, fmt.Errorf("unknown broadcast driver: %s", cfg.Broadcast.Driver)
	}
}

// ============================================
// 空实现
// ============================================

// NopBroadcaster 关闭广播时的空实现
type NopBroadcaster struct{}

func NewNopBroadcaster() *NopBroadcaster { return &NopBroadcaster{} }

func (b *NopBroadcaster) Publish(_ context.Context, _ Event) error { return nil }

func (b *NopBroadcaster) Close() error { return nil }
