package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
)

// KafkaBroadcaster 基于 Kafka 的广播器
// 单主题、按 device_id 分区：同一设备的事件保持顺序
type KafkaBroadcaster struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaBroadcaster 创建 Kafka 广播器
func NewKafkaBroadcaster(cfg *config.KafkaConfig, logger *zap.Logger) *KafkaBroadcaster {
	topic := cfg.Topic
	if topic == "" {
		topic = "alarm-events"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaBroadcaster{
		writer: writer,
		logger: logger,
	}
}

// Publish 写入事件消息
func (b *KafkaBroadcaster) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.DeviceID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "tenant_id", Value: []byte(event.TenantID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Close 关闭 Kafka writer
func (b *KafkaBroadcaster) Close() error {
	return b.writer.Close()
}
