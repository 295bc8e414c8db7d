package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTBroadcaster 基于 MQTT 的广播器
// 主题：<prefix>/<tenant_id>/<device_id>/<event_type>，客户端按租户或设备订阅
type MQTTBroadcaster struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewMQTTBroadcaster 创建 MQTT 广播器并建立连接
func NewMQTTBroadcaster(cfg *config.MQTTConfig, prefix string, logger *zap.Logger) (*MQTTBroadcaster, error) {
	if prefix == "" {
		prefix = "alarm"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("MQTT broadcaster connected", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT broadcaster connection lost", zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect mqtt broker: %w", err)
	}

	return &MQTTBroadcaster{
		client: client,
		prefix: prefix,
		qos:    cfg.QoS,
		logger: logger,
	}, nil
}

// Publish 发布事件到设备主题
func (b *MQTTBroadcaster) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%s/%s", b.prefix, event.TenantID, event.DeviceID, event.Type)
	token := b.client.Publish(topic, b.qos, false, payload)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return nil
	}
}

// Close 断开 MQTT 连接
func (b *MQTTBroadcaster) Close() error {
	b.client.Disconnect(250)
	return nil
}
