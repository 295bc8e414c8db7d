package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

// Channel 通知通道
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient models.Recipient, notification Notification) error
}

// NewChannel 根据配置创建通知通道
func NewChannel(cfg *config.NotifyConfig, logger *zap.Logger) (Channel, error) {
	switch cfg.Channel {
	case "email":
		return NewEmailChannel(&cfg.Email), nil
	case "webhook":
		return NewWebhookChannel(&cfg.Webhook), nil
	case "log", "":
		return NewLogChannel(logger), nil
	default:
		return nil, fmt.Errorf("unknown notify channel: %s", cfg.Channel)
	}
}

// ============================================
// 日志通道（开发/降级用）
// ============================================

// LogChannel 把通知写入结构化日志
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, recipient models.Recipient, notification Notification) error {
	c.logger.Info("ALERT NOTIFICATION",
		zap.String("recipient_id", recipient.RecipientID),
		zap.String("role", recipient.Role),
		zap.String("alert_id", notification.Alert.AlertID),
		zap.String("device_id", notification.Alert.DeviceID),
		zap.String("condition_key", notification.Alert.ConditionKey),
		zap.String("severity", notification.Alert.Severity),
		zap.String("event", notification.Event),
		zap.Int("level", notification.Alert.EscalationLevel),
	)
	return nil
}

// ============================================
// SMTP 邮件通道
// ============================================

// EmailChannel 通过 SMTP 发送报警邮件
type EmailChannel struct {
	cfg *config.EmailConfig
}

func NewEmailChannel(cfg *config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, recipient models.Recipient, notification Notification) error {
	if recipient.Email == nil || *recipient.Email == "" {
		return fmt.Errorf("recipient %s has no email address", recipient.RecipientID)
	}

	alert := notification.Alert
	subject := fmt.Sprintf("[%s] %s alert on device %s (level %d)",
		alert.Severity, alert.ConditionKey, alert.DeviceID, alert.EscalationLevel)
	body := fmt.Sprintf(
		"Alert %s\r\nDevice: %s\r\nCondition: %s\r\nSeverity: %s\r\nEvent: %s\r\nEscalation level: %d\r\nCondition started: %s\r\nTriggered: %s\r\n",
		alert.AlertID,
		alert.DeviceID,
		alert.ConditionKey,
		alert.Severity,
		notification.Event,
		alert.EscalationLevel,
		alert.ConditionStartedAt.Format(time.RFC3339),
		alert.TriggeredAt.Format(time.RFC3339),
	)
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		c.cfg.From, *recipient.Email, subject, body)

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, c.cfg.From, []string{*recipient.Email}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// ============================================
// Webhook 通道
// ============================================

// webhookPayload webhook 请求体
type webhookPayload struct {
	Event string       `json:"event"`
	Role  string       `json:"role"`
	Alert models.Alert `json:"alert"`
}

// WebhookChannel 通过 HTTP POST 推送报警到接收人配置的 webhook 地址
type WebhookChannel struct {
	client *resty.Client
}

func NewWebhookChannel(cfg *config.WebhookConfig) *WebhookChannel {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)
	return &WebhookChannel{client: client}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, recipient models.Recipient, notification Notification) error {
	if recipient.WebhookURL == nil || *recipient.WebhookURL == "" {
		return fmt.Errorf("recipient %s has no webhook url", recipient.RecipientID)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{
			Event: notification.Event,
			Role:  notification.Role,
			Alert: notification.Alert,
		}).
		Post(*recipient.WebhookURL)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
