package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

// 通知事件类型
const (
	EventCreated   = "created"
	EventEscalated = "escalated"
)

// Notification 一次通知任务：向某个升级梯队 (role, scope) 的全部接收人送达报警
type Notification struct {
	Alert models.Alert
	Event string // created / escalated
	Role  string
	Scope string
}

// RecipientResolver 接收人解析
type RecipientResolver interface {
	Resolve(ctx context.Context, tenantID, deviceID, role, scope string) ([]models.Recipient, error)
}

// DeliveryRecorder 送达记录回写
type DeliveryRecorder interface {
	AppendNotifiedUsers(ctx context.Context, alertID string, entriesJSON string) error
}

// deliveryEntry notified_users JSONB 数组的元素
type deliveryEntry struct {
	RecipientID string    `json:"recipient_id"`
	Role        string    `json:"role"`
	Level       int       `json:"level"`
	Channel     string    `json:"channel"`
	NotifiedAt  time.Time `json:"notified_at"`
}

// Notifier 通知分发器
// 经缓冲队列异步消费：通知通道故障（SMTP 宕机、webhook 超时）只记日志，
// 绝不反压到评估与状态机路径
type Notifier struct {
	queue      chan Notification
	channel    Channel
	recipients RecipientResolver
	recorder   DeliveryRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// New 创建通知分发器
func New(cfg *config.NotifyConfig, channel Channel, recipients RecipientResolver, recorder DeliveryRecorder, logger *zap.Logger) *Notifier {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Notifier{
		queue:      make(chan Notification, size),
		channel:    channel,
		recipients: recipients,
		recorder:   recorder,
		logger:     logger,
	}
}

// Start 启动消费协程，ctx 取消后退出
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				n.drain()
				return
			case notification := <-n.queue:
				n.deliver(context.Background(), notification)
			}
		}
	}()
}

// Wait 等待消费协程退出
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Enqueue 投递通知任务，队列满时丢弃并告警
func (n *Notifier) Enqueue(notification Notification) {
	select {
	case n.queue <- notification:
	default:
		n.logger.Warn("Notification queue full, dropping",
			zap.String("alert_id", notification.Alert.AlertID),
			zap.String("event", notification.Event),
			zap.Int("level", notification.Alert.EscalationLevel),
		)
	}
}

// drain 退出前处理队列残留任务
func (n *Notifier) drain() {
	for {
		select {
		case notification := <-n.queue:
			n.deliver(context.Background(), notification)
		default:
			return
		}
	}
}

// deliver 逐个接收人送达，单人失败不影响其余接收人
func (n *Notifier) deliver(ctx context.Context, notification Notification) {
	alert := notification.Alert

	recipients, err := n.recipients.Resolve(ctx, alert.TenantID, alert.DeviceID, notification.Role, notification.Scope)
	if err != nil {
		n.logger.Error("Failed to resolve recipients",
			zap.String("alert_id", alert.AlertID),
			zap.String("role", notification.Role),
			zap.String("scope", notification.Scope),
			zap.Error(err),
		)
		return
	}
	if len(recipients) == 0 {
		n.logger.Warn("No recipients configured for tier",
			zap.String("alert_id", alert.AlertID),
			zap.String("role", notification.Role),
			zap.String("scope", notification.Scope),
		)
		return
	}

	delivered := []deliveryEntry{}
	for _, recipient := range recipients {
		if err := n.channel.Send(ctx, recipient, notification); err != nil {
			n.logger.Error("Failed to send notification",
				zap.String("alert_id", alert.AlertID),
				zap.String("recipient_id", recipient.RecipientID),
				zap.String("channel", n.channel.Name()),
				zap.Error(err),
			)
			continue
		}
		delivered = append(delivered, deliveryEntry{
			RecipientID: recipient.RecipientID,
			Role:        notification.Role,
			Level:       alert.EscalationLevel,
			Channel:     n.channel.Name(),
			NotifiedAt:  time.Now().UTC(),
		})
	}

	if len(delivered) == 0 {
		return
	}

	entriesJSON, err := json.Marshal(delivered)
	if err != nil {
		n.logger.Error("Failed to marshal delivery entries", zap.Error(err))
		return
	}
	if err := n.recorder.AppendNotifiedUsers(ctx, alert.AlertID, string(entriesJSON)); err != nil {
		// 送达记录失败不重发：通知本身已经发出
		n.logger.Error("Failed to record notified users",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return
	}

	n.logger.Info("Notification delivered",
		zap.String("alert_id", alert.AlertID),
		zap.String("event", notification.Event),
		zap.Int("level", alert.EscalationLevel),
		zap.String("role", notification.Role),
		zap.Int("recipients", len(delivered)),
	)
}
