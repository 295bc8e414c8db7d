package escalator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sitesense-alarm/internal/broadcaster"
	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/evaluator"
	"sitesense-alarm/internal/models"
	"sitesense-alarm/internal/notifier"
)

// AlertStore 报警存储
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) (bool, error)
	EscalateAlert(ctx context.Context, alertID string, fromLevel int) (bool, error)
	ResolveByCondition(ctx context.Context, deviceID, conditionKey string) (*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, tenantID, alertID, handlerID string) error
	ResolveAlert(ctx context.Context, tenantID, alertID, handlerID string) error
	GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
	ListLiveByDevice(ctx context.Context, deviceID string) ([]*models.Alert, error)
}

// Dispatcher 通知投递
type Dispatcher interface {
	Enqueue(notification notifier.Notification)
}

// CacheSyncer 看板缓存镜像
type CacheSyncer interface {
	SyncDevice(ctx context.Context, deviceID string, alerts []*models.Alert) error
}

// Escalator 报警状态机
// 所有状态迁移以数据库条件更新的结果为准：本进程"赢得"迁移才触发通知和广播。
// 多实例并发评估同一设备时，这保证每次创建、每级升级至多通知一次
type Escalator struct {
	store     AlertStore
	tiers     []config.TierConfig
	dispatch  Dispatcher
	broadcast broadcaster.Broadcaster
	cache     CacheSyncer
	logger    *zap.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// 广播发布超时：广播是旁路输出，不跟随请求上下文
const publishTimeout = 5 * time.Second

// New 创建状态机
func New(cfg *config.Config, store AlertStore, dispatch Dispatcher, broadcast broadcaster.Broadcaster, cache CacheSyncer, logger *zap.Logger) *Escalator {
	return &Escalator{
		store:     store,
		tiers:     cfg.Escalation.Tiers,
		dispatch:  dispatch,
		broadcast: broadcast,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

// Apply 执行一批评估意图
// 单个意图失败不中断其余意图，错误已在各自路径记录
func (e *Escalator) Apply(ctx context.Context, device *models.Device, intents []evaluator.Intent) {
	for _, intent := range intents {
		switch intent.Action {
		case evaluator.ActionCreate:
			e.applyCreate(ctx, device, intent)
		case evaluator.ActionEscalate:
			e.applyEscalate(ctx, intent.Alert, intent.ToLevel)
		case evaluator.ActionResolve:
			e.applyResolve(ctx, device.DeviceID, intent.Threshold.ConditionKey)
		}
	}
}

// ============================================
// 状态迁移
// ============================================

// applyCreate 创建报警并通知第 0 梯队
// 插入被部分唯一索引挡下（并发竞争落败）时静默放弃
func (e *Escalator) applyCreate(ctx context.Context, device *models.Device, intent evaluator.Intent) {
	now := e.now().UTC()

	triggerData, err := marshalSnapshot(intent.Threshold, intent.Latest)
	if err != nil {
		e.logger.Error("Failed to marshal trigger snapshot", zap.Error(err))
		triggerData = "{}"
	}

	alert := &models.Alert{
		AlertID:            uuid.New().String(),
		TenantID:           device.TenantID,
		DeviceID:           device.DeviceID,
		ConditionKey:       intent.Threshold.ConditionKey,
		Severity:           intent.Threshold.Severity,
		AlarmStatus:        models.AlertStatusActive,
		EscalationLevel:    0,
		ConditionStartedAt: intent.ConditionStartedAt,
		TriggeredAt:        now,
		NotifiedUsers:      "[]",
		TriggerData:        triggerData,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	created, err := e.store.CreateAlert(ctx, alert)
	if err != nil {
		e.logger.Error("Failed to create alert",
			zap.String("device_id", device.DeviceID),
			zap.String("condition_key", intent.Threshold.ConditionKey),
			zap.Error(err),
		)
		return
	}
	if !created {
		return
	}

	e.logger.Info("Alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("device_id", alert.DeviceID),
		zap.String("condition_key", alert.ConditionKey),
		zap.String("severity", alert.Severity),
		zap.Time("condition_started_at", alert.ConditionStartedAt),
	)

	e.notifyTier(alert, notifier.EventCreated, 0)
	e.publish(broadcaster.EventAlarmCreated, alert)
	e.syncCache(ctx, alert.DeviceID)
}

// applyEscalate 把报警从当前级别逐级推进到目标级别
// 每一级都是独立的 CAS：竞争落败即停，赢家继续推进并通知
func (e *Escalator) applyEscalate(ctx context.Context, alert *models.Alert, toLevel int) {
	if alert == nil {
		return
	}
	if toLevel >= len(e.tiers) {
		toLevel = len(e.tiers) - 1
	}

	level := alert.EscalationLevel
	for level < toLevel {
		won, err := e.store.EscalateAlert(ctx, alert.AlertID, level)
		if err != nil {
			e.logger.Error("Failed to escalate alert",
				zap.String("alert_id", alert.AlertID),
				zap.Int("from_level", level),
				zap.Error(err),
			)
			return
		}
		if !won {
			return
		}
		level++

		escalated := *alert
		escalated.EscalationLevel = level

		e.logger.Info("Alert escalated",
			zap.String("alert_id", alert.AlertID),
			zap.String("device_id", alert.DeviceID),
			zap.Int("level", level),
		)

		e.notifyTier(&escalated, notifier.EventEscalated, level)
		e.publish(broadcaster.EventAlarmEscalated, &escalated)
	}
	e.syncCache(ctx, alert.DeviceID)
}

// applyResolve 按恢复读数解除存续报警
func (e *Escalator) applyResolve(ctx context.Context, deviceID, conditionKey string) {
	resolved, err := e.store.ResolveByCondition(ctx, deviceID, conditionKey)
	if err != nil {
		e.logger.Error("Failed to resolve alert",
			zap.String("device_id", deviceID),
			zap.String("condition_key", conditionKey),
			zap.Error(err),
		)
		return
	}
	if resolved == nil {
		// 已被并发评估解除
		return
	}

	e.logger.Info("Alert resolved",
		zap.String("alert_id", resolved.AlertID),
		zap.String("device_id", resolved.DeviceID),
		zap.String("condition_key", resolved.ConditionKey),
	)

	e.publish(broadcaster.EventAlarmResolved, resolved)
	e.syncCache(ctx, deviceID)
}

// ============================================
// 人工操作
// ============================================

// Acknowledge 人工确认报警：停止升级，恢复读数仍会自动解除
func (e *Escalator) Acknowledge(ctx context.Context, tenantID, alertID, handlerID string) (*models.Alert, error) {
	if err := e.store.AcknowledgeAlert(ctx, tenantID, alertID, handlerID); err != nil {
		return nil, err
	}

	alert, err := e.store.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("handler_id", handlerID),
	)

	e.publish(broadcaster.EventAlarmAcknowledged, alert)
	e.syncCache(ctx, alert.DeviceID)
	return alert, nil
}

// Resolve 人工解除报警
func (e *Escalator) Resolve(ctx context.Context, tenantID, alertID, handlerID string) (*models.Alert, error) {
	if err := e.store.ResolveAlert(ctx, tenantID, alertID, handlerID); err != nil {
		return nil, err
	}

	alert, err := e.store.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Alert manually resolved",
		zap.String("alert_id", alertID),
		zap.String("handler_id", handlerID),
	)

	e.publish(broadcaster.EventAlarmResolved, alert)
	e.syncCache(ctx, alert.DeviceID)
	return alert, nil
}

// ============================================
// 旁路输出
// ============================================

// notifyTier 向第 level 梯队投递通知
func (e *Escalator) notifyTier(alert *models.Alert, event string, level int) {
	if level < 0 || level >= len(e.tiers) {
		e.logger.Warn("No tier configured for level",
			zap.String("alert_id", alert.AlertID),
			zap.Int("level", level),
		)
		return
	}
	tier := e.tiers[level]
	e.dispatch.Enqueue(notifier.Notification{
		Alert: *alert,
		Event: event,
		Role:  tier.Role,
		Scope: tier.Scope,
	})
}

// publish 异步广播报警事件
// 广播不占用采集请求路径：慢速 broker 不能拖慢设备端响应，
// 发布用独立的超时上下文而非请求上下文
func (e *Escalator) publish(eventType string, alert *models.Alert) {
	if e.broadcast == nil {
		return
	}
	event := broadcaster.Event{
		Type:     eventType,
		TenantID: alert.TenantID,
		DeviceID: alert.DeviceID,
		Alert:    *alert,
		At:       e.now().UTC(),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := e.broadcast.Publish(ctx, event); err != nil {
			e.logger.Error("Failed to broadcast alarm event",
				zap.String("alert_id", alert.AlertID),
				zap.String("type", eventType),
				zap.Error(err),
			)
		}
	}()
}

// Wait 等待在途广播发布完成
func (e *Escalator) Wait() {
	e.wg.Wait()
}

// syncCache 重建设备的看板缓存镜像
func (e *Escalator) syncCache(ctx context.Context, deviceID string) {
	if e.cache == nil {
		return
	}
	alerts, err := e.store.ListLiveByDevice(ctx, deviceID)
	if err != nil {
		e.logger.Error("Failed to load live alerts for cache",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	if err := e.cache.SyncDevice(ctx, deviceID, alerts); err != nil {
		e.logger.Error("Failed to sync alarm cache",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

func marshalSnapshot(threshold models.Threshold, reading models.SensorReading) (string, error) {
	snapshot := models.TriggerSnapshot{
		Temperature:      reading.Temperature,
		Humidity:         reading.Humidity,
		DoorStatus:       reading.DoorStatus,
		PowerConsumption: reading.PowerConsumption,
		MetricType:       threshold.MetricType,
		ThresholdID:      threshold.ThresholdID,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return string(data), nil
}
