package models

import "time"

// 报警状态
const (
	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// Alert 报警（对应 alerts 表）
// 生命周期由 escalator 状态机独占管理：创建 → 逐级升级 → 解除
// resolved 为终态，新的违规总是创建新行，不复用旧行
type Alert struct {
	AlertID            string     `json:"alert_id" db:"alert_id"`
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	DeviceID           string     `json:"device_id" db:"device_id"`
	ConditionKey       string     `json:"condition_key" db:"condition_key"`
	Severity           string     `json:"severity" db:"severity"`
	AlarmStatus        string     `json:"alarm_status" db:"alarm_status"`
	EscalationLevel    int        `json:"escalation_level" db:"escalation_level"`
	ConditionStartedAt time.Time  `json:"condition_started_at" db:"condition_started_at"` // 证明持续窗口的最早读数时间
	TriggeredAt        time.Time  `json:"triggered_at" db:"triggered_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	AcknowledgedBy     *string    `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	NotifiedUsers      string     `json:"notified_users" db:"notified_users"` // JSONB
	TriggerData        string     `json:"trigger_data" db:"trigger_data"`     // JSONB，触发时刻的读数快照
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// IsLive 是否仍在存续（active 或 acknowledged）
func (a *Alert) IsLive() bool {
	return a.AlarmStatus == AlertStatusActive || a.AlarmStatus == AlertStatusAcknowledged
}

// TriggerSnapshot 触发数据快照（trigger_data JSONB 结构）
type TriggerSnapshot struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	Humidity         *float64 `json:"humidity,omitempty"`
	DoorStatus       *string  `json:"door_status,omitempty"`
	PowerConsumption *float64 `json:"power_consumption,omitempty"`
	MetricType       string   `json:"metric_type"`
	ThresholdID      string   `json:"threshold_id"`
}
