package models

import "time"

// Device 设备（对应 devices 表）
// 由外部注册流程写入，对本服务只读
type Device struct {
	DeviceID     string    `json:"device_id" db:"device_id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	LocationID   string    `json:"location_id" db:"location_id"`
	DeviceName   string    `json:"device_name" db:"device_name"`
	SharedSecret string    `json:"-" db:"shared_secret"` // HMAC 签名密钥（不对外输出）
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Threshold 阈值配置（对应 device_thresholds 表）
// 每行定义一个针对完整读数的违规判定：
// - 简单条件：metric_type 的 min/max 范围
// - 复合条件：metric_type 范围 + door_must_be 门状态耦合（condition_key 单独命名）
type Threshold struct {
	ThresholdID  string   `json:"threshold_id" db:"threshold_id"`
	DeviceID     string   `json:"device_id" db:"device_id"`
	ConditionKey string   `json:"condition_key" db:"condition_key"` // 报警条件键，默认等于 metric_type
	MetricType   string   `json:"metric_type" db:"metric_type"`     // temperature, humidity, door, power
	MinValue     *float64 `json:"min_value,omitempty" db:"min_value"`
	MaxValue     *float64 `json:"max_value,omitempty" db:"max_value"`
	DoorMustBe   *string  `json:"door_must_be,omitempty" db:"door_must_be"` // 复合条件：要求的门状态
	Severity     string   `json:"severity" db:"severity"`                   // EMERGENCY, WARNING, etc.
	Enabled      bool     `json:"enabled" db:"enabled"`
	SortOrder    int      `json:"sort_order" db:"sort_order"`
}

const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
	MetricDoor        = "door"
	MetricPower       = "power"
)

// Violates 判断读数是否违反该阈值（对完整读数求值，而非单字段比较）
// 缺失指标视为不违规：无数据不能证明违规
func (t *Threshold) Violates(reading *SensorReading) bool {
	if reading == nil {
		return false
	}

	// 门状态耦合：要求的门状态不满足时整个条件不成立
	if t.DoorMustBe != nil {
		if reading.DoorStatus == nil || *reading.DoorStatus != *t.DoorMustBe {
			return false
		}
	}

	switch t.MetricType {
	case MetricTemperature:
		return outOfRange(reading.Temperature, t.MinValue, t.MaxValue)
	case MetricHumidity:
		return outOfRange(reading.Humidity, t.MinValue, t.MaxValue)
	case MetricPower:
		return outOfRange(reading.PowerConsumption, t.MinValue, t.MaxValue)
	case MetricDoor:
		// 纯门状态条件：门状态即违规状态（如"门开着"）
		// door_must_be 在上面已校验，走到这里说明状态匹配
		return t.DoorMustBe != nil && reading.DoorStatus != nil
	default:
		return false
	}
}

func outOfRange(value, min, max *float64) bool {
	if value == nil {
		return false
	}
	if min != nil && *value < *min {
		return true
	}
	if max != nil && *value > *max {
		return true
	}
	return false
}
