package models

import "time"

// SensorReading 传感器读数（对应 sensor_readings 表）
// 只追加、不可变：由 Ingestion Gateway 写入后，本服务不再修改或删除
type SensorReading struct {
	DeviceID         string    `json:"device_id" db:"device_id"`
	RecordedAt       time.Time `json:"recorded_at" db:"recorded_at"` // 设备上报的时间戳
	Temperature      *float64  `json:"temperature,omitempty" db:"temperature"`
	Humidity         *float64  `json:"humidity,omitempty" db:"humidity"`
	DoorStatus       *string   `json:"door_status,omitempty" db:"door_status"` // "open" 或 "closed"
	PowerConsumption *float64  `json:"power_consumption,omitempty" db:"power_consumption"`
	ReceivedAt       time.Time `json:"received_at" db:"received_at"` // 服务端接收时间
}

// HasMetric 是否至少携带一个指标值
func (r *SensorReading) HasMetric() bool {
	return r.Temperature != nil || r.Humidity != nil || r.DoorStatus != nil || r.PowerConsumption != nil
}

const (
	DoorOpen   = "open"
	DoorClosed = "closed"
)
