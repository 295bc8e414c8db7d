package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sitesense-alarm/internal/models"
)

// ReadingRepository 传感器读数仓库
// 读数只追加，不可修改；(device_id, recorded_at) 主键兼作重试去重键
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository 创建读数仓库
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
	}
}

// InsertReadings 批量写入读数，返回实际插入条数
// ON CONFLICT DO NOTHING：同一 (device_id, recorded_at) 重复上报（重试）不产生重复行
func (r *ReadingRepository) InsertReadings(ctx context.Context, readings []models.SensorReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_readings (
			device_id,
			recorded_at,
			temperature,
			humidity,
			door_status,
			power_consumption,
			received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, recorded_at) DO NOTHING
	`)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, reading := range readings {
		result, err := stmt.ExecContext(ctx,
			reading.DeviceID,
			reading.RecordedAt,
			reading.Temperature,
			reading.Humidity,
			reading.DoorStatus,
			reading.PowerConsumption,
			reading.ReceivedAt,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to insert reading: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit readings: %w", err)
	}

	return inserted, nil
}

// ListRange 获取设备在 [from, to] 内的读数（按时间升序）
func (r *ReadingRepository) ListRange(ctx context.Context, deviceID string, from, to time.Time) ([]models.SensorReading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT
			device_id,
			recorded_at,
			temperature,
			humidity,
			door_status,
			power_consumption,
			received_at
		FROM sensor_readings
		WHERE device_id = $1
		  AND recorded_at >= $2
		  AND recorded_at <= $3
		ORDER BY recorded_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

// LatestAtOrBefore 获取设备在 ts 时刻或之前最近的一条读数
// 不存在时返回 (nil, nil)，用于判断持续窗口是否被数据覆盖
func (r *ReadingRepository) LatestAtOrBefore(ctx context.Context, deviceID string, ts time.Time) (*models.SensorReading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT
			device_id,
			recorded_at,
			temperature,
			humidity,
			door_status,
			power_consumption,
			received_at
		FROM sensor_readings
		WHERE device_id = $1
		  AND recorded_at <= $2
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query reading: %w", err)
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

func scanReadings(rows *sql.Rows) ([]models.SensorReading, error) {
	readings := []models.SensorReading{}
	for rows.Next() {
		var reading models.SensorReading
		var temperature, humidity, power sql.NullFloat64
		var doorStatus sql.NullString

		err := rows.Scan(
			&reading.DeviceID,
			&reading.RecordedAt,
			&temperature,
			&humidity,
			&doorStatus,
			&power,
			&reading.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}

		if temperature.Valid {
			reading.Temperature = &temperature.Float64
		}
		if humidity.Valid {
			reading.Humidity = &humidity.Float64
		}
		if doorStatus.Valid {
			reading.DoorStatus = &doorStatus.String
		}
		if power.Valid {
			reading.PowerConsumption = &power.Float64
		}

		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}
