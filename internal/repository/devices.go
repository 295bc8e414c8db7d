package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"sitesense-alarm/internal/models"
)

// DeviceRepository 设备仓库
// 设备与阈值由外部注册流程写入，这里只读
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetDevice 根据 device_id 获取设备
// 设备不存在时返回 models.ErrNotFound
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT
			device_id,
			tenant_id,
			location_id,
			device_name,
			shared_secret,
			created_at
		FROM devices
		WHERE device_id = $1
	`

	var device models.Device
	var secret sql.NullString

	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.DeviceID,
		&device.TenantID,
		&device.LocationID,
		&device.DeviceName,
		&secret,
		&device.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if secret.Valid {
		device.SharedSecret = secret.String
	}

	return &device, nil
}

// GetEnabledThresholds 获取设备已启用的阈值配置（按 sort_order 排序）
func (r *DeviceRepository) GetEnabledThresholds(ctx context.Context, deviceID string) ([]models.Threshold, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT
			threshold_id,
			device_id,
			condition_key,
			metric_type,
			min_value,
			max_value,
			door_must_be,
			severity,
			enabled,
			sort_order
		FROM device_thresholds
		WHERE device_id = $1
		  AND enabled = TRUE
		ORDER BY sort_order ASC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thresholds: %w", err)
	}
	defer rows.Close()

	thresholds := []models.Threshold{}
	for rows.Next() {
		var t models.Threshold
		var minValue, maxValue sql.NullFloat64
		var doorMustBe sql.NullString

		err := rows.Scan(
			&t.ThresholdID,
			&t.DeviceID,
			&t.ConditionKey,
			&t.MetricType,
			&minValue,
			&maxValue,
			&doorMustBe,
			&t.Severity,
			&t.Enabled,
			&t.SortOrder,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threshold: %w", err)
		}

		if minValue.Valid {
			t.MinValue = &minValue.Float64
		}
		if maxValue.Valid {
			t.MaxValue = &maxValue.Float64
		}
		if doorMustBe.Valid {
			t.DoorMustBe = &doorMustBe.String
		}

		thresholds = append(thresholds, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate thresholds: %w", err)
	}

	return thresholds, nil
}
