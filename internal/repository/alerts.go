package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitesense-alarm/internal/models"
)

// AlertRepository 报警仓库
// 状态迁移全部走条件更新：多实例并发时由数据库行级保证串行化，
// CAS 失败（RowsAffected=0）即并发竞争落败，调用方静默放弃
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 报警查询过滤条件
type AlertFilters struct {
	TenantID *string // 租户过滤（global scope 时可为空）
	DeviceID *string
	Status   *string
	Statuses []string // 状态列表（IN 查询）
	Since    *time.Time
}

const alertColumns = `
	alert_id,
	tenant_id,
	device_id,
	condition_key,
	severity,
	alarm_status,
	escalation_level,
	condition_started_at,
	triggered_at,
	resolved_at,
	acknowledged_by,
	notified_users,
	trigger_data,
	created_at,
	updated_at`

// ============================================
// 状态机写操作
// ============================================

// CreateAlert 创建报警
// 借助 (device_id, condition_key) WHERE alarm_status <> 'resolved' 部分唯一索引，
// 并发创建时只有一个请求真正插入；返回是否由本次调用创建
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.Alert) (bool, error) {
	if alert == nil {
		return false, fmt.Errorf("alert is required")
	}
	if alert.TenantID == "" || alert.DeviceID == "" || alert.ConditionKey == "" {
		return false, fmt.Errorf("tenant_id, device_id and condition_key are required")
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			tenant_id,
			device_id,
			condition_key,
			severity,
			alarm_status,
			escalation_level,
			condition_started_at,
			triggered_at,
			notified_users,
			trigger_data,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (device_id, condition_key) WHERE alarm_status <> 'resolved'
		DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.TenantID,
		alert.DeviceID,
		alert.ConditionKey,
		alert.Severity,
		alert.AlarmStatus,
		alert.EscalationLevel,
		alert.ConditionStartedAt,
		alert.TriggeredAt,
		alert.NotifiedUsers,
		alert.TriggerData,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// EscalateAlert 升级报警：level 条件比较保证每个级别迁移至多执行一次
// 返回是否由本次调用完成迁移（false = 竞争落败或报警已不在 active）
func (r *AlertRepository) EscalateAlert(ctx context.Context, alertID string, fromLevel int) (bool, error) {
	if alertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}
	if fromLevel < 0 {
		return false, fmt.Errorf("from_level must be >= 0")
	}

	query := `
		UPDATE alerts
		SET escalation_level = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $2
		  AND alarm_status = 'active'
		  AND escalation_level = $3
	`

	result, err := r.db.ExecContext(ctx, query, fromLevel+1, alertID, fromLevel)
	if err != nil {
		return false, fmt.Errorf("failed to escalate alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ResolveByCondition 按 (device_id, condition_key) 解除存续报警
// 首条恢复读数立即解除，不做防抖；返回被解除的报警（无存续报警时返回 nil, nil）
func (r *AlertRepository) ResolveByCondition(ctx context.Context, deviceID, conditionKey string) (*models.Alert, error) {
	if deviceID == "" || conditionKey == "" {
		return nil, fmt.Errorf("device_id and condition_key are required")
	}

	query := fmt.Sprintf(`
		UPDATE alerts
		SET alarm_status = 'resolved',
		    resolved_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE device_id = $1
		  AND condition_key = $2
		  AND alarm_status <> 'resolved'
		RETURNING %s
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, deviceID, conditionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return alerts[0], nil
}

// AcknowledgeAlert 确认报警（active → acknowledged，记录确认人）
func (r *AlertRepository) AcknowledgeAlert(ctx context.Context, tenantID, alertID, handlerID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if handlerID == "" {
		return fmt.Errorf("handler_id is required")
	}

	query := `
		UPDATE alerts
		SET alarm_status = 'acknowledged',
		    acknowledged_by = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $2
		  AND tenant_id = $3
		  AND alarm_status = 'active'
	`

	result, err := r.db.ExecContext(ctx, query, handlerID, alertID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert %s is not active: %w", alertID, models.ErrNotFound)
	}
	return nil
}

// ResolveAlert 手工解除报警
func (r *AlertRepository) ResolveAlert(ctx context.Context, tenantID, alertID, handlerID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET alarm_status = 'resolved',
		    resolved_at = CURRENT_TIMESTAMP,
		    acknowledged_by = COALESCE(acknowledged_by, $1),
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $2
		  AND tenant_id = $3
		  AND alarm_status <> 'resolved'
	`

	var handler interface{}
	if handlerID != "" {
		handler = handlerID
	}

	result, err := r.db.ExecContext(ctx, query, handler, alertID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert %s not found or already resolved: %w", alertID, models.ErrNotFound)
	}
	return nil
}

// AppendNotifiedUsers 追加通知记录到 notified_users JSONB 数组
func (r *AlertRepository) AppendNotifiedUsers(ctx context.Context, alertID string, entriesJSON string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if entriesJSON == "" {
		return nil
	}

	query := `
		UPDATE alerts
		SET notified_users = notified_users || $1::jsonb,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, entriesJSON, alertID); err != nil {
		return fmt.Errorf("failed to append notified users: %w", err)
	}
	return nil
}

// ============================================
// 查询操作
// ============================================

// GetAlert 根据 alert_id 获取报警（需验证 tenant_id）
func (r *AlertRepository) GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE alert_id = $1
		  AND tenant_id = $2
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, alertID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	return alerts[0], nil
}

// GetLiveAlert 获取 (device, condition) 的存续报警
// 无存续报警时返回 (nil, nil)
func (r *AlertRepository) GetLiveAlert(ctx context.Context, deviceID, conditionKey string) (*models.Alert, error) {
	if deviceID == "" || conditionKey == "" {
		return nil, fmt.Errorf("device_id and condition_key are required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE device_id = $1
		  AND condition_key = $2
		  AND alarm_status <> 'resolved'
		LIMIT 1
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, deviceID, conditionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query live alert: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return alerts[0], nil
}

// ListAlerts 列表查询（支持多条件过滤、分页）
func (r *AlertRepository) ListAlerts(ctx context.Context, filters AlertFilters, page, size int) ([]*models.Alert, int, error) {
	where := []string{}
	args := []interface{}{}
	argN := 1

	if filters.TenantID != nil {
		where = append(where, fmt.Sprintf("tenant_id = $%d", argN))
		args = append(args, *filters.TenantID)
		argN++
	}
	if filters.DeviceID != nil {
		where = append(where, fmt.Sprintf("device_id = $%d", argN))
		args = append(args, *filters.DeviceID)
		argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("alarm_status = $%d", argN))
		args = append(args, *filters.Status)
		argN++
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i := range filters.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, filters.Statuses[i])
			argN++
		}
		where = append(where, fmt.Sprintf("alarm_status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("triggered_at >= $%d", argN))
		args = append(args, *filters.Since)
		argN++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	queryCount := fmt.Sprintf(`SELECT COUNT(*) FROM alerts %s`, whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		%s
		ORDER BY triggered_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, whereClause, argN, argN+1)
	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

// ListActiveAlerts 获取全部 active 报警（升级巡检用，跨租户）
func (r *AlertRepository) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE alarm_status = 'active'
		ORDER BY condition_started_at ASC
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// ListLiveByDevice 获取设备的全部存续报警（看板缓存镜像用）
func (r *AlertRepository) ListLiveByDevice(ctx context.Context, deviceID string) ([]*models.Alert, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE device_id = $1
		  AND alarm_status <> 'resolved'
		ORDER BY triggered_at DESC
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func scanAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	alerts := []*models.Alert{}
	for rows.Next() {
		var alert models.Alert
		var resolvedAt sql.NullTime
		var acknowledgedBy sql.NullString
		var notifiedUsers, triggerData []byte

		err := rows.Scan(
			&alert.AlertID,
			&alert.TenantID,
			&alert.DeviceID,
			&alert.ConditionKey,
			&alert.Severity,
			&alert.AlarmStatus,
			&alert.EscalationLevel,
			&alert.ConditionStartedAt,
			&alert.TriggeredAt,
			&resolvedAt,
			&acknowledgedBy,
			&notifiedUsers,
			&triggerData,
			&alert.CreatedAt,
			&alert.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		if resolvedAt.Valid {
			alert.ResolvedAt = &resolvedAt.Time
		}
		if acknowledgedBy.Valid {
			alert.AcknowledgedBy = &acknowledgedBy.String
		}
		if len(notifiedUsers) > 0 {
			alert.NotifiedUsers = string(notifiedUsers)
		} else {
			alert.NotifiedUsers = "[]"
		}
		if len(triggerData) > 0 {
			alert.TriggerData = string(triggerData)
		} else {
			alert.TriggerData = "{}"
		}

		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}
