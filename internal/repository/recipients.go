package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"sitesense-alarm/internal/models"
)

// RecipientRepository 通知接收人仓库
// 接收人名录由外部用户管理流程维护，这里只按 (role, scope) 解析
type RecipientRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecipientRepository 创建接收人仓库
func NewRecipientRepository(db *sql.DB, logger *zap.Logger) *RecipientRepository {
	return &RecipientRepository{
		db:     db,
		logger: logger,
	}
}

// Resolve 解析某个升级梯队的接收人集合
// scope=device → 绑定到该设备的接收人
// scope=tenant → 该租户下的全租户接收人
// scope=global → 全局接收人（跨租户）
func (r *RecipientRepository) Resolve(ctx context.Context, tenantID, deviceID, role, scope string) ([]models.Recipient, error) {
	if role == "" {
		return nil, fmt.Errorf("role is required")
	}

	var query string
	var args []interface{}

	switch scope {
	case models.ScopeDevice:
		if deviceID == "" {
			return nil, fmt.Errorf("device_id is required for device scope")
		}
		query = `
			SELECT recipient_id, tenant_id, device_id, role, scope, email, webhook_url, enabled
			FROM alert_recipients
			WHERE role = $1 AND scope = 'device' AND device_id = $2 AND enabled = TRUE
		`
		args = []interface{}{role, deviceID}
	case models.ScopeTenant:
		if tenantID == "" {
			return nil, fmt.Errorf("tenant_id is required for tenant scope")
		}
		query = `
			SELECT recipient_id, tenant_id, device_id, role, scope, email, webhook_url, enabled
			FROM alert_recipients
			WHERE role = $1 AND scope = 'tenant' AND tenant_id = $2 AND enabled = TRUE
		`
		args = []interface{}{role, tenantID}
	case models.ScopeGlobal:
		query = `
			SELECT recipient_id, tenant_id, device_id, role, scope, email, webhook_url, enabled
			FROM alert_recipients
			WHERE role = $1 AND scope = 'global' AND enabled = TRUE
		`
		args = []interface{}{role}
	default:
		return nil, fmt.Errorf("invalid scope: %s", scope)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		var recipient models.Recipient
		var devID, email, webhook sql.NullString

		err := rows.Scan(
			&recipient.RecipientID,
			&recipient.TenantID,
			&devID,
			&recipient.Role,
			&recipient.Scope,
			&email,
			&webhook,
			&recipient.Enabled,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}

		if devID.Valid {
			recipient.DeviceID = &devID.String
		}
		if email.Valid {
			recipient.Email = &email.String
		}
		if webhook.Valid {
			recipient.WebhookURL = &webhook.String
		}

		recipients = append(recipients, recipient)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipients: %w", err)
	}

	return recipients, nil
}
