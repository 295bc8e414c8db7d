package models

// 调用方权限范围（能力对象，由外部身份层下发，本服务只信任不校验）
const (
	ScopeDevice = "device"
	ScopeTenant = "tenant"
	ScopeGlobal = "global"
)

// CallerScope 调用方能力对象
// 替代散落在各 handler 里的字符串角色判断：报警核心只看 scope，不关心角色来源
type CallerScope struct {
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope"` // device / tenant / global
}

// CanSeeTenant 是否可见指定租户的数据
func (s CallerScope) CanSeeTenant(tenantID string) bool {
	if s.Scope == ScopeGlobal {
		return true
	}
	return s.TenantID != "" && s.TenantID == tenantID
}

// Recipient 通知接收人（对应 alert_recipients 表）
type Recipient struct {
	RecipientID string  `json:"recipient_id" db:"recipient_id"`
	TenantID    string  `json:"tenant_id" db:"tenant_id"`
	DeviceID    *string `json:"device_id,omitempty" db:"device_id"` // scope=device 时绑定的设备
	Role        string  `json:"role" db:"role"`                     // caretaker, supervisor, administrator...
	Scope       string  `json:"scope" db:"scope"`                   // device / tenant / global
	Email       *string `json:"email,omitempty" db:"email"`
	WebhookURL  *string `json:"webhook_url,omitempty" db:"webhook_url"`
	Enabled     bool    `json:"enabled" db:"enabled"`
}
