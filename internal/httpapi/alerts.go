package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"sitesense-alarm/internal/models"
	"sitesense-alarm/internal/repository"
)

// AlertQuerier 报警查询
type AlertQuerier interface {
	ListAlerts(ctx context.Context, filters repository.AlertFilters, page, size int) ([]*models.Alert, int, error)
	ListLiveByDevice(ctx context.Context, deviceID string) ([]*models.Alert, error)
}

// AlertOperator 报警人工操作（确认/解除，由状态机执行）
type AlertOperator interface {
	Acknowledge(ctx context.Context, tenantID, alertID, handlerID string) (*models.Alert, error)
	Resolve(ctx context.Context, tenantID, alertID, handlerID string) (*models.Alert, error)
}

// AlarmCacheReader 看板缓存读取
type AlarmCacheReader interface {
	GetDeviceAlarms(ctx context.Context, deviceID string) ([]*models.Alert, bool, error)
}

// AlertHandler 看板侧报警接口
type AlertHandler struct {
	querier  AlertQuerier
	operator AlertOperator
	cache    AlarmCacheReader
	logger   *zap.Logger
}

// NewAlertHandler 创建报警接口处理器
func NewAlertHandler(querier AlertQuerier, operator AlertOperator, cache AlarmCacheReader, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		querier:  querier,
		operator: operator,
		cache:    cache,
		logger:   logger,
	}
}

// listResponse 分页响应
type listResponse struct {
	Items      []*models.Alert `json:"items"`
	Pagination pagination      `json:"pagination"`
}

type pagination struct {
	Page  int `json:"page"`
	Size  int `json:"size"`
	Count int `json:"count"`
}

// ListAlerts GET /alarm/api/v1/alerts
// params:
// - device_id? string
// - status? active | acknowledged | resolved | live（live = active+acknowledged）
// - since? RFC3339
// - page? / size?
// 租户隔离：非 global scope 只能看自己租户；global 可用 tenant_id 参数过滤
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerScope(r)

	filters := repository.AlertFilters{}

	if caller.Scope == models.ScopeGlobal {
		if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
			filters.TenantID = &tenantID
		}
	} else {
		if caller.TenantID == "" {
			writeJSON(w, http.StatusBadRequest, Fail("tenant_id is required"))
			return
		}
		tenantID := caller.TenantID
		filters.TenantID = &tenantID
	}

	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		filters.DeviceID = &deviceID
	}
	switch status := r.URL.Query().Get("status"); status {
	case "":
	case "live":
		filters.Statuses = []string{models.AlertStatusActive, models.AlertStatusAcknowledged}
	case models.AlertStatusActive, models.AlertStatusAcknowledged, models.AlertStatusResolved:
		filters.Status = &status
	default:
		writeJSON(w, http.StatusBadRequest, Fail("invalid status"))
		return
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("invalid since timestamp"))
			return
		}
		filters.Since = &t
	}

	page := parseInt(r.URL.Query().Get("page"), 1)
	size := parseInt(r.URL.Query().Get("size"), 20)

	alerts, total, err := h.querier.ListAlerts(ctx, filters, page, size)
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(listResponse{
		Items:      alerts,
		Pagination: pagination{Page: page, Size: size, Count: total},
	}))
}

// operateRequest 确认/解除请求体
type operateRequest struct {
	HandlerID string `json:"handler_id"`
	TenantID  string `json:"tenant_id"` // global scope 调用方指定目标租户
}

// AcknowledgeAlert POST /alarm/api/v1/alerts/{id}/acknowledge
func (h *AlertHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	h.operate(w, r, alertID, h.operator.Acknowledge)
}

// ResolveAlert POST /alarm/api/v1/alerts/{id}/resolve
func (h *AlertHandler) ResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	h.operate(w, r, alertID, h.operator.Resolve)
}

func (h *AlertHandler) operate(w http.ResponseWriter, r *http.Request, alertID string, op func(ctx context.Context, tenantID, alertID, handlerID string) (*models.Alert, error)) {
	caller := callerScope(r)

	var req operateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.HandlerID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("handler_id is required"))
		return
	}

	tenantID := caller.TenantID
	if caller.Scope == models.ScopeGlobal && req.TenantID != "" {
		tenantID = req.TenantID
	}
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("tenant_id is required"))
		return
	}

	alert, err := op(r.Context(), tenantID, alertID, req.HandlerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}

// DeviceAlarms GET /alarm/api/v1/devices/{id}/alarms
// 看板轮询接口：先读 Redis 镜像，未命中回源数据库
func (h *AlertHandler) DeviceAlarms(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()
	caller := callerScope(r)

	var alerts []*models.Alert
	if h.cache != nil {
		cached, hit, err := h.cache.GetDeviceAlarms(ctx, deviceID)
		if err != nil {
			h.logger.Warn("Alarm cache read failed, falling back to database",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		} else if hit {
			alerts = cached
		}
	}

	if alerts == nil {
		loaded, err := h.querier.ListLiveByDevice(ctx, deviceID)
		if err != nil {
			h.logger.Error("Failed to load device alarms", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
			return
		}
		alerts = loaded
	}

	visible := make([]*models.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if caller.CanSeeTenant(alert.TenantID) {
			visible = append(visible, alert)
		}
	}
	writeJSON(w, http.StatusOK, Ok(visible))
}
