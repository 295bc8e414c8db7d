package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"sitesense-alarm/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误分类映射 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, models.ErrAuthentication):
		writeJSON(w, http.StatusUnauthorized, Fail("authentication failed"))
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// callerScope 从请求头提取调用方能力对象
// 身份认证由外部网关完成，这里只信任网关注入的头
func callerScope(r *http.Request) models.CallerScope {
	scope := r.Header.Get("X-Caller-Scope")
	switch scope {
	case models.ScopeDevice, models.ScopeTenant, models.ScopeGlobal:
	default:
		scope = models.ScopeTenant
	}
	return models.CallerScope{
		TenantID: r.Header.Get("X-Tenant-Id"),
		Scope:    scope,
	}
}
