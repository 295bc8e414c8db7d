package models

import "errors"

// 错误分类（见 httpapi 的状态码映射）
var (
	// ErrAuthentication 签名缺失或校验失败：拒绝请求，不落库
	ErrAuthentication = errors.New("authentication failed")

	// ErrValidation 载荷格式错误：整体 400，单条读数错误则跳过该条
	ErrValidation = errors.New("validation failed")

	// ErrNotFound 记录不存在（设备、报警等）
	ErrNotFound = errors.New("not found")

	// ErrConflict 升级竞争失败：另一个请求已完成同一状态迁移，静默放弃
	ErrConflict = errors.New("concurrent transition lost")
)
