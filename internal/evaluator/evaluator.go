package evaluator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

// Action 评估结论
type Action string

const (
	ActionNone     Action = "none"
	ActionCreate   Action = "create"
	ActionEscalate Action = "escalate"
	ActionResolve  Action = "resolve"
)

// Intent 单个报警条件的评估意图，交由 escalator 状态机执行
type Intent struct {
	Action    Action
	Threshold models.Threshold

	// ConditionStartedAt 证明持续窗口的最早读数时间（Action=create 时有效）
	ConditionStartedAt time.Time

	// ToLevel 目标升级级别（Action=escalate 时有效）
	ToLevel int

	// Alert 现存报警（Action=escalate / resolve 时有效）
	Alert *models.Alert

	// Latest 触发本次评估的最新读数
	Latest models.SensorReading
}

// ReadingSource 读数来源
type ReadingSource interface {
	ListRange(ctx context.Context, deviceID string, from, to time.Time) ([]models.SensorReading, error)
	LatestAtOrBefore(ctx context.Context, deviceID string, ts time.Time) (*models.SensorReading, error)
}

// AlertSource 存续报警来源
type AlertSource interface {
	GetLiveAlert(ctx context.Context, deviceID, conditionKey string) (*models.Alert, error)
}

// Evaluator 阈值评估器
// 判定逻辑是不对称的：创建需要经过持续窗口防抖，解除只看一条恢复读数。
// 这是刻意的快恢复偏置，不要"修复"成对称防抖。
type Evaluator struct {
	sustainWindow time.Duration
	maxSampleGap  time.Duration
	tiers         []config.TierConfig
	readings      ReadingSource
	alerts        AlertSource
	logger        *zap.Logger
}

// New 创建评估器
func New(cfg *config.Config, readings ReadingSource, alerts AlertSource, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		sustainWindow: time.Duration(cfg.Evaluation.SustainWindowSec) * time.Second,
		maxSampleGap:  time.Duration(cfg.Evaluation.MaxSampleGapSec) * time.Second,
		tiers:         cfg.Escalation.Tiers,
		readings:      readings,
		alerts:        alerts,
		logger:        logger,
	}
}

// EvaluateDevice 评估设备的一批新读数，对每个启用的阈值给出一个意图
// 每批只评估一次：评估必须同时看到刚入库的批次和历史数据
func (e *Evaluator) EvaluateDevice(ctx context.Context, device *models.Device, thresholds []models.Threshold, batch []models.SensorReading) ([]Intent, error) {
	if device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if len(batch) == 0 {
		return nil, nil
	}

	latest := batch[0]
	for _, reading := range batch[1:] {
		if reading.RecordedAt.After(latest.RecordedAt) {
			latest = reading
		}
	}
	now := latest.RecordedAt

	intents := make([]Intent, 0, len(thresholds))
	for _, threshold := range thresholds {
		intent, err := e.evaluateCondition(ctx, device, threshold, latest, now)
		if err != nil {
			// 单个条件评估失败不中断其它条件
			e.logger.Error("Failed to evaluate condition",
				zap.String("device_id", device.DeviceID),
				zap.String("condition_key", threshold.ConditionKey),
				zap.Error(err),
			)
			continue
		}
		if intent.Action != ActionNone {
			intents = append(intents, intent)
		}
	}

	return intents, nil
}

func (e *Evaluator) evaluateCondition(ctx context.Context, device *models.Device, threshold models.Threshold, latest models.SensorReading, now time.Time) (Intent, error) {
	live, err := e.alerts.GetLiveAlert(ctx, device.DeviceID, threshold.ConditionKey)
	if err != nil {
		return Intent{}, err
	}

	// 解除规则：首条恢复读数立即解除，任何级别、无防抖
	if !threshold.Violates(&latest) {
		if live != nil {
			return Intent{Action: ActionResolve, Threshold: threshold, Alert: live, Latest: latest}, nil
		}
		return Intent{Action: ActionNone}, nil
	}

	// 存续报警：检查是否到达下一升级梯队
	if live != nil {
		if live.AlarmStatus != models.AlertStatusActive {
			// acknowledged 的报警已有人接手，不再升级（恢复读数仍会解除）
			return Intent{Action: ActionNone}, nil
		}
		target := TargetLevel(e.tiers, now.Sub(live.ConditionStartedAt))
		if target > live.EscalationLevel {
			return Intent{
				Action:    ActionEscalate,
				Threshold: threshold,
				ToLevel:   target,
				Alert:     live,
				Latest:    latest,
			}, nil
		}
		return Intent{Action: ActionNone}, nil
	}

	// 无存续报警：违规必须先通过持续窗口防抖
	startedAt, sustained, err := e.checkSustained(ctx, device.DeviceID, threshold, now)
	if err != nil {
		return Intent{}, err
	}
	if !sustained {
		return Intent{Action: ActionNone}, nil
	}

	return Intent{
		Action:             ActionCreate,
		Threshold:          threshold,
		ConditionStartedAt: startedAt,
		Latest:             latest,
	}, nil
}

// checkSustained 持续窗口判定
// 要求 [now-sustainWindow, now] 内：
//  a) 所有读数都违规
//  b) 数据覆盖窗口起点：窗口内最早读数落在起点 maxSampleGap 之内，
//     或起点之前存在一条同样违规的读数
//  c) 窗口内相邻读数间隔不超过 maxSampleGap
// 数据稀疏无法证明持续时长 → 按未持续处理，不创建也不升级
func (e *Evaluator) checkSustained(ctx context.Context, deviceID string, threshold models.Threshold, now time.Time) (time.Time, bool, error) {
	windowStart := now.Add(-e.sustainWindow)

	window, err := e.readings.ListRange(ctx, deviceID, windowStart, now)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(window) == 0 {
		return time.Time{}, false, nil
	}

	for i := range window {
		if !threshold.Violates(&window[i]) {
			return time.Time{}, false, nil
		}
		if i > 0 && window[i].RecordedAt.Sub(window[i-1].RecordedAt) > e.maxSampleGap {
			return time.Time{}, false, nil
		}
	}

	startedAt := window[0].RecordedAt
	if window[0].RecordedAt.Sub(windowStart) > e.maxSampleGap {
		prior, err := e.readings.LatestAtOrBefore(ctx, deviceID, windowStart)
		if err != nil {
			return time.Time{}, false, err
		}
		// 起点之前的读数若不违规，说明违规在窗口内才开始，持续时长不足
		if prior == nil || !threshold.Violates(prior) {
			return time.Time{}, false, nil
		}
		if windowStart.Sub(prior.RecordedAt) > e.maxSampleGap {
			// 前导间隔本身过大，窗口起点附近无数据覆盖
			return time.Time{}, false, nil
		}
	}

	return startedAt, true, nil
}

// TargetLevel 根据报警存续时长计算应处级别
// tiers[L].duration 是进入级别 L 的门槛；创建即级别 0
func TargetLevel(tiers []config.TierConfig, age time.Duration) int {
	level := 0
	for i, tier := range tiers {
		if i == 0 {
			continue // 级别 0 由创建本身占用
		}
		if age >= time.Duration(tier.DurationSec)*time.Second {
			level = i
		}
	}
	return level
}
