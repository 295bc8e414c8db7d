package escalator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitesense-alarm/internal/evaluator"
)

// Sweeper 定时升级巡检
// 设备一旦停报，评估路径就没有机会再触发升级；巡检按墙钟时间补齐升级，
// 保证"违规持续 15 分钟必须通知 supervisor"不依赖设备继续上报。
// 巡检只升级不解除：没有恢复读数就没有解除依据
type Sweeper struct {
	escalator *Escalator
	interval  time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewSweeper 创建巡检器，interval<=0 表示关闭
func NewSweeper(escalator *Escalator, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		escalator: escalator,
		interval:  interval,
		logger:    logger,
	}
}

// Start 启动巡检协程，ctx 取消后退出
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Escalation sweeper disabled")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("Escalation sweeper started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Wait 等待巡检协程退出
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// sweep 一轮巡检：对每个 active 报警按存续时长推进级别
func (s *Sweeper) sweep(ctx context.Context) {
	alerts, err := s.escalator.store.ListActiveAlerts(ctx)
	if err != nil {
		s.logger.Error("Sweep failed to list active alerts", zap.Error(err))
		return
	}

	now := s.escalator.now().UTC()
	for _, alert := range alerts {
		target := evaluator.TargetLevel(s.escalator.tiers, now.Sub(alert.ConditionStartedAt))
		if target > alert.EscalationLevel {
			s.escalator.applyEscalate(ctx, alert, target)
		}
	}
}
