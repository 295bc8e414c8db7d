package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

// fakeReadingSource 内存读数源
type fakeReadingSource struct {
	readings []models.SensorReading // 按时间升序
}

func (f *fakeReadingSource) ListRange(_ context.Context, _ string, from, to time.Time) ([]models.SensorReading, error) {
	out := []models.SensorReading{}
	for _, r := range f.readings {
		if !r.RecordedAt.Before(from) && !r.RecordedAt.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReadingSource) LatestAtOrBefore(_ context.Context, _ string, ts time.Time) (*models.SensorReading, error) {
	for i := len(f.readings) - 1; i >= 0; i-- {
		if !f.readings[i].RecordedAt.After(ts) {
			r := f.readings[i]
			return &r, nil
		}
	}
	return nil, nil
}

// fakeAlertSource 内存存续报警源
type fakeAlertSource struct {
	live *models.Alert
}

func (f *fakeAlertSource) GetLiveAlert(_ context.Context, _, _ string) (*models.Alert, error) {
	return f.live, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Evaluation.SustainWindowSec = 300
	cfg.Evaluation.MaxSampleGapSec = 60
	cfg.Escalation.Tiers = []config.TierConfig{
		{DurationSec: 300, Role: "caretaker", Scope: "device"},
		{DurationSec: 900, Role: "supervisor", Scope: "tenant"},
		{DurationSec: 1800, Role: "administrator", Scope: "global"},
	}
	return cfg
}

func tempThreshold() models.Threshold {
	max := 8.0
	return models.Threshold{
		ThresholdID:  "th-1",
		DeviceID:     "dev-1",
		ConditionKey: "temperature",
		MetricType:   models.MetricTemperature,
		MaxValue:     &max,
		Severity:     "EMERGENCY",
		Enabled:      true,
	}
}

func tempReading(at time.Time, value float64) models.SensorReading {
	return models.SensorReading{
		DeviceID:    "dev-1",
		RecordedAt:  at,
		Temperature: &value,
		ReceivedAt:  at,
	}
}

func testDevice() *models.Device {
	return &models.Device{DeviceID: "dev-1", TenantID: "tenant-1"}
}

// ============================================
// 持续窗口防抖
// ============================================

// 每分钟一条违规读数，第 5 条填满 5 分钟窗口后才创建
func TestEvaluateDevice_SustainedViolationCreates(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{}
	for i := 0; i < 6; i++ {
		readings.readings = append(readings.readings, tempReading(t0.Add(time.Duration(i)*time.Minute), 12.5))
	}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())

	// 第 4 条（t0+3min）：窗口尚未被数据覆盖
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings[:4])
	require.NoError(t, err)
	assert.Empty(t, intents)

	// 第 6 条（t0+5min）：窗口起点有 t0 的读数覆盖，创建
	intents, err = eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionCreate, intents[0].Action)
	assert.Equal(t, t0, intents[0].ConditionStartedAt)
	assert.Equal(t, "temperature", intents[0].Threshold.ConditionKey)
}

func TestEvaluateDevice_ShortSpikeDoesNotCreate(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{readings: []models.SensorReading{
		tempReading(t0, 4.0),
		tempReading(t0.Add(1*time.Minute), 12.0),
		tempReading(t0.Add(2*time.Minute), 12.0),
	}}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings[1:])
	require.NoError(t, err)
	assert.Empty(t, intents)
}

// 窗口内读数间隔超过 max_sample_gap：数据稀疏，不能证明持续
func TestEvaluateDevice_SparseDataDoesNotCreate(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{readings: []models.SensorReading{
		tempReading(t0, 12.0),
		tempReading(t0.Add(4*time.Minute), 12.0), // 4 分钟空洞
		tempReading(t0.Add(5*time.Minute), 12.0),
	}}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

// 窗口内最早读数落在起点 maxGap 之内：窗口已被覆盖，无需回看起点之前
func TestEvaluateDevice_WindowStartCoveredWithinGap(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{readings: []models.SensorReading{
		tempReading(t0, 4.0), // 正常，但不会被回看
		tempReading(t0.Add(2*time.Minute), 12.0),
		tempReading(t0.Add(3*time.Minute), 12.0),
		tempReading(t0.Add(4*time.Minute), 12.0),
		tempReading(t0.Add(5*time.Minute), 12.0),
		tempReading(t0.Add(6*time.Minute), 12.0),
	}}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())

	// now = t0+6min，窗口 [t0+1min, t0+6min]，最早窗口内读数 t0+2min
	// 距窗口起点 1 分钟 = maxGap 边界，窗口已被覆盖，可以创建
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings[1:])
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionCreate, intents[0].Action)
	assert.Equal(t, t0.Add(2*time.Minute), intents[0].ConditionStartedAt)
}

// 最早窗口内读数距起点超过 maxGap 时回看起点之前：
// 之前的读数同样违规且贴近起点 → 窗口被覆盖，创建
func TestEvaluateDevice_PriorViolatingReadingCoversWindowStart(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{readings: []models.SensorReading{
		tempReading(t0.Add(30*time.Second), 12.0), // 起点前 30s，违规
		tempReading(t0.Add(3*time.Minute), 12.0),
		tempReading(t0.Add(4*time.Minute), 12.0),
		tempReading(t0.Add(5*time.Minute), 12.0),
		tempReading(t0.Add(6*time.Minute), 12.0),
	}}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())

	// now = t0+6min，窗口起点 t0+1min，窗口内最早读数 t0+3min（2 分钟空洞）
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings[1:])
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionCreate, intents[0].Action)
	assert.Equal(t, t0.Add(3*time.Minute), intents[0].ConditionStartedAt)
}

// 起点之前的读数不违规：违规在窗口内才开始，时长不足，不创建
func TestEvaluateDevice_PriorHealthyReadingBlocksCreate(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{readings: []models.SensorReading{
		tempReading(t0.Add(30*time.Second), 4.0), // 起点前 30s，正常
		tempReading(t0.Add(3*time.Minute), 12.0),
		tempReading(t0.Add(4*time.Minute), 12.0),
		tempReading(t0.Add(5*time.Minute), 12.0),
		tempReading(t0.Add(6*time.Minute), 12.0),
	}}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings[1:])
	require.NoError(t, err)
	assert.Empty(t, intents)
}

// 起点之前的读数虽违规但距起点超过 maxGap：前导间隔过大，不创建
func TestEvaluateDevice_PriorReadingTooFarBeforeWindowStart(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{readings: []models.SensorReading{
		tempReading(t0.Add(-2*time.Minute), 12.0), // 起点前 3 分钟，违规
		tempReading(t0.Add(3*time.Minute), 12.0),
		tempReading(t0.Add(4*time.Minute), 12.0),
		tempReading(t0.Add(5*time.Minute), 12.0),
		tempReading(t0.Add(6*time.Minute), 12.0),
	}}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings[1:])
	require.NoError(t, err)
	assert.Empty(t, intents)
}

// ============================================
// 解除
// ============================================

// 首条恢复读数立即解除，无论当前级别
func TestEvaluateDevice_RecoveryResolvesImmediately(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	live := &models.Alert{
		AlertID:            "alert-1",
		AlarmStatus:        models.AlertStatusActive,
		EscalationLevel:    2,
		ConditionStartedAt: t0.Add(-1 * time.Hour),
	}
	readings := &fakeReadingSource{readings: []models.SensorReading{
		tempReading(t0, 5.0), // 恢复
	}}

	eval := New(testConfig(), readings, &fakeAlertSource{live: live}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionResolve, intents[0].Action)
	assert.Equal(t, "alert-1", intents[0].Alert.AlertID)
}

func TestEvaluateDevice_RecoveryWithoutLiveAlertIsNoop(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := &fakeReadingSource{readings: []models.SensorReading{tempReading(t0, 5.0)}}

	eval := New(testConfig(), readings, &fakeAlertSource{}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

// ============================================
// 升级
// ============================================

// 存续 16 分钟、当前级别 0：应升到级别 1（15 分钟梯队）
func TestEvaluateDevice_EscalateWhenTierDeadlinePassed(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	live := &models.Alert{
		AlertID:            "alert-1",
		AlarmStatus:        models.AlertStatusActive,
		EscalationLevel:    0,
		ConditionStartedAt: t0,
	}
	now := t0.Add(16 * time.Minute)
	readings := &fakeReadingSource{readings: []models.SensorReading{tempReading(now, 12.0)}}

	eval := New(testConfig(), readings, &fakeAlertSource{live: live}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionEscalate, intents[0].Action)
	assert.Equal(t, 1, intents[0].ToLevel)
}

func TestEvaluateDevice_NoEscalationBeforeDeadline(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	live := &models.Alert{
		AlertID:            "alert-1",
		AlarmStatus:        models.AlertStatusActive,
		EscalationLevel:    0,
		ConditionStartedAt: t0,
	}
	now := t0.Add(10 * time.Minute)
	readings := &fakeReadingSource{readings: []models.SensorReading{tempReading(now, 12.0)}}

	eval := New(testConfig(), readings, &fakeAlertSource{live: live}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

// acknowledged 的报警不再升级
func TestEvaluateDevice_AcknowledgedAlertDoesNotEscalate(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	live := &models.Alert{
		AlertID:            "alert-1",
		AlarmStatus:        models.AlertStatusAcknowledged,
		EscalationLevel:    0,
		ConditionStartedAt: t0,
	}
	now := t0.Add(2 * time.Hour)
	readings := &fakeReadingSource{readings: []models.SensorReading{tempReading(now, 12.0)}}

	eval := New(testConfig(), readings, &fakeAlertSource{live: live}, zap.NewNop())
	intents, err := eval.EvaluateDevice(context.Background(), testDevice(),
		[]models.Threshold{tempThreshold()}, readings.readings)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

// ============================================
// TargetLevel
// ============================================

func TestTargetLevel(t *testing.T) {
	tiers := testConfig().Escalation.Tiers

	tests := []struct {
		name string
		age  time.Duration
		want int
	}{
		{"just created", 1 * time.Minute, 0},
		{"before supervisor tier", 14 * time.Minute, 0},
		{"at supervisor tier", 15 * time.Minute, 1},
		{"before administrator tier", 29 * time.Minute, 1},
		{"at administrator tier", 30 * time.Minute, 2},
		{"far beyond last tier", 5 * time.Hour, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetLevel(tiers, tt.age))
		})
	}
}
