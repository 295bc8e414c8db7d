package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

type fakeDeviceSource struct {
	devices map[string]*models.Device
}

func (f *fakeDeviceSource) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	device, ok := f.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	return device, nil
}

type fakeProcessor struct {
	device   *models.Device
	readings []models.SensorReading
	err      error
}

func (f *fakeProcessor) ProcessBatch(_ context.Context, device *models.Device, readings []models.SensorReading) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.device = device
	f.readings = readings
	return len(readings), nil
}

func sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func setupIngest(t *testing.T) (*fakeDeviceSource, *fakeProcessor, *IngestHandler) {
	t.Helper()
	devices := &fakeDeviceSource{devices: map[string]*models.Device{
		"dev-1": {DeviceID: "dev-1", TenantID: "tenant-1", SharedSecret: "device-secret"},
	}}
	processor := &fakeProcessor{}
	cfg := &config.IngestConfig{
		FleetSecret:         "fleet-secret",
		FreshnessWindowSec:  300,
		UnknownDevicePolicy: "accept",
		MaxBodyBytes:        1 << 20,
	}
	handler := NewIngestHandler(cfg, devices, processor, zap.NewNop())
	return devices, processor, handler
}

func ingestBody(t *testing.T, readings ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"readings": readings})
	require.NoError(t, err)
	return body
}

func doIngest(handler *IngestHandler, body []byte, deviceID, timestamp, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ingest/api/v1/readings", bytes.NewReader(body))
	req.Header.Set(headerDeviceID, deviceID)
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerSignature, signature)
	w := httptest.NewRecorder()
	handler.PostReadings(w, req)
	return w
}

// ============================================
// 签名校验
// ============================================

func TestPostReadings_ValidSignatureAccepts(t *testing.T) {
	_, processor, handler := setupIngest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t,
		map[string]any{"ts": now.Add(-time.Minute).Format(time.RFC3339), "temperature": 12.5},
		map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.8},
	)
	timestamp := fmt.Sprintf("%d", now.Unix())

	w := doIngest(handler, body, "dev-1", timestamp, sign("device-secret", body, timestamp))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	require.Len(t, processor.readings, 2)
	assert.Equal(t, "dev-1", processor.readings[0].DeviceID)
	assert.True(t, processor.readings[0].RecordedAt.Equal(now.Add(-time.Minute)))
}

// 载荷被翻转一个字节：签名不再匹配，整批拒绝、不落库
func TestPostReadings_TamperedBodyRejected(t *testing.T) {
	_, processor, handler := setupIngest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t, map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.5})
	timestamp := fmt.Sprintf("%d", now.Unix())
	signature := sign("device-secret", body, timestamp)

	tampered := bytes.Clone(body)
	tampered[len(tampered)/2] ^= 0x01

	w := doIngest(handler, tampered, "dev-1", timestamp, signature)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, processor.readings)
}

func TestPostReadings_WrongSecretRejected(t *testing.T) {
	_, _, handler := setupIngest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t, map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.5})
	timestamp := fmt.Sprintf("%d", now.Unix())

	w := doIngest(handler, body, "dev-1", timestamp, sign("wrong-secret", body, timestamp))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostReadings_MissingHeadersRejected(t *testing.T) {
	_, _, handler := setupIngest(t)
	body := ingestBody(t, map[string]any{"ts": "2026-03-01T10:00:00Z", "temperature": 12.5})

	req := httptest.NewRequest(http.MethodPost, "/ingest/api/v1/readings", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.PostReadings(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostReadings_StaleTimestampRejected(t *testing.T) {
	_, _, handler := setupIngest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t, map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.5})
	stale := fmt.Sprintf("%d", now.Add(-time.Hour).Unix())

	w := doIngest(handler, body, "dev-1", stale, sign("device-secret", body, stale))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ============================================
// 未注册设备
// ============================================

// accept 策略：机群密钥验签通过，静默接受并丢弃
func TestPostReadings_UnknownDeviceAcceptedAndDropped(t *testing.T) {
	_, processor, handler := setupIngest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t, map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.5})
	timestamp := fmt.Sprintf("%d", now.Unix())

	w := doIngest(handler, body, "ghost-device", timestamp, sign("fleet-secret", body, timestamp))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Accepted)
	assert.Nil(t, processor.readings)
}

func TestPostReadings_UnknownDeviceRejectPolicy(t *testing.T) {
	_, _, handler := setupIngest(t)
	handler.cfg.UnknownDevicePolicy = "reject"
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t, map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.5})
	timestamp := fmt.Sprintf("%d", now.Unix())

	w := doIngest(handler, body, "ghost-device", timestamp, sign("fleet-secret", body, timestamp))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ============================================
// 载荷校验
// ============================================

func TestPostReadings_MalformedJSONRejected(t *testing.T) {
	_, _, handler := setupIngest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := []byte(`{"readings": [`)
	timestamp := fmt.Sprintf("%d", now.Unix())

	w := doIngest(handler, body, "dev-1", timestamp, sign("device-secret", body, timestamp))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// 单条非法读数跳过，其余照常处理
func TestPostReadings_InvalidReadingsSkipped(t *testing.T) {
	_, processor, handler := setupIngest(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t,
		map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.5},
		map[string]any{"temperature": 13.0},                                              // 缺 ts
		map[string]any{"ts": now.Format(time.RFC3339)},                          // 无指标
		map[string]any{"ts": now.Format(time.RFC3339), "door_status": "ajar"},   // 非法门状态
		map[string]any{"ts": now.Format(time.RFC3339), "door_status": "closed"}, // 合法
	)
	timestamp := fmt.Sprintf("%d", now.Unix())

	w := doIngest(handler, body, "dev-1", timestamp, sign("device-secret", body, timestamp))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Len(t, processor.readings, 2)
}

// 设备无单独密钥时回退机群密钥
func TestPostReadings_FleetSecretFallback(t *testing.T) {
	devices, _, handler := setupIngest(t)
	devices.devices["dev-2"] = &models.Device{DeviceID: "dev-2", TenantID: "tenant-1"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	body := ingestBody(t, map[string]any{"ts": now.Format(time.RFC3339), "temperature": 12.5})
	timestamp := fmt.Sprintf("%d", now.Unix())

	w := doIngest(handler, body, "dev-2", timestamp, sign("fleet-secret", body, timestamp))
	assert.Equal(t, http.StatusOK, w.Code)
}
