package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/models"
)

// 设备端签名请求头
const (
	headerDeviceID  = "X-Device-Id"
	headerTimestamp = "X-Timestamp"
	headerSignature = "X-Signature"
)

// DeviceSource 设备注册表
type DeviceSource interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// BatchProcessor 读数批处理：入库 + 一次评估
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, device *models.Device, readings []models.SensorReading) (int, error)
}

// IngestHandler 采集网关
// 签名在 JSON 解析之前对原始请求字节校验：解析器的任何规整化
// 都不能参与签名输入
type IngestHandler struct {
	cfg       *config.IngestConfig
	devices   DeviceSource
	processor BatchProcessor
	logger    *zap.Logger
	now       func() time.Time
}

// NewIngestHandler 创建采集网关
func NewIngestHandler(cfg *config.IngestConfig, devices DeviceSource, processor BatchProcessor, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		cfg:       cfg,
		devices:   devices,
		processor: processor,
		logger:    logger,
		now:       time.Now,
	}
}

// ingestRequest 上报载荷
type ingestRequest struct {
	Readings []ingestReading `json:"readings"`
}

// ingestReading 单条读数（device_id 以签名头为准，载荷内不接受）
// 固件协议用 ts 表示读数采集时间
type ingestReading struct {
	RecordedAt       time.Time `json:"ts"`
	Temperature      *float64  `json:"temperature,omitempty"`
	Humidity         *float64  `json:"humidity,omitempty"`
	DoorStatus       *string   `json:"door_status,omitempty"`
	PowerConsumption *float64  `json:"power_consumption,omitempty"`
}

// ingestResponse 设备端响应（固件协议，不走看板信封）
type ingestResponse struct {
	Accepted int `json:"accepted"`
}

// PostReadings POST /ingest/api/v1/readings
func (h *IngestHandler) PostReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID := r.Header.Get(headerDeviceID)
	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	if deviceID == "" || timestamp == "" || signature == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing signature headers"))
		return
	}

	maxBytes := h.cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("failed to read body"))
		return
	}
	if int64(len(body)) > maxBytes {
		writeJSON(w, http.StatusBadRequest, Fail("body too large"))
		return
	}

	// 时间戳新鲜度：离线攒包的合法批次靠 recorded_at 表达历史时间，
	// 签名时间戳必须是当前时间
	if h.cfg.FreshnessWindowSec > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, Fail("invalid timestamp"))
			return
		}
		skew := h.now().Unix() - ts
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(h.cfg.FreshnessWindowSec) {
			writeJSON(w, http.StatusUnauthorized, Fail("stale timestamp"))
			return
		}
	}

	device, err := h.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			h.handleUnknownDevice(w, deviceID, body, timestamp, signature)
			return
		}
		h.logger.Error("Failed to load device", zap.String("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		return
	}

	secret := device.SharedSecret
	if secret == "" {
		secret = h.cfg.FleetSecret
	}
	if !verifySignature(secret, body, timestamp, signature) {
		h.logger.Warn("Signature verification failed", zap.String("device_id", deviceID))
		writeJSON(w, http.StatusUnauthorized, Fail("invalid signature"))
		return
	}

	readings, err := h.parseReadings(deviceID, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	accepted, err := h.processor.ProcessBatch(ctx, device, readings)
	if err != nil {
		h.logger.Error("Failed to process batch",
			zap.String("device_id", deviceID),
			zap.Int("readings", len(readings)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{Accepted: accepted})
}

// handleUnknownDevice 未注册设备
// accept 策略：机群密钥验签通过则静默接受并丢弃（响应与正常路径无差别，
// 不向探测者暴露设备注册状态）；reject 策略返回 404
func (h *IngestHandler) handleUnknownDevice(w http.ResponseWriter, deviceID string, body []byte, timestamp, signature string) {
	if h.cfg.UnknownDevicePolicy == "reject" {
		writeJSON(w, http.StatusNotFound, Fail("unknown device"))
		return
	}

	if h.cfg.FleetSecret == "" || !verifySignature(h.cfg.FleetSecret, body, timestamp, signature) {
		writeJSON(w, http.StatusUnauthorized, Fail("invalid signature"))
		return
	}

	h.logger.Warn("Accepted readings from unregistered device, dropping",
		zap.String("device_id", deviceID),
	)
	writeJSON(w, http.StatusOK, ingestResponse{Accepted: 0})
}

// parseReadings 解码并逐条校验，单条非法只跳过该条
func (h *IngestHandler) parseReadings(deviceID string, body []byte) ([]models.SensorReading, error) {
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, models.ErrValidation
	}
	if len(req.Readings) == 0 {
		return nil, models.ErrValidation
	}

	now := h.now().UTC()
	readings := make([]models.SensorReading, 0, len(req.Readings))
	for i, in := range req.Readings {
		reading := models.SensorReading{
			DeviceID:         deviceID,
			RecordedAt:       in.RecordedAt,
			Temperature:      in.Temperature,
			Humidity:         in.Humidity,
			DoorStatus:       in.DoorStatus,
			PowerConsumption: in.PowerConsumption,
			ReceivedAt:       now,
		}
		if err := validateReading(&reading); err != nil {
			h.logger.Warn("Skipping invalid reading",
				zap.String("device_id", deviceID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

func validateReading(reading *models.SensorReading) error {
	if reading.RecordedAt.IsZero() {
		return errors.New("ts is required")
	}
	if !reading.HasMetric() {
		return errors.New("reading carries no metric")
	}
	if reading.DoorStatus != nil {
		if *reading.DoorStatus != models.DoorOpen && *reading.DoorStatus != models.DoorClosed {
			return errors.New("door_status must be open or closed")
		}
	}
	return nil
}

// verifySignature 校验 hex(HMAC-SHA256(secret, body || timestamp))
func verifySignature(secret string, body []byte, timestamp, signature string) bool {
	if secret == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hmac.Equal(mac.Sum(nil), provided)
}
