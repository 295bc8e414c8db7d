package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"sitesense-alarm/internal/broadcaster"
	"sitesense-alarm/internal/config"
	"sitesense-alarm/internal/consumer"
	"sitesense-alarm/internal/database"
	"sitesense-alarm/internal/escalator"
	"sitesense-alarm/internal/evaluator"
	"sitesense-alarm/internal/httpapi"
	"sitesense-alarm/internal/models"
	"sitesense-alarm/internal/notifier"
	"sitesense-alarm/internal/repository"
)

// AlarmService 报警服务（整合各层）
type AlarmService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	deviceRepo    *repository.DeviceRepository
	readingRepo   *repository.ReadingRepository
	alertRepo     *repository.AlertRepository
	recipientRepo *repository.RecipientRepository
	evaluator     *evaluator.Evaluator
	escalator     *escalator.Escalator
	sweeper       *escalator.Sweeper
	notifier      *notifier.Notifier
	broadcaster   broadcaster.Broadcaster
	cacheManager  *consumer.AlarmCacheManager
	httpServer    *http.Server
}

// NewAlarmService 创建报警服务
func NewAlarmService(cfg *config.Config, logger *zap.Logger) (*AlarmService, error) {
	// 1. 连接数据库并初始化表结构
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := repository.InitSchema(context.Background(), db); err != nil {
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	// 2. 连接 Redis（可选：未配置时关闭缓存镜像与 redis 广播）
	var redisClient *redis.Client
	var cacheManager *consumer.AlarmCacheManager
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		cacheManager = consumer.NewAlarmCacheManager(redisClient, &cfg.Cache, logger)
	}

	// 3. 创建 Repository 层
	deviceRepo := repository.NewDeviceRepository(db, logger)
	readingRepo := repository.NewReadingRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	recipientRepo := repository.NewRecipientRepository(db, logger)

	// 4. 创建通知分发器
	channel, err := notifier.NewChannel(&cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notify channel: %w", err)
	}
	dispatch := notifier.New(&cfg.Notify, channel, recipientRepo, alertRepo, logger)

	// 5. 创建广播器
	broadcast, err := broadcaster.New(cfg, redisClient, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcaster: %w", err)
	}

	// 6. 创建 Evaluator 与状态机
	eval := evaluator.New(cfg, readingRepo, alertRepo, logger)

	var cacheSyncer escalator.CacheSyncer
	if cacheManager != nil {
		cacheSyncer = cacheManager
	}
	esc := escalator.New(cfg, alertRepo, dispatch, broadcast, cacheSyncer, logger)
	sweeper := escalator.NewSweeper(esc, time.Duration(cfg.Escalation.SweepIntervalSec)*time.Second, logger)

	service := &AlarmService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		deviceRepo:    deviceRepo,
		readingRepo:   readingRepo,
		alertRepo:     alertRepo,
		recipientRepo: recipientRepo,
		evaluator:     eval,
		escalator:     esc,
		sweeper:       sweeper,
		notifier:      dispatch,
		broadcaster:   broadcast,
		cacheManager:  cacheManager,
	}

	// 7. 组装 HTTP 路由
	router := httpapi.NewRouter(logger)
	router.RegisterIngestRoutes(httpapi.NewIngestHandler(&cfg.Ingest, deviceRepo, service, logger))

	var cacheReader httpapi.AlarmCacheReader
	if cacheManager != nil {
		cacheReader = cacheManager
	}
	router.RegisterAlertRoutes(httpapi.NewAlertHandler(alertRepo, esc, cacheReader, logger))
	router.RegisterHealthRoutes()

	service.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return service, nil
}

// ProcessBatch 处理一批已验签的读数：入库后对该设备做一次整批评估
// 去重后 0 条新增也照常评估：恢复读数可能是重放批次里混进来的新数据点
func (s *AlarmService) ProcessBatch(ctx context.Context, device *models.Device, readings []models.SensorReading) (int, error) {
	if device == nil {
		return 0, fmt.Errorf("device is required")
	}
	if len(readings) == 0 {
		return 0, nil
	}

	inserted, err := s.readingRepo.InsertReadings(ctx, readings)
	if err != nil {
		return 0, fmt.Errorf("failed to store readings: %w", err)
	}

	thresholds, err := s.deviceRepo.GetEnabledThresholds(ctx, device.DeviceID)
	if err != nil {
		return inserted, fmt.Errorf("failed to load thresholds: %w", err)
	}
	if len(thresholds) == 0 {
		return inserted, nil
	}

	intents, err := s.evaluator.EvaluateDevice(ctx, device, thresholds, readings)
	if err != nil {
		return inserted, fmt.Errorf("failed to evaluate readings: %w", err)
	}
	s.escalator.Apply(ctx, device, intents)

	return inserted, nil
}

// Start 启动服务
func (s *AlarmService) Start(ctx context.Context) error {
	s.logger.Info("Starting alarm service",
		zap.String("http_addr", s.config.HTTPAddr),
		zap.String("broadcast_driver", s.config.Broadcast.Driver),
		zap.String("notify_channel", s.config.Notify.Channel),
	)

	s.notifier.Start(ctx)
	s.sweeper.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务
func (s *AlarmService) Stop() error {
	s.logger.Info("Stopping alarm service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown http server", zap.Error(err))
	}

	s.sweeper.Wait()
	s.notifier.Wait()
	s.escalator.Wait()

	if err := s.broadcaster.Close(); err != nil {
		s.logger.Error("Failed to close broadcaster", zap.Error(err))
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}

	return nil
}
