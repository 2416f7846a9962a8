package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"catcar-wash-iot/internal/config"
	"catcar-wash-iot/internal/database"
	"catcar-wash-iot/internal/dispatcher"
	"catcar-wash-iot/internal/firmware"
	"catcar-wash-iot/internal/httpapi"
	"catcar-wash-iot/internal/ingestor"
	"catcar-wash-iot/internal/mqtt"
	"catcar-wash-iot/internal/redisx"
	"catcar-wash-iot/internal/repository"
)

// Service 洗车机IoT核心服务
// 聚合命令下发、遥测接入与REST查询三条链路
type Service struct {
	config     *config.Config
	logger     *zap.Logger
	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqtt.Client
	dispatcher *dispatcher.Dispatcher
	ingestor   *ingestor.Ingestor
	httpServer *http.Server
}

// NewService 创建服务并完成依赖装配
func NewService(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := redisx.NewRedisClient(&cfg.Redis)
	if err := redisx.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	// 创建Repository
	deviceRepo := repository.NewDeviceRepository(db, logger)
	stateRepo := repository.NewDeviceStateRepository(db, logger)

	// 创建命令下发器与遥测接入器
	cmdDispatcher := dispatcher.NewDispatcher(cfg, mqttClient, logger)
	telemetryIngestor := ingestor.NewIngestor(cfg, mqttClient, deviceRepo, stateRepo, redisClient, logger)

	// 固件仓库客户端
	firmwareClient := firmware.NewClient(cfg.Firmware.RegistryURL, logger)

	// 组装REST路由
	router := httpapi.NewRouter(logger)
	router.RegisterCommandRoutes(httpapi.NewCommandHandler(cmdDispatcher, firmwareClient, logger))
	router.RegisterTelemetryRoutes(httpapi.NewTelemetryHandler(
		telemetryIngestor, stateRepo, mqttClient, redisClient, cfg.Telemetry.CacheKeyPrefix, logger))
	router.RegisterHealthRoutes()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Service{
		config:     cfg,
		logger:     logger,
		db:         db,
		redis:      redisClient,
		mqttClient: mqttClient,
		dispatcher: cmdDispatcher,
		ingestor:   telemetryIngestor,
		httpServer: httpServer,
	}, nil
}

// Start 启动服务
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting car wash IoT core components")

	// 启动命令下发器（订阅ACK主题）
	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start command dispatcher: %w", err)
	}

	// 启动遥测接入器（订阅流数据主题与各定时器）
	if err := s.ingestor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry ingestor: %w", err)
	}

	// 启动HTTP服务
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.HTTP.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("Car wash IoT core started successfully")
	return nil
}

// Stop 停止服务
// 关停顺序：先停REST入口，再冲刷遥测队列，然后解除在途命令，最后断开连接
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping car wash IoT core")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	if s.ingestor != nil {
		if err := s.ingestor.Stop(ctx); err != nil {
			s.logger.Error("Error stopping telemetry ingestor", zap.Error(err))
		}
	}

	if s.dispatcher != nil {
		s.dispatcher.Shutdown()
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redis != nil {
		redisx.Close(s.redis)
	}

	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Car wash IoT core stopped")
	return nil
}
