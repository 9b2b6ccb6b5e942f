package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/geotrackd/internal/api/handlers"
	"github.com/langchou/geotrackd/internal/capture"
	"github.com/langchou/geotrackd/internal/classifier"
	"github.com/langchou/geotrackd/internal/config"
	"github.com/langchou/geotrackd/internal/health"
	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/proximity"
	"github.com/langchou/geotrackd/internal/repository"
	"github.com/langchou/geotrackd/internal/repository/memstore"
	"github.com/langchou/geotrackd/internal/source"
	"github.com/langchou/geotrackd/internal/syncapi"
	"github.com/langchou/geotrackd/internal/trip"
	"github.com/langchou/geotrackd/internal/uploader"
	"github.com/langchou/geotrackd/internal/watchdog"
	"github.com/langchou/geotrackd/pkg/ws"
)

// stores 各聚合的存储接口集合
type stores struct {
	samples   repository.SampleStore
	events    repository.EventStore
	trips     repository.TripStore
	queue     repository.QueueStore
	alerts    repository.AlertStore
	geofences repository.GeofenceStore
	triggers  repository.TriggerStore
}

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting geotrackd",
		zap.String("port", cfg.ServerPort),
		zap.String("device_id", cfg.DeviceID))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化存储：有 DATABASE_URL 用 PostgreSQL，否则用内存存储
	st, closeDB, err := initStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer closeDB()

	// 健康状态单元
	healthCell := health.NewCell()

	// 推送信号源（宿主集成通过 HTTP 推送定位与信号）
	push := source.NewPushSource()

	// 模式分类器
	cls := classifier.New(logger, classifier.Config{
		ActivityStaleness:     cfg.ActivityStaleness,
		VehicleStaleness:      cfg.VehicleStaleness,
		MotionStaleness:       cfg.MotionStaleness,
		MinActivityConfidence: cfg.MinActivityConfidence,
		MinPublishConfidence:  cfg.MinPublishConfidence,
	}, st.events)

	// 行程分段器
	seg := trip.New(logger, trip.Config{
		DeviceID:      cfg.DeviceID,
		VehicleGrace:  cfg.TripVehicleGrace,
		WalkingGrace:  cfg.TripWalkingGrace,
		MinDuration:   cfg.TripMinDuration,
		MinDistanceM:  cfg.TripMinDistanceM,
		MaxDuration:   cfg.TripMaxDuration,
		MaxDistanceM:  cfg.TripMaxDistanceM,
		MinMovements:  cfg.TripMinMovements,
		UndoWindow:    cfg.TripUndoWindow,
		PurgeInterval: cfg.TripPurgeInterval,
	}, st.trips, st.events)
	cls.SetTripIDProvider(seg.ActiveTripID)

	// 上传队列与同步客户端
	syncClient := syncapi.NewClient(logger, cfg.SyncEndpoint, cfg.DeviceID, cfg.SyncTimeout)
	uploaderService := uploader.New(logger, uploader.Config{
		DrainInterval:     cfg.DrainInterval,
		BatchSize:         cfg.DrainBatchSize,
		MaxRetries:        cfg.QueueMaxRetries,
		InitialBackoff:    cfg.QueueInitialBackoff,
		MaxBackoff:        cfg.QueueMaxBackoff,
		Retention:         cfg.QueueRetention,
		RetentionInterval: cfg.RetentionInterval,
		RateLimit:         cfg.UploadRateLimit,
		Burst:             cfg.UploadBurst,
	}, st.queue, syncClient)

	// 投递成功后回写来源记录的同步标记
	uploaderService.SetDeliveredHook(func(ctx context.Context, item *models.QueueItem) {
		now := time.Now()
		switch item.PayloadType {
		case models.PayloadLocation:
			var s models.LocationSample
			if err := json.Unmarshal(item.Payload, &s); err == nil && s.ID != 0 {
				if err := st.samples.MarkSynced(ctx, s.ID, now); err != nil {
					logger.Warn("Failed to mark sample synced", zap.Error(err))
				}
			}
		case models.PayloadMovementEvent:
			if err := st.events.MarkSynced(ctx, item.PayloadID, now); err != nil {
				logger.Warn("Failed to mark event synced", zap.Error(err))
			}
		case models.PayloadTrip:
			if err := st.trips.MarkSynced(ctx, item.PayloadID, now); err != nil {
				logger.Warn("Failed to mark trip synced", zap.Error(err))
			}
		}
	})

	// 模式切换事件也进入上传队列
	cls.SetEventSink(func(ctx context.Context, event *models.MovementEvent) {
		if err := uploaderService.EnqueueEvent(ctx, event); err != nil {
			logger.Error("Failed to enqueue movement event", zap.Error(err))
		}
	})

	// 邻近与围栏评估器
	evaluator := proximity.New(logger, proximity.Config{
		LocationStaleness: cfg.LocationStaleness,
	}, st.alerts, st.geofences, st.triggers)

	// 采集循环
	captureService := capture.New(logger, cfg, push, st.samples, healthCell, cls, seg, uploaderService, evaluator)

	// 看门狗
	dog := watchdog.New(logger, watchdog.Config{
		CheckInterval: cfg.WatchdogInterval,
		StallMinimum:  cfg.StallMinimum,
		StallFactor:   cfg.StallFactor,
	}, healthCell, captureService)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return &ws.InitData{
			Health:     healthCell.Get(),
			State:      cls.Current(),
			ActiveTrip: seg.ActiveTrip(),
		}
	})
	go wsHub.Run()

	// 订阅各服务的更新并广播
	go func() {
		healthCh := healthCell.Subscribe()
		for h := range healthCh {
			wsHub.BroadcastHealthUpdate(h)
		}
	}()
	go func() {
		stateCh := cls.Subscribe()
		for state := range stateCh {
			seg.OnStateChange(context.Background(), state)
			wsHub.BroadcastStateUpdate(state)
		}
	}()
	go func() {
		tripCh := seg.Subscribe()
		for t := range tripCh {
			// 收尾的行程进入上传队列
			if t.State == models.TripCompleted {
				if err := uploaderService.EnqueueTrip(context.Background(), t); err != nil {
					logger.Error("Failed to enqueue trip", zap.Error(err))
				}
			}
			wsHub.BroadcastTripUpdate(t)
		}
	}()

	// 启动服务
	if err := seg.Start(ctx); err != nil {
		logger.Fatal("Failed to start trip segmenter", zap.Error(err))
	}
	if err := uploaderService.Start(ctx); err != nil {
		logger.Fatal("Failed to start upload queue", zap.Error(err))
	}
	if err := captureService.Start(ctx); err != nil {
		logger.Fatal("Failed to start capture service", zap.Error(err))
	}
	if err := dog.Start(ctx); err != nil {
		logger.Fatal("Failed to start watchdog", zap.Error(err))
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(
		logger,
		cfg.DeviceID,
		healthCell,
		captureService,
		cls,
		seg,
		uploaderService,
		push,
		evaluator,
		st.trips,
		st.events,
		st.alerts,
		st.geofences,
		st.triggers,
		wsHub,
	)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止服务（行程以 SHUTDOWN 原因收尾）
	dog.Stop()
	captureService.Stop()
	seg.Stop()
	uploaderService.Stop()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initStores 初始化存储层
func initStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, func(), error) {
	if cfg.DatabaseURL == "" || cfg.DatabaseURL == "memory" {
		logger.Info("Using in-memory storage")
		mem := memstore.New()
		return &stores{
			samples:   mem.Samples,
			events:    mem.Events,
			trips:     mem.Trips,
			queue:     mem.Queue,
			alerts:    mem.Alerts,
			geofences: mem.Geofences,
			triggers:  mem.Triggers,
		}, func() {}, nil
	}

	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("Database migrated successfully")

	return &stores{
		samples:   repository.NewSampleRepository(db),
		events:    repository.NewEventRepository(db),
		trips:     repository.NewTripRepository(db),
		queue:     repository.NewQueueRepository(db),
		alerts:    repository.NewAlertRepository(db),
		geofences: repository.NewGeofenceRepository(db),
		triggers:  repository.NewTriggerRepository(db),
	}, db.Close, nil
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
