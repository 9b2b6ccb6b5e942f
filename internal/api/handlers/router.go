package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/capture"
	"github.com/langchou/geotrackd/internal/classifier"
	"github.com/langchou/geotrackd/internal/health"
	"github.com/langchou/geotrackd/internal/proximity"
	"github.com/langchou/geotrackd/internal/repository"
	"github.com/langchou/geotrackd/internal/source"
	"github.com/langchou/geotrackd/internal/trip"
	"github.com/langchou/geotrackd/internal/uploader"
	"github.com/langchou/geotrackd/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger    *zap.Logger
	deviceID  string
	healthC   *health.Cell
	capture   *capture.Service
	cls       *classifier.Classifier
	seg       *trip.Segmenter
	uploader  *uploader.Service
	push      *source.PushSource
	signals   source.SignalSource
	evaluator *proximity.Evaluator
	tripRepo  repository.TripStore
	eventRepo repository.EventStore
	alertRepo repository.AlertStore
	fenceRepo repository.GeofenceStore
	trigRepo  repository.TriggerStore
	wsHub     *ws.Hub
	upgrader  websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	deviceID string,
	healthCell *health.Cell,
	captureService *capture.Service,
	cls *classifier.Classifier,
	seg *trip.Segmenter,
	uploaderService *uploader.Service,
	push *source.PushSource,
	evaluator *proximity.Evaluator,
	tripRepo repository.TripStore,
	eventRepo repository.EventStore,
	alertRepo repository.AlertStore,
	fenceRepo repository.GeofenceStore,
	trigRepo repository.TriggerStore,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:    logger,
		deviceID:  deviceID,
		healthC:   healthCell,
		capture:   captureService,
		cls:       cls,
		seg:       seg,
		uploader:  uploaderService,
		push:      push,
		signals:   push,
		evaluator: evaluator,
		tripRepo:  tripRepo,
		eventRepo: eventRepo,
		alertRepo: alertRepo,
		fenceRepo: fenceRepo,
		trigRepo:  trigRepo,
		wsHub:     wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 本机代理允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 状态与设置
		api.GET("/status", h.GetStatus)
		api.PUT("/settings/interval", h.UpdateInterval)

		// 行程
		api.GET("/trips", h.ListTrips)
		api.GET("/trips/:id", h.GetTrip)
		api.POST("/trips/start", h.StartTrip)
		api.POST("/trips/end", h.EndTrip)
		api.DELETE("/trips/:id", h.DeleteTrip)
		api.POST("/trips/:id/undo", h.UndoDeleteTrip)

		// 模式切换事件
		api.GET("/events", h.ListEvents)

		// 上传队列
		api.GET("/queue/stats", h.GetQueueStats)
		api.POST("/queue/retry-failed", h.RetryFailed)
		api.POST("/queue/drain", h.TriggerDrain)

		// 邻近告警
		api.GET("/alerts", h.ListAlerts)
		api.POST("/alerts", h.CreateAlert)
		api.POST("/alerts/:id/toggle", h.ToggleAlert)
		api.GET("/alerts/triggers", h.ListProximityTriggers)

		// 围栏
		api.GET("/geofences", h.ListGeofences)
		api.POST("/geofences", h.CreateGeofence)
		api.POST("/geofences/:id/toggle", h.ToggleGeofence)
		api.GET("/geofences/events", h.ListGeofenceEvents)

		// 信号推送（宿主集成）
		api.POST("/signals/fix", h.PushFix)
		api.POST("/signals/activity", h.PushActivity)
		api.POST("/signals/bluetooth", h.PushBluetooth)
		api.POST("/signals/carmode", h.PushCarMode)
		api.POST("/signals/motion", h.PushMotion)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
