package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
)

// ListAlerts 邻近告警规则列表
func (h *Handler) ListAlerts(c *gin.Context) {
	alerts, err := h.alertRepo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// CreateAlert 创建邻近告警规则
func (h *Handler) CreateAlert(c *gin.Context) {
	var req struct {
		TargetDeviceID   string  `json:"target_device_id" binding:"required"`
		TriggerDistanceM float64 `json:"trigger_distance_m" binding:"required,gt=0"`
		CooldownSeconds  int     `json:"cooldown_seconds"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.CooldownSeconds <= 0 {
		req.CooldownSeconds = 300
	}

	alert := &models.ProximityAlert{
		DeviceID:         h.deviceID,
		TargetDeviceID:   req.TargetDeviceID,
		TriggerDistanceM: req.TriggerDistanceM,
		CooldownSeconds:  req.CooldownSeconds,
		Active:           true,
	}
	if err := h.alertRepo.Create(c.Request.Context(), alert); err != nil {
		h.logger.Error("Failed to create alert", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// ToggleAlert 启用/停用告警规则
func (h *Handler) ToggleAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid alert ID"})
		return
	}

	alert, err := h.alertRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
			return
		}
		h.logger.Error("Failed to get alert", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get alert"})
		return
	}

	if err := h.alertRepo.SetActive(c.Request.Context(), id, !alert.Active); err != nil {
		h.logger.Error("Failed to toggle alert", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to toggle alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": !alert.Active})
}

// ListProximityTriggers 最近的邻近触发记录
func (h *Handler) ListProximityTriggers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	triggers, err := h.trigRepo.ListProximityTriggers(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list proximity triggers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list proximity triggers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggers": triggers})
}

// ListGeofences 围栏列表
func (h *Handler) ListGeofences(c *gin.Context) {
	fences, err := h.fenceRepo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list geofences", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list geofences"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"geofences": fences})
}

// CreateGeofence 创建围栏
func (h *Handler) CreateGeofence(c *gin.Context) {
	var req struct {
		Name         string  `json:"name" binding:"required"`
		Latitude     float64 `json:"latitude" binding:"required"`
		Longitude    float64 `json:"longitude" binding:"required"`
		RadiusM      float64 `json:"radius_m" binding:"required,gt=0"`
		OnEnter      bool    `json:"on_enter"`
		OnExit       bool    `json:"on_exit"`
		OnDwell      bool    `json:"on_dwell"`
		DwellSeconds int     `json:"dwell_seconds"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.DwellSeconds <= 0 {
		req.DwellSeconds = 300
	}

	fence := &models.Geofence{
		Name:         req.Name,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		RadiusM:      req.RadiusM,
		OnEnter:      req.OnEnter,
		OnExit:       req.OnExit,
		OnDwell:      req.OnDwell,
		DwellSeconds: req.DwellSeconds,
		Active:       true,
	}
	if err := h.fenceRepo.Create(c.Request.Context(), fence); err != nil {
		h.logger.Error("Failed to create geofence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create geofence"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"geofence": fence})
}

// ToggleGeofence 启用/停用围栏
func (h *Handler) ToggleGeofence(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid geofence ID"})
		return
	}

	fence, err := h.fenceRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Geofence not found"})
			return
		}
		h.logger.Error("Failed to get geofence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get geofence"})
		return
	}

	if err := h.fenceRepo.SetActive(c.Request.Context(), id, !fence.Active); err != nil {
		h.logger.Error("Failed to toggle geofence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to toggle geofence"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": !fence.Active})
}

// ListGeofenceEvents 最近的围栏触发记录
func (h *Handler) ListGeofenceEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := h.trigRepo.ListGeofenceEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list geofence events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list geofence events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
