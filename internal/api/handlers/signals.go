package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langchou/geotrackd/internal/models"
)

// PushFix 推送一条定位。本机定位唤醒采集循环；
// 带其他设备 ID 的定位（家庭成员下发的位置）只参与邻近评估。
func (h *Handler) PushFix(c *gin.Context) {
	var req struct {
		DeviceID        string   `json:"device_id"`
		Latitude        float64  `json:"latitude" binding:"required"`
		Longitude       float64  `json:"longitude" binding:"required"`
		AccuracyM       float64  `json:"accuracy_m"`
		AltitudeM       *float64 `json:"altitude_m"`
		BearingDeg      *float64 `json:"bearing_deg"`
		SpeedMPS        *float64 `json:"speed_mps"`
		BatteryLevel    *int     `json:"battery_level"`
		BatteryCharging *bool    `json:"battery_charging"`
		NetworkType     *string  `json:"network_type"`
		RecordedAt      *int64   `json:"recorded_at"` // Unix 毫秒，缺省为当前时间
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	recordedAt := time.Now()
	if req.RecordedAt != nil {
		recordedAt = time.UnixMilli(*req.RecordedAt)
	}

	sample := &models.LocationSample{
		DeviceID:        req.DeviceID,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		AccuracyM:       req.AccuracyM,
		AltitudeM:       req.AltitudeM,
		BearingDeg:      req.BearingDeg,
		SpeedMPS:        req.SpeedMPS,
		BatteryLevel:    req.BatteryLevel,
		BatteryCharging: req.BatteryCharging,
		NetworkType:     req.NetworkType,
		RecordedAt:      recordedAt,
	}

	if req.DeviceID != "" && req.DeviceID != h.deviceID {
		// 对端设备的定位只进入邻近评估
		h.evaluator.Observe(c.Request.Context(), req.DeviceID, sample)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "routed": "proximity"})
		return
	}

	sample.DeviceID = h.deviceID
	h.push.PushFix(sample)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "routed": "capture"})
}

// PushActivity 推送活动识别结果
func (h *Handler) PushActivity(c *gin.Context) {
	var req struct {
		Mode       models.TransportationMode `json:"mode" binding:"required"`
		Confidence float64                   `json:"confidence"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	h.push.PushActivity(req.Mode, req.Confidence)
	h.cls.UpdateActivity(c.Request.Context(), req.Mode, req.Confidence)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": h.cls.Current()})
}

// PushBluetooth 推送车载蓝牙音频连接状态
func (h *Handler) PushBluetooth(c *gin.Context) {
	var req struct {
		Paired *bool `json:"paired" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	h.push.SetCarAudioPaired(*req.Paired)
	h.cls.SetCarAudioPaired(c.Request.Context(), *req.Paired)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": h.cls.Current()})
}

// PushCarMode 推送车机投屏模式状态
func (h *Handler) PushCarMode(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	h.push.SetCarModeActive(*req.Active)
	h.cls.SetCarMode(c.Request.Context(), *req.Active)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": h.cls.Current()})
}

// PushMotion 推送运动传感器遥测
func (h *Handler) PushMotion(c *gin.Context) {
	var req models.TelemetrySnapshot
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	h.push.PushMotion(req)
	h.cls.UpdateTelemetry(c.Request.Context(), req)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": h.cls.Current()})
}
