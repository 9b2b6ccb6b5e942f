package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetStatus 获取服务状态（健康快照+当前模式+当前行程+最近原始信号）
func (h *Handler) GetStatus(c *gin.Context) {
	signals := gin.H{
		"car_audio_paired": h.signals.IsPairedWithCarAudio(),
		"car_mode_active":  h.signals.IsInCarModeActive(),
	}
	if activity, ok := h.signals.LatestActivity(); ok {
		signals["activity"] = activity
	}
	if motion, ok := h.signals.LatestMotion(); ok {
		signals["motion"] = motion
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id":   h.deviceID,
		"health":      h.healthC.Get(),
		"state":       h.cls.Current(),
		"active_trip": h.seg.ActiveTrip(),
		"signals":     signals,
	})
}

// UpdateInterval 调整采集间隔（分钟），下个周期生效
func (h *Handler) UpdateInterval(c *gin.Context) {
	var req struct {
		IntervalMinutes float64 `json:"interval_minutes" binding:"required,gt=0"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	h.capture.UpdateInterval(req.IntervalMinutes)
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"interval_minutes": h.capture.Interval().Minutes(),
	})
}
