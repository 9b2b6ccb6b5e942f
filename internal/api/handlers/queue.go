package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetQueueStats 上传队列统计
func (h *Handler) GetQueueStats(c *gin.Context) {
	stats, err := h.uploader.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// RetryFailed 重置永久失败的条目并触发排水
func (h *Handler) RetryFailed(c *gin.Context) {
	n, err := h.uploader.RetryFailed(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to retry failed items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retry failed items"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "reset": n})
}

// TriggerDrain 立即触发一轮排水（网络恢复钩子）
func (h *Handler) TriggerDrain(c *gin.Context) {
	h.uploader.TriggerDrain()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
