package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/repository"
	"github.com/langchou/geotrackd/internal/trip"
)

// ListTrips 行程列表
func (h *Handler) ListTrips(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	includeDeleted := c.Query("include_deleted") == "true"

	trips, err := h.tripRepo.List(c.Request.Context(), limit, includeDeleted)
	if err != nil {
		h.logger.Error("Failed to list trips", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list trips"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trips": trips})
}

// GetTrip 行程详情（含模式切换事件）
func (h *Handler) GetTrip(c *gin.Context) {
	id := c.Param("id")

	t, err := h.tripRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Trip not found"})
			return
		}
		h.logger.Error("Failed to get trip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get trip"})
		return
	}

	events, err := h.eventRepo.ListByTripID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list trip events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list trip events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trip": t, "events": events})
}

// StartTrip 手动开启行程
func (h *Handler) StartTrip(c *gin.Context) {
	t, err := h.seg.StartManual(c.Request.Context())
	if err != nil {
		if errors.Is(err, trip.ErrTripActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "Trip already active"})
			return
		}
		h.logger.Error("Failed to start trip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start trip"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": t})
}

// EndTrip 手动结束行程
func (h *Handler) EndTrip(c *gin.Context) {
	t, err := h.seg.EndManual(c.Request.Context())
	if err != nil {
		if errors.Is(err, trip.ErrNoActiveTrip) {
			c.JSON(http.StatusConflict, gin.H{"error": "No active trip"})
			return
		}
		h.logger.Error("Failed to end trip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end trip"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": t})
}

// DeleteTrip 软删除行程，撤销窗口内可恢复
func (h *Handler) DeleteTrip(c *gin.Context) {
	id := c.Param("id")

	if err := h.seg.DeleteTrip(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Trip not found"})
			return
		}
		h.logger.Error("Failed to delete trip", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete trip"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UndoDeleteTrip 撤销行程删除
func (h *Handler) UndoDeleteTrip(c *gin.Context) {
	id := c.Param("id")

	if err := h.seg.UndoDelete(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Trip not found or undo window expired"})
			return
		}
		h.logger.Error("Failed to undo trip delete", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to undo trip delete"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListEvents 最近的模式切换事件
func (h *Handler) ListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := h.eventRepo.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
