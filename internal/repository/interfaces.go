package repository

import (
	"context"
	"errors"
	"time"

	"github.com/langchou/geotrackd/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// SampleStore 位置采样存储
type SampleStore interface {
	Create(ctx context.Context, sample *models.LocationSample) error
	GetLatest(ctx context.Context, deviceID string) (*models.LocationSample, error)
	ListByTripID(ctx context.Context, tripID string) ([]*models.LocationSample, error)
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	Count(ctx context.Context) (int64, error)
}

// EventStore 模式切换事件存储
type EventStore interface {
	Create(ctx context.Context, event *models.MovementEvent) error
	List(ctx context.Context, limit int) ([]*models.MovementEvent, error)
	ListByTripID(ctx context.Context, tripID string) ([]*models.MovementEvent, error)
	SoftDeleteByTripID(ctx context.Context, tripID string, at time.Time) error
	RestoreByTripID(ctx context.Context, tripID string) error
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// TripStore 行程存储
type TripStore interface {
	Create(ctx context.Context, trip *models.Trip) error
	Update(ctx context.Context, trip *models.Trip) error
	GetByID(ctx context.Context, id string) (*models.Trip, error)
	// GetActive 返回设备当前 ACTIVE 行程，没有则返回 (nil, nil)
	GetActive(ctx context.Context, deviceID string) (*models.Trip, error)
	List(ctx context.Context, limit int, includeDeleted bool) ([]*models.Trip, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
	Restore(ctx context.Context, id string) error
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// QueueStats 队列各状态的条目数
type QueueStats struct {
	Pending      int64 `json:"pending"`
	Uploading    int64 `json:"uploading"`
	RetryPending int64 `json:"retry_pending"`
	Failed       int64 `json:"failed"`
	Delivered    int64 `json:"delivered"`
}

// QueueStore 上传队列存储
type QueueStore interface {
	Enqueue(ctx context.Context, item *models.QueueItem) error
	// DueBatch 取出到期待投递的条目（pending / retry_pending 且 next_attempt_at <= now）
	DueBatch(ctx context.Context, now time.Time, limit int) ([]*models.QueueItem, error)
	MarkUploading(ctx context.Context, id int64, at time.Time) error
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, retryCount int, nextAttempt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id int64, errMsg string, at time.Time) error
	ResetFailed(ctx context.Context, now time.Time) (int64, error)
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// AlertStore 邻近告警规则存储
type AlertStore interface {
	Create(ctx context.Context, alert *models.ProximityAlert) error
	GetByID(ctx context.Context, id int64) (*models.ProximityAlert, error)
	List(ctx context.Context) ([]*models.ProximityAlert, error)
	ListActive(ctx context.Context) ([]*models.ProximityAlert, error)
	SetActive(ctx context.Context, id int64, active bool) error
	RecordTrigger(ctx context.Context, id int64, at time.Time) error
}

// GeofenceStore 围栏存储
type GeofenceStore interface {
	Create(ctx context.Context, fence *models.Geofence) error
	GetByID(ctx context.Context, id int64) (*models.Geofence, error)
	List(ctx context.Context) ([]*models.Geofence, error)
	ListActive(ctx context.Context) ([]*models.Geofence, error)
	SetActive(ctx context.Context, id int64, active bool) error
	RecordTrigger(ctx context.Context, id int64, at time.Time) error
}

// TriggerStore 触发记录存储
type TriggerStore interface {
	CreateGeofenceEvent(ctx context.Context, event *models.GeofenceEvent) error
	CreateProximityTrigger(ctx context.Context, trigger *models.ProximityTrigger) error
	ListGeofenceEvents(ctx context.Context, limit int) ([]*models.GeofenceEvent, error)
	ListProximityTriggers(ctx context.Context, limit int) ([]*models.ProximityTrigger, error)
}
