package proximity

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/geo"
	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
)

// Config 评估器参数
type Config struct {
	LocationStaleness time.Duration // 参与计算的定位新鲜窗口
}

// fenceState 设备对围栏的内外状态
type fenceState struct {
	inside     bool
	enteredAt  time.Time
	dwellFired bool // 每次进入只触发一次 dwell，离开后重新武装
}

// Evaluator 邻近与围栏评估器。每条进入的定位都参与评估，
// 冷却期在任意快的更新频率下都成立。
type Evaluator struct {
	mu       sync.Mutex
	logger   *zap.Logger
	cfg      Config
	alerts   repository.AlertStore
	fences   repository.GeofenceStore
	triggers repository.TriggerStore
	now      func() time.Time

	// 各设备最近定位，TTL 即新鲜窗口
	fixes *gocache.Cache

	fenceStates map[string]*fenceState // deviceID:fenceID
}

// New 创建评估器
func New(logger *zap.Logger, cfg Config, alerts repository.AlertStore, fences repository.GeofenceStore, triggers repository.TriggerStore) *Evaluator {
	return &Evaluator{
		logger:      logger,
		cfg:         cfg,
		alerts:      alerts,
		fences:      fences,
		triggers:    triggers,
		now:         time.Now,
		fixes:       gocache.New(cfg.LocationStaleness, cfg.LocationStaleness),
		fenceStates: make(map[string]*fenceState),
	}
}

// SetNow 注入时钟（测试用）
func (e *Evaluator) SetNow(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Observe 吸收一条设备定位并评估所有规则
func (e *Evaluator) Observe(ctx context.Context, deviceID string, sample *models.LocationSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fixes.Set(deviceID, sample, gocache.DefaultExpiration)

	e.evaluateGeofences(ctx, deviceID, sample)
	e.evaluateAlerts(ctx, deviceID, sample)
}

func (e *Evaluator) evaluateGeofences(ctx context.Context, deviceID string, sample *models.LocationSample) {
	fences, err := e.fences.ListActive(ctx)
	if err != nil {
		e.logger.Error("Failed to list geofences", zap.Error(err))
		return
	}

	now := e.now()
	for _, fence := range fences {
		distance := geo.HaversineMeters(sample.Latitude, sample.Longitude, fence.Latitude, fence.Longitude)
		inside := distance <= fence.RadiusM

		key := fmt.Sprintf("%s:%d", deviceID, fence.ID)
		state, ok := e.fenceStates[key]
		if !ok {
			state = &fenceState{}
			e.fenceStates[key] = state
		}

		switch {
		case inside && !state.inside:
			state.inside = true
			state.enteredAt = now
			state.dwellFired = false
			if fence.OnEnter {
				e.fireGeofence(ctx, fence, deviceID, models.GeofenceEnter, sample, distance, now)
			}
		case !inside && state.inside:
			state.inside = false
			state.dwellFired = false
			if fence.OnExit {
				e.fireGeofence(ctx, fence, deviceID, models.GeofenceExit, sample, distance, now)
			}
		case inside && state.inside:
			if fence.OnDwell && !state.dwellFired &&
				now.Sub(state.enteredAt) >= time.Duration(fence.DwellSeconds)*time.Second {
				state.dwellFired = true
				e.fireGeofence(ctx, fence, deviceID, models.GeofenceDwell, sample, distance, now)
			}
		}
	}
}

func (e *Evaluator) fireGeofence(ctx context.Context, fence *models.Geofence, deviceID string, eventType models.GeofenceEventType, sample *models.LocationSample, distance float64, now time.Time) {
	event := &models.GeofenceEvent{
		GeofenceID: fence.ID,
		DeviceID:   deviceID,
		EventType:  eventType,
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		DistanceM:  distance,
		Delivery:   models.DeliveryPending,
		OccurredAt: now,
	}
	if err := e.triggers.CreateGeofenceEvent(ctx, event); err != nil {
		e.logger.Error("Failed to persist geofence event", zap.Error(err))
		return
	}
	if err := e.fences.RecordTrigger(ctx, fence.ID, now); err != nil {
		e.logger.Error("Failed to record geofence trigger", zap.Error(err))
	}
	e.logger.Info("Geofence event",
		zap.String("fence", fence.Name),
		zap.String("type", string(eventType)),
		zap.String("device_id", deviceID),
		zap.Float64("distance_m", distance))
}

func (e *Evaluator) evaluateAlerts(ctx context.Context, deviceID string, sample *models.LocationSample) {
	alerts, err := e.alerts.ListActive(ctx)
	if err != nil {
		e.logger.Error("Failed to list proximity alerts", zap.Error(err))
		return
	}

	now := e.now()
	for _, alert := range alerts {
		var otherID string
		switch deviceID {
		case alert.DeviceID:
			otherID = alert.TargetDeviceID
		case alert.TargetDeviceID:
			otherID = alert.DeviceID
		default:
			continue
		}

		// 双方都要有新鲜定位
		cached, ok := e.fixes.Get(otherID)
		if !ok {
			continue
		}
		other := cached.(*models.LocationSample)

		distance := geo.HaversineMeters(sample.Latitude, sample.Longitude, other.Latitude, other.Longitude)
		if distance > alert.TriggerDistanceM {
			continue
		}

		// 冷却期内不重复触发
		if alert.LastTriggeredAt != nil &&
			now.Sub(*alert.LastTriggeredAt) < time.Duration(alert.CooldownSeconds)*time.Second {
			continue
		}

		// 坐标按告警里的设备身份归位，本条定位可能来自任意一方
		deviceFix, targetFix := sample, other
		if deviceID != alert.DeviceID {
			deviceFix, targetFix = other, sample
		}

		trigger := &models.ProximityTrigger{
			AlertID:         alert.ID,
			DeviceID:        alert.DeviceID,
			TargetID:        alert.TargetDeviceID,
			DistanceM:       distance,
			DeviceLatitude:  deviceFix.Latitude,
			DeviceLongitude: deviceFix.Longitude,
			TargetLatitude:  targetFix.Latitude,
			TargetLongitude: targetFix.Longitude,
			Delivery:        models.DeliveryPending,
			OccurredAt:      now,
		}
		if err := e.triggers.CreateProximityTrigger(ctx, trigger); err != nil {
			e.logger.Error("Failed to persist proximity trigger", zap.Error(err))
			continue
		}
		if err := e.alerts.RecordTrigger(ctx, alert.ID, now); err != nil {
			e.logger.Error("Failed to record proximity trigger", zap.Error(err))
		}
		e.logger.Info("Proximity alert triggered",
			zap.Int64("alert_id", alert.ID),
			zap.Float64("distance_m", distance))
	}
}
