package repository

import (
	"context"
	"fmt"

	"github.com/langchou/geotrackd/internal/models"
)

// TriggerRepository 触发记录仓库（围栏事件 + 邻近触发）
type TriggerRepository struct {
	db *DB
}

// NewTriggerRepository 创建触发记录仓库
func NewTriggerRepository(db *DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

// CreateGeofenceEvent 写入围栏触发记录
func (r *TriggerRepository) CreateGeofenceEvent(ctx context.Context, event *models.GeofenceEvent) error {
	query := `
		INSERT INTO geofence_events (geofence_id, device_id, event_type, latitude, longitude, distance_m, delivery, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		event.GeofenceID,
		event.DeviceID,
		event.EventType,
		event.Latitude,
		event.Longitude,
		event.DistanceM,
		event.Delivery,
		event.OccurredAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("insert geofence event: %w", err)
	}
	return nil
}

// CreateProximityTrigger 写入邻近触发记录
func (r *TriggerRepository) CreateProximityTrigger(ctx context.Context, trigger *models.ProximityTrigger) error {
	query := `
		INSERT INTO proximity_triggers (alert_id, device_id, target_id, distance_m,
			device_latitude, device_longitude, target_latitude, target_longitude, delivery, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		trigger.AlertID,
		trigger.DeviceID,
		trigger.TargetID,
		trigger.DistanceM,
		trigger.DeviceLatitude,
		trigger.DeviceLongitude,
		trigger.TargetLatitude,
		trigger.TargetLongitude,
		trigger.Delivery,
		trigger.OccurredAt,
	).Scan(&trigger.ID)
	if err != nil {
		return fmt.Errorf("insert proximity trigger: %w", err)
	}
	return nil
}

// ListGeofenceEvents 最近的围栏触发记录
func (r *TriggerRepository) ListGeofenceEvents(ctx context.Context, limit int) ([]*models.GeofenceEvent, error) {
	query := `
		SELECT id, geofence_id, device_id, event_type, latitude, longitude, distance_m, delivery, occurred_at
		FROM geofence_events ORDER BY occurred_at DESC LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list geofence events: %w", err)
	}
	defer rows.Close()

	var events []*models.GeofenceEvent
	for rows.Next() {
		e := &models.GeofenceEvent{}
		err := rows.Scan(&e.ID, &e.GeofenceID, &e.DeviceID, &e.EventType, &e.Latitude, &e.Longitude, &e.DistanceM, &e.Delivery, &e.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("scan geofence event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// ListProximityTriggers 最近的邻近触发记录
func (r *TriggerRepository) ListProximityTriggers(ctx context.Context, limit int) ([]*models.ProximityTrigger, error) {
	query := `
		SELECT id, alert_id, device_id, target_id, distance_m,
			device_latitude, device_longitude, target_latitude, target_longitude, delivery, occurred_at
		FROM proximity_triggers ORDER BY occurred_at DESC LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list proximity triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*models.ProximityTrigger
	for rows.Next() {
		t := &models.ProximityTrigger{}
		err := rows.Scan(&t.ID, &t.AlertID, &t.DeviceID, &t.TargetID, &t.DistanceM,
			&t.DeviceLatitude, &t.DeviceLongitude, &t.TargetLatitude, &t.TargetLongitude, &t.Delivery, &t.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("scan proximity trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}
