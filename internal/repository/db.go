package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateLocationSamples,
		migrationCreateMovementEvents,
		migrationCreateTrips,
		migrationCreateUploadQueue,
		migrationCreateProximityAlerts,
		migrationCreateGeofences,
		migrationCreateGeofenceEvents,
		migrationCreateProximityTriggers,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateLocationSamples = `
CREATE TABLE IF NOT EXISTS location_samples (
    id BIGSERIAL PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    accuracy_m DOUBLE PRECISION NOT NULL DEFAULT 0,
    altitude_m DOUBLE PRECISION,
    bearing_deg DOUBLE PRECISION,
    speed_mps DOUBLE PRECISION,
    battery_level INT,
    battery_charging BOOLEAN,
    network_type VARCHAR(20),
    mode VARCHAR(20),
    mode_confidence DOUBLE PRECISION,
    trip_id VARCHAR(36),
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    synced BOOLEAN NOT NULL DEFAULT false,
    synced_at TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_location_samples_device_id ON location_samples(device_id);
CREATE INDEX IF NOT EXISTS idx_location_samples_trip_id ON location_samples(trip_id);
CREATE INDEX IF NOT EXISTS idx_location_samples_recorded_at ON location_samples(recorded_at);
`

const migrationCreateMovementEvents = `
CREATE TABLE IF NOT EXISTS movement_events (
    id VARCHAR(36) PRIMARY KEY,
    trip_id VARCHAR(36),
    previous_mode VARCHAR(20) NOT NULL,
    new_mode VARCHAR(20) NOT NULL,
    source VARCHAR(30) NOT NULL,
    contributing_sources TEXT[] NOT NULL DEFAULT '{}',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    detection_latency_ms BIGINT NOT NULL DEFAULT 0,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    telemetry JSONB,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    deleted_at TIMESTAMP WITH TIME ZONE,
    synced BOOLEAN NOT NULL DEFAULT false,
    synced_at TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_movement_events_trip_id ON movement_events(trip_id);
CREATE INDEX IF NOT EXISTS idx_movement_events_recorded_at ON movement_events(recorded_at);
`

const migrationCreateTrips = `
CREATE TABLE IF NOT EXISTS trips (
    id VARCHAR(36) PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    state VARCHAR(20) NOT NULL,
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE,
    start_latitude DOUBLE PRECISION,
    start_longitude DOUBLE PRECISION,
    end_latitude DOUBLE PRECISION,
    end_longitude DOUBLE PRECISION,
    total_distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
    location_count INT NOT NULL DEFAULT 0,
    dominant_mode VARCHAR(20) NOT NULL DEFAULT 'UNKNOWN',
    mode_breakdown JSONB NOT NULL DEFAULT '{}',
    start_trigger VARCHAR(30) NOT NULL,
    end_trigger VARCHAR(30),
    deleted_at TIMESTAMP WITH TIME ZONE,
    synced BOOLEAN NOT NULL DEFAULT false,
    synced_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_trips_device_id ON trips(device_id);
CREATE INDEX IF NOT EXISTS idx_trips_state ON trips(state);
CREATE INDEX IF NOT EXISTS idx_trips_start_time ON trips(start_time);
`

const migrationCreateUploadQueue = `
CREATE TABLE IF NOT EXISTS upload_queue (
    id BIGSERIAL PRIMARY KEY,
    payload_type VARCHAR(20) NOT NULL,
    payload_id VARCHAR(36) NOT NULL UNIQUE,
    payload JSONB NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    retry_count INT NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL,
    last_attempt_at TIMESTAMP WITH TIME ZONE,
    error_message TEXT,
    enqueued_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_queue_status_next ON upload_queue(status, next_attempt_at);
`

const migrationCreateProximityAlerts = `
CREATE TABLE IF NOT EXISTS proximity_alerts (
    id BIGSERIAL PRIMARY KEY,
    device_id VARCHAR(64) NOT NULL,
    target_device_id VARCHAR(64) NOT NULL,
    trigger_distance_m DOUBLE PRECISION NOT NULL,
    cooldown_seconds INT NOT NULL DEFAULT 300,
    active BOOLEAN NOT NULL DEFAULT true,
    last_triggered_at TIMESTAMP WITH TIME ZONE,
    trigger_count INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_proximity_alerts_device_id ON proximity_alerts(device_id);
`

const migrationCreateGeofences = `
CREATE TABLE IF NOT EXISTS geofences (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    radius_m DOUBLE PRECISION NOT NULL DEFAULT 100,
    on_enter BOOLEAN NOT NULL DEFAULT true,
    on_exit BOOLEAN NOT NULL DEFAULT false,
    on_dwell BOOLEAN NOT NULL DEFAULT false,
    dwell_seconds INT NOT NULL DEFAULT 300,
    active BOOLEAN NOT NULL DEFAULT true,
    last_triggered_at TIMESTAMP WITH TIME ZONE,
    trigger_count INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`

const migrationCreateGeofenceEvents = `
CREATE TABLE IF NOT EXISTS geofence_events (
    id BIGSERIAL PRIMARY KEY,
    geofence_id BIGINT NOT NULL REFERENCES geofences(id),
    device_id VARCHAR(64) NOT NULL,
    event_type VARCHAR(10) NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    distance_m DOUBLE PRECISION NOT NULL,
    delivery VARCHAR(20) NOT NULL DEFAULT 'delivery_pending',
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_geofence_events_geofence_id ON geofence_events(geofence_id);
`

const migrationCreateProximityTriggers = `
CREATE TABLE IF NOT EXISTS proximity_triggers (
    id BIGSERIAL PRIMARY KEY,
    alert_id BIGINT NOT NULL REFERENCES proximity_alerts(id),
    device_id VARCHAR(64) NOT NULL,
    target_id VARCHAR(64) NOT NULL,
    distance_m DOUBLE PRECISION NOT NULL,
    device_latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
    device_longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
    target_latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
    target_longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
    delivery VARCHAR(20) NOT NULL DEFAULT 'delivery_pending',
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proximity_triggers_alert_id ON proximity_triggers(alert_id);
`
