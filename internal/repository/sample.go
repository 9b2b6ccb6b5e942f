package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/geotrackd/internal/models"
)

// SampleRepository 位置采样仓库
type SampleRepository struct {
	db *DB
}

// NewSampleRepository 创建位置采样仓库
func NewSampleRepository(db *DB) *SampleRepository {
	return &SampleRepository{db: db}
}

// Create 写入一条采样记录
func (r *SampleRepository) Create(ctx context.Context, sample *models.LocationSample) error {
	query := `
		INSERT INTO location_samples (device_id, latitude, longitude, accuracy_m, altitude_m, bearing_deg, speed_mps, battery_level, battery_charging, network_type, mode, mode_confidence, trip_id, recorded_at, synced, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		sample.DeviceID,
		sample.Latitude,
		sample.Longitude,
		sample.AccuracyM,
		sample.AltitudeM,
		sample.BearingDeg,
		sample.SpeedMPS,
		sample.BatteryLevel,
		sample.BatteryCharging,
		sample.NetworkType,
		sample.Mode,
		sample.ModeConfidence,
		sample.TripID,
		sample.RecordedAt,
		sample.Synced,
		sample.SyncedAt,
	).Scan(&sample.ID)

	if err != nil {
		return fmt.Errorf("insert location sample: %w", err)
	}
	return nil
}

const sampleColumns = `id, device_id, latitude, longitude, accuracy_m, altitude_m, bearing_deg, speed_mps, battery_level, battery_charging, network_type, mode, mode_confidence, trip_id, recorded_at, synced, synced_at`

func scanSample(row pgx.Row) (*models.LocationSample, error) {
	s := &models.LocationSample{}
	err := row.Scan(
		&s.ID,
		&s.DeviceID,
		&s.Latitude,
		&s.Longitude,
		&s.AccuracyM,
		&s.AltitudeM,
		&s.BearingDeg,
		&s.SpeedMPS,
		&s.BatteryLevel,
		&s.BatteryCharging,
		&s.NetworkType,
		&s.Mode,
		&s.ModeConfidence,
		&s.TripID,
		&s.RecordedAt,
		&s.Synced,
		&s.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetLatest 获取设备最新采样
func (r *SampleRepository) GetLatest(ctx context.Context, deviceID string) (*models.LocationSample, error) {
	query := `SELECT ` + sampleColumns + ` FROM location_samples WHERE device_id = $1 ORDER BY recorded_at DESC LIMIT 1`
	s, err := scanSample(r.db.Pool.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest sample: %w", err)
	}
	return s, nil
}

// ListByTripID 获取行程的所有采样
func (r *SampleRepository) ListByTripID(ctx context.Context, tripID string) ([]*models.LocationSample, error) {
	query := `SELECT ` + sampleColumns + ` FROM location_samples WHERE trip_id = $1 ORDER BY recorded_at`
	rows, err := r.db.Pool.Query(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("list samples by trip: %w", err)
	}
	defer rows.Close()

	var samples []*models.LocationSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// MarkSynced 标记采样已同步
func (r *SampleRepository) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE location_samples SET synced = true, synced_at = $1 WHERE id = $2`
	if _, err := r.db.Pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark sample synced: %w", err)
	}
	return nil
}

// Count 采样总数
func (r *SampleRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM location_samples`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return count, nil
}
