package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/geotrackd/internal/models"
)

// TripRepository 行程仓库
type TripRepository struct {
	db *DB
}

// NewTripRepository 创建行程仓库
func NewTripRepository(db *DB) *TripRepository {
	return &TripRepository{db: db}
}

// Create 写入新行程
func (r *TripRepository) Create(ctx context.Context, trip *models.Trip) error {
	query := `
		INSERT INTO trips (id, device_id, state, start_time, end_time, start_latitude, start_longitude, end_latitude, end_longitude, total_distance_meters, location_count, dominant_mode, mode_breakdown, start_trigger, end_trigger, synced, synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
	`
	_, err := r.db.Pool.Exec(ctx, query,
		trip.ID,
		trip.DeviceID,
		trip.State,
		trip.StartTime,
		trip.EndTime,
		trip.StartLatitude,
		trip.StartLongitude,
		trip.EndLatitude,
		trip.EndLongitude,
		trip.TotalDistanceMeters,
		trip.LocationCount,
		trip.DominantMode,
		trip.ModeBreakdown,
		trip.StartTrigger,
		trip.EndTrigger,
		trip.Synced,
		trip.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	return nil
}

// Update 更新行程
func (r *TripRepository) Update(ctx context.Context, trip *models.Trip) error {
	query := `
		UPDATE trips SET
			state = $1, end_time = $2,
			start_latitude = $3, start_longitude = $4, end_latitude = $5, end_longitude = $6,
			total_distance_meters = $7, location_count = $8,
			dominant_mode = $9, mode_breakdown = $10, end_trigger = $11,
			synced = $12, synced_at = $13, updated_at = NOW()
		WHERE id = $14
	`
	_, err := r.db.Pool.Exec(ctx, query,
		trip.State,
		trip.EndTime,
		trip.StartLatitude,
		trip.StartLongitude,
		trip.EndLatitude,
		trip.EndLongitude,
		trip.TotalDistanceMeters,
		trip.LocationCount,
		trip.DominantMode,
		trip.ModeBreakdown,
		trip.EndTrigger,
		trip.Synced,
		trip.SyncedAt,
		trip.ID,
	)
	if err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	return nil
}

const tripColumns = `id, device_id, state, start_time, end_time, start_latitude, start_longitude, end_latitude, end_longitude, total_distance_meters, location_count, dominant_mode, mode_breakdown, start_trigger, end_trigger, deleted_at, synced, synced_at, created_at, updated_at`

func scanTrip(row pgx.Row) (*models.Trip, error) {
	t := &models.Trip{}
	err := row.Scan(
		&t.ID,
		&t.DeviceID,
		&t.State,
		&t.StartTime,
		&t.EndTime,
		&t.StartLatitude,
		&t.StartLongitude,
		&t.EndLatitude,
		&t.EndLongitude,
		&t.TotalDistanceMeters,
		&t.LocationCount,
		&t.DominantMode,
		&t.ModeBreakdown,
		&t.StartTrigger,
		&t.EndTrigger,
		&t.DeletedAt,
		&t.Synced,
		&t.SyncedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetByID 按 ID 获取行程
func (r *TripRepository) GetByID(ctx context.Context, id string) (*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`
	t, err := scanTrip(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trip: %w", err)
	}
	return t, nil
}

// GetActive 获取设备当前 ACTIVE 行程，没有则返回 (nil, nil)
func (r *TripRepository) GetActive(ctx context.Context, deviceID string) (*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE device_id = $1 AND state = $2 AND deleted_at IS NULL LIMIT 1`
	t, err := scanTrip(r.db.Pool.QueryRow(ctx, query, deviceID, models.TripActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active trip: %w", err)
	}
	return t, nil
}

// List 最近的行程
func (r *TripRepository) List(ctx context.Context, limit int, includeDeleted bool) ([]*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE ($1 OR deleted_at IS NULL) ORDER BY start_time DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, includeDeleted, limit)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	var trips []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, nil
}

// SoftDelete 软删除行程
func (r *TripRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE trips SET deleted_at = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("soft delete trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Restore 撤销软删除
func (r *TripRepository) Restore(ctx context.Context, id string) error {
	query := `UPDATE trips SET deleted_at = NULL, updated_at = NOW() WHERE id = $1 AND deleted_at IS NOT NULL`
	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("restore trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeDeletedBefore 清除软删除早于 cutoff 的行程
func (r *TripRepository) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM trips WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deleted trips: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSynced 标记行程已同步
func (r *TripRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE trips SET synced = true, synced_at = $1, updated_at = NOW() WHERE id = $2`
	if _, err := r.db.Pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark trip synced: %w", err)
	}
	return nil
}
