package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/geotrackd/internal/models"
)

// GeofenceRepository 围栏仓库
type GeofenceRepository struct {
	db *DB
}

// NewGeofenceRepository 创建围栏仓库
func NewGeofenceRepository(db *DB) *GeofenceRepository {
	return &GeofenceRepository{db: db}
}

// Create 创建围栏
func (r *GeofenceRepository) Create(ctx context.Context, fence *models.Geofence) error {
	query := `
		INSERT INTO geofences (name, latitude, longitude, radius_m, on_enter, on_exit, on_dwell, dwell_seconds, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		fence.Name,
		fence.Latitude,
		fence.Longitude,
		fence.RadiusM,
		fence.OnEnter,
		fence.OnExit,
		fence.OnDwell,
		fence.DwellSeconds,
		fence.Active,
	).Scan(&fence.ID, &fence.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert geofence: %w", err)
	}
	return nil
}

const geofenceColumns = `id, name, latitude, longitude, radius_m, on_enter, on_exit, on_dwell, dwell_seconds, active, last_triggered_at, trigger_count, created_at`

func scanGeofence(row pgx.Row) (*models.Geofence, error) {
	g := &models.Geofence{}
	err := row.Scan(
		&g.ID,
		&g.Name,
		&g.Latitude,
		&g.Longitude,
		&g.RadiusM,
		&g.OnEnter,
		&g.OnExit,
		&g.OnDwell,
		&g.DwellSeconds,
		&g.Active,
		&g.LastTriggeredAt,
		&g.TriggerCount,
		&g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetByID 按 ID 获取围栏
func (r *GeofenceRepository) GetByID(ctx context.Context, id int64) (*models.Geofence, error) {
	query := `SELECT ` + geofenceColumns + ` FROM geofences WHERE id = $1`
	g, err := scanGeofence(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get geofence: %w", err)
	}
	return g, nil
}

// List 全部围栏
func (r *GeofenceRepository) List(ctx context.Context) ([]*models.Geofence, error) {
	return r.list(ctx, `SELECT `+geofenceColumns+` FROM geofences ORDER BY id`)
}

// ListActive 启用中的围栏
func (r *GeofenceRepository) ListActive(ctx context.Context) ([]*models.Geofence, error) {
	return r.list(ctx, `SELECT `+geofenceColumns+` FROM geofences WHERE active = true ORDER BY id`)
}

func (r *GeofenceRepository) list(ctx context.Context, query string) ([]*models.Geofence, error) {
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	defer rows.Close()

	var fences []*models.Geofence
	for rows.Next() {
		g, err := scanGeofence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan geofence: %w", err)
		}
		fences = append(fences, g)
	}
	return fences, nil
}

// SetActive 启用/停用围栏
func (r *GeofenceRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE geofences SET active = $1 WHERE id = $2`
	tag, err := r.db.Pool.Exec(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("set geofence active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTrigger 记录一次触发
func (r *GeofenceRepository) RecordTrigger(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE geofences SET last_triggered_at = $1, trigger_count = trigger_count + 1 WHERE id = $2`
	if _, err := r.db.Pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("record geofence trigger: %w", err)
	}
	return nil
}
