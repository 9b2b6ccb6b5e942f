package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/geotrackd/internal/models"
)

// AlertRepository 邻近告警规则仓库
type AlertRepository struct {
	db *DB
}

// NewAlertRepository 创建告警规则仓库
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create 创建告警规则
func (r *AlertRepository) Create(ctx context.Context, alert *models.ProximityAlert) error {
	query := `
		INSERT INTO proximity_alerts (device_id, target_device_id, trigger_distance_m, cooldown_seconds, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		alert.DeviceID,
		alert.TargetDeviceID,
		alert.TriggerDistanceM,
		alert.CooldownSeconds,
		alert.Active,
	).Scan(&alert.ID, &alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert proximity alert: %w", err)
	}
	return nil
}

const alertColumns = `id, device_id, target_device_id, trigger_distance_m, cooldown_seconds, active, last_triggered_at, trigger_count, created_at`

func scanAlert(row pgx.Row) (*models.ProximityAlert, error) {
	a := &models.ProximityAlert{}
	err := row.Scan(
		&a.ID,
		&a.DeviceID,
		&a.TargetDeviceID,
		&a.TriggerDistanceM,
		&a.CooldownSeconds,
		&a.Active,
		&a.LastTriggeredAt,
		&a.TriggerCount,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID 按 ID 获取告警规则
func (r *AlertRepository) GetByID(ctx context.Context, id int64) (*models.ProximityAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM proximity_alerts WHERE id = $1`
	a, err := scanAlert(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proximity alert: %w", err)
	}
	return a, nil
}

// List 全部告警规则
func (r *AlertRepository) List(ctx context.Context) ([]*models.ProximityAlert, error) {
	return r.list(ctx, `SELECT `+alertColumns+` FROM proximity_alerts ORDER BY id`)
}

// ListActive 启用中的告警规则
func (r *AlertRepository) ListActive(ctx context.Context) ([]*models.ProximityAlert, error) {
	return r.list(ctx, `SELECT `+alertColumns+` FROM proximity_alerts WHERE active = true ORDER BY id`)
}

func (r *AlertRepository) list(ctx context.Context, query string) ([]*models.ProximityAlert, error) {
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list proximity alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.ProximityAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proximity alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// SetActive 启用/停用告警规则
func (r *AlertRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE proximity_alerts SET active = $1 WHERE id = $2`
	tag, err := r.db.Pool.Exec(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("set alert active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTrigger 记录一次触发
func (r *AlertRepository) RecordTrigger(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE proximity_alerts SET last_triggered_at = $1, trigger_count = trigger_count + 1 WHERE id = $2`
	if _, err := r.db.Pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("record alert trigger: %w", err)
	}
	return nil
}
