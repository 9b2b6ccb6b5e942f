package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/geotrackd/internal/models"
)

// EventRepository 模式切换事件仓库
type EventRepository struct {
	db *DB
}

// NewEventRepository 创建事件仓库
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create 写入一条事件（只追加）
func (r *EventRepository) Create(ctx context.Context, event *models.MovementEvent) error {
	query := `
		INSERT INTO movement_events (id, trip_id, previous_mode, new_mode, source, contributing_sources, confidence, detection_latency_ms, latitude, longitude, telemetry, recorded_at, synced, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		event.ID,
		event.TripID,
		event.PreviousMode,
		event.NewMode,
		event.Source,
		event.ContributingSources,
		event.Confidence,
		event.DetectionLatencyMs,
		event.Latitude,
		event.Longitude,
		event.Telemetry,
		event.RecordedAt,
		event.Synced,
		event.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("insert movement event: %w", err)
	}
	return nil
}

const eventColumns = `id, trip_id, previous_mode, new_mode, source, contributing_sources, confidence, detection_latency_ms, latitude, longitude, telemetry, recorded_at, deleted_at, synced, synced_at`

func scanEvent(row pgx.Row) (*models.MovementEvent, error) {
	e := &models.MovementEvent{}
	err := row.Scan(
		&e.ID,
		&e.TripID,
		&e.PreviousMode,
		&e.NewMode,
		&e.Source,
		&e.ContributingSources,
		&e.Confidence,
		&e.DetectionLatencyMs,
		&e.Latitude,
		&e.Longitude,
		&e.Telemetry,
		&e.RecordedAt,
		&e.DeletedAt,
		&e.Synced,
		&e.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List 最近的事件（不含已软删除的）
func (r *EventRepository) List(ctx context.Context, limit int) ([]*models.MovementEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM movement_events WHERE deleted_at IS NULL ORDER BY recorded_at DESC LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list movement events: %w", err)
	}
	defer rows.Close()

	var events []*models.MovementEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan movement event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// ListByTripID 获取行程的所有事件
func (r *EventRepository) ListByTripID(ctx context.Context, tripID string) ([]*models.MovementEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM movement_events WHERE trip_id = $1 AND deleted_at IS NULL ORDER BY recorded_at`
	rows, err := r.db.Pool.Query(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("list events by trip: %w", err)
	}
	defer rows.Close()

	var events []*models.MovementEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan movement event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// SoftDeleteByTripID 软删除行程下的全部事件
func (r *EventRepository) SoftDeleteByTripID(ctx context.Context, tripID string, at time.Time) error {
	query := `UPDATE movement_events SET deleted_at = $1 WHERE trip_id = $2 AND deleted_at IS NULL`
	if _, err := r.db.Pool.Exec(ctx, query, at, tripID); err != nil {
		return fmt.Errorf("soft delete events by trip: %w", err)
	}
	return nil
}

// RestoreByTripID 撤销行程事件的软删除
func (r *EventRepository) RestoreByTripID(ctx context.Context, tripID string) error {
	query := `UPDATE movement_events SET deleted_at = NULL WHERE trip_id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, tripID); err != nil {
		return fmt.Errorf("restore events by trip: %w", err)
	}
	return nil
}

// PurgeDeletedBefore 清除软删除早于 cutoff 的事件
func (r *EventRepository) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM movement_events WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deleted events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSynced 标记事件已同步
func (r *EventRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE movement_events SET synced = true, synced_at = $1 WHERE id = $2`
	if _, err := r.db.Pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark event synced: %w", err)
	}
	return nil
}
