package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/geotrackd/internal/models"
)

// QueueRepository 上传队列仓库
type QueueRepository struct {
	db *DB
}

// NewQueueRepository 创建队列仓库
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue 入队（同步落库，返回即持久化完成）
func (r *QueueRepository) Enqueue(ctx context.Context, item *models.QueueItem) error {
	query := `
		INSERT INTO upload_queue (payload_type, payload_id, payload, status, retry_count, next_attempt_at, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payload_id) DO NOTHING
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		item.PayloadType,
		item.PayloadID,
		item.Payload,
		item.Status,
		item.RetryCount,
		item.NextAttemptAt,
		item.EnqueuedAt,
	).Scan(&item.ID)
	if err != nil {
		// 重复入队同一 payload_id 时不返回行，视为成功
		if err == pgx.ErrNoRows {
			return nil
		}
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

const queueColumns = `id, payload_type, payload_id, payload, status, retry_count, next_attempt_at, last_attempt_at, error_message, enqueued_at`

func scanQueueItem(row pgx.Row) (*models.QueueItem, error) {
	item := &models.QueueItem{}
	err := row.Scan(
		&item.ID,
		&item.PayloadType,
		&item.PayloadID,
		&item.Payload,
		&item.Status,
		&item.RetryCount,
		&item.NextAttemptAt,
		&item.LastAttemptAt,
		&item.ErrorMessage,
		&item.EnqueuedAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DueBatch 取出到期待投递的条目，按入队先后排序
func (r *QueueRepository) DueBatch(ctx context.Context, now time.Time, limit int) ([]*models.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM upload_queue
		WHERE status IN ('pending', 'retry_pending') AND next_attempt_at <= $1
		ORDER BY enqueued_at
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due batch: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// MarkUploading 标记条目投递中
func (r *QueueRepository) MarkUploading(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE upload_queue SET status = 'uploading', last_attempt_at = $1 WHERE id = $2`
	if _, err := r.db.Pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark uploading: %w", err)
	}
	return nil
}

// MarkDelivered 标记条目已投递
func (r *QueueRepository) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE upload_queue SET status = 'delivered', last_attempt_at = $1, error_message = NULL WHERE id = $2`
	if _, err := r.db.Pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRetry 标记条目待重试
func (r *QueueRepository) MarkRetry(ctx context.Context, id int64, retryCount int, nextAttempt time.Time, errMsg string) error {
	query := `UPDATE upload_queue SET status = 'retry_pending', retry_count = $1, next_attempt_at = $2, error_message = $3 WHERE id = $4`
	if _, err := r.db.Pool.Exec(ctx, query, retryCount, nextAttempt, errMsg, id); err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

// MarkFailed 标记条目永久失败（保留可见，不删除）
func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, errMsg string, at time.Time) error {
	query := `UPDATE upload_queue SET status = 'failed', last_attempt_at = $1, error_message = $2 WHERE id = $3`
	if _, err := r.db.Pool.Exec(ctx, query, at, errMsg, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetFailed 把失败条目重置为待投递
func (r *QueueRepository) ResetFailed(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE upload_queue SET status = 'pending', retry_count = 0, next_attempt_at = $1, error_message = NULL WHERE status = 'failed'`
	tag, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteDeliveredBefore 清除入队时间早于 cutoff 的已投递条目
func (r *QueueRepository) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM upload_queue WHERE status = 'delivered' AND enqueued_at < $1`
	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete delivered items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats 各状态条目数
func (r *QueueRepository) Stats(ctx context.Context) (QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM upload_queue GROUP BY status`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status models.QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case models.QueuePending:
			stats.Pending = count
		case models.QueueUploading:
			stats.Uploading = count
		case models.QueueRetryPending:
			stats.RetryPending = count
		case models.QueueFailed:
			stats.Failed = count
		case models.QueueDelivered:
			stats.Delivered = count
		}
	}
	return stats, nil
}
