package uploader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
	"github.com/langchou/geotrackd/internal/repository/memstore"
	"github.com/langchou/geotrackd/internal/syncapi"
)

func TestRetryBackoff(t *testing.T) {
	initial := time.Second
	maxBackoff := 5 * time.Minute

	assert.Equal(t, time.Second, RetryBackoff(initial, maxBackoff, 1))
	assert.Equal(t, 2*time.Second, RetryBackoff(initial, maxBackoff, 2))
	assert.Equal(t, 4*time.Second, RetryBackoff(initial, maxBackoff, 3))
	assert.Equal(t, 8*time.Second, RetryBackoff(initial, maxBackoff, 4))
	assert.Equal(t, maxBackoff, RetryBackoff(initial, maxBackoff, 12))
	assert.Equal(t, maxBackoff, RetryBackoff(initial, maxBackoff, 1000))
}

// scriptedSyncer 按脚本回应批量同步
type scriptedSyncer struct {
	mu      sync.Mutex
	calls   int
	err     error
	ackFunc func(item syncapi.BatchItem) syncapi.ItemAck
}

func (s *scriptedSyncer) SyncBatch(_ context.Context, items []syncapi.BatchItem) ([]syncapi.ItemAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	acks := make([]syncapi.ItemAck, 0, len(items))
	for _, item := range items {
		if s.ackFunc != nil {
			acks = append(acks, s.ackFunc(item))
			continue
		}
		acks = append(acks, syncapi.ItemAck{PayloadID: item.PayloadID, OK: true})
	}
	return acks, nil
}

func (s *scriptedSyncer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type uploaderFixture struct {
	svc    *Service
	queue  *memstore.QueueStore
	syncer *scriptedSyncer
	now    time.Time
}

func newUploaderFixture(t *testing.T) *uploaderFixture {
	t.Helper()
	mem := memstore.New()
	syncer := &scriptedSyncer{}
	f := &uploaderFixture{
		queue:  mem.Queue,
		syncer: syncer,
		now:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = New(zap.NewNop(), Config{
		DrainInterval:     time.Minute,
		BatchSize:         50,
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		Retention:         7 * 24 * time.Hour,
		RetentionInterval: time.Hour,
		RateLimit:         1000,
		Burst:             1000,
	}, mem.Queue, syncer)
	f.svc.SetNow(func() time.Time { return f.now })
	f.svc.SetJitter(func() float64 { return 0 })
	return f
}

func (f *uploaderFixture) stats(t *testing.T) repository.QueueStats {
	t.Helper()
	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func TestDrainDeliversAndInvokesHook(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()

	var delivered []*models.QueueItem
	f.svc.SetDeliveredHook(func(_ context.Context, item *models.QueueItem) {
		delivered = append(delivered, item)
	})

	event := &models.MovementEvent{ID: "evt-1", NewMode: models.ModeWalking, RecordedAt: f.now}
	require.NoError(t, f.svc.EnqueueEvent(ctx, event))
	require.NoError(t, f.svc.EnqueueSample(ctx, &models.LocationSample{ID: 7, Latitude: 1, Longitude: 2}))

	f.svc.DrainOnce(ctx)

	stats := f.stats(t)
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Zero(t, stats.Pending)
	require.Len(t, delivered, 2)
	assert.Equal(t, models.PayloadMovementEvent, delivered[0].PayloadType)
	assert.Equal(t, "evt-1", delivered[0].PayloadID)
}

func TestEnqueueEventIsIdempotent(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()

	event := &models.MovementEvent{ID: "evt-dup", NewMode: models.ModeRunning, RecordedAt: f.now}
	require.NoError(t, f.svc.EnqueueEvent(ctx, event))
	require.NoError(t, f.svc.EnqueueEvent(ctx, event))

	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.Pending, "same payload id must not enqueue twice")
}

func TestTransportFailureSchedulesRetryWithBackoff(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()
	f.syncer.err = errors.New("connection refused")

	trip := &models.Trip{ID: "trip-1", State: models.TripCompleted}
	require.NoError(t, f.svc.EnqueueTrip(ctx, trip))

	f.svc.DrainOnce(ctx)

	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.RetryPending)

	items, err := f.queue.DueBatch(ctx, f.now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	// 第一次重试的退避是 initial，jitter 注入为 0
	assert.Equal(t, f.now.Add(time.Second), items[0].NextAttemptAt)
	require.NotNil(t, items[0].ErrorMessage)
	assert.Contains(t, *items[0].ErrorMessage, "connection refused")

	// 退避未到期前再排水不会碰它
	f.svc.DrainOnce(ctx)
	assert.Equal(t, 1, f.syncer.callCount())
}

func TestRetryCeilingMarksFailedVisible(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()
	f.syncer.err = errors.New("server unreachable")

	require.NoError(t, f.svc.EnqueueTrip(ctx, &models.Trip{ID: "trip-2", State: models.TripCompleted}))

	// 每轮把时钟拨过退避，直到重试上限
	for i := 0; i < 3; i++ {
		f.svc.DrainOnce(ctx)
		f.now = f.now.Add(time.Hour)
	}

	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.Failed, "exhausted item must stay visible as failed")
	assert.Zero(t, stats.RetryPending)

	// failed 条目不再参与排水
	calls := f.syncer.callCount()
	f.svc.DrainOnce(ctx)
	assert.Equal(t, calls, f.syncer.callCount())
}

func TestRetryFailedResetsAndRedrains(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()
	f.syncer.err = errors.New("server unreachable")

	require.NoError(t, f.svc.EnqueueTrip(ctx, &models.Trip{ID: "trip-3", State: models.TripCompleted}))
	for i := 0; i < 3; i++ {
		f.svc.DrainOnce(ctx)
		f.now = f.now.Add(time.Hour)
	}
	require.Equal(t, int64(1), f.stats(t).Failed)

	// 网络恢复后手动重试
	f.syncer.mu.Lock()
	f.syncer.err = nil
	f.syncer.mu.Unlock()

	n, err := f.svc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.svc.DrainOnce(ctx)
	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Zero(t, stats.Failed)
}

func TestPerItemRejectionOnlyRetriesRejected(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()
	f.syncer.ackFunc = func(item syncapi.BatchItem) syncapi.ItemAck {
		if item.PayloadID == "evt-bad" {
			return syncapi.ItemAck{PayloadID: item.PayloadID, OK: false, Error: "validation failed"}
		}
		return syncapi.ItemAck{PayloadID: item.PayloadID, OK: true}
	}

	require.NoError(t, f.svc.EnqueueEvent(ctx, &models.MovementEvent{ID: "evt-good", RecordedAt: f.now}))
	require.NoError(t, f.svc.EnqueueEvent(ctx, &models.MovementEvent{ID: "evt-bad", RecordedAt: f.now}))

	f.svc.DrainOnce(ctx)

	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.RetryPending)
}

func TestMissingAckCountsAsFailure(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()
	// 同步端一条确认都不回
	f.syncer.ackFunc = func(item syncapi.BatchItem) syncapi.ItemAck {
		return syncapi.ItemAck{}
	}

	require.NoError(t, f.svc.EnqueueEvent(ctx, &models.MovementEvent{ID: "evt-x", RecordedAt: f.now}))
	f.svc.DrainOnce(ctx)

	stats := f.stats(t)
	assert.Zero(t, stats.Delivered)
	assert.Equal(t, int64(1), stats.RetryPending)
}

func TestRetentionSweepOnlyRemovesDelivered(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.EnqueueEvent(ctx, &models.MovementEvent{ID: "evt-old", RecordedAt: f.now}))
	f.svc.DrainOnce(ctx)
	require.Equal(t, int64(1), f.stats(t).Delivered)

	// 保留期外的 delivered 清除，pending 不受影响
	f.now = f.now.Add(8 * 24 * time.Hour)
	require.NoError(t, f.svc.EnqueueEvent(ctx, &models.MovementEvent{ID: "evt-new", RecordedAt: f.now}))

	n, err := f.queue.DeleteDeliveredBefore(ctx, f.now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats := f.stats(t)
	assert.Zero(t, stats.Delivered)
	assert.Equal(t, int64(1), stats.Pending)
}
