package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/health"
)

// fakeCapture 可控的采集服务替身
type fakeCapture struct {
	mu       sync.Mutex
	running  bool
	backoff  time.Duration
	stops    int
	starts   int
	startErr error
}

func (f *fakeCapture) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeCapture) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeCapture) CurrentBackoff() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backoff
}

func newTestWatchdog(capture *fakeCapture) (*Watchdog, *health.Cell, *time.Time) {
	cell := health.NewCell()
	w := New(zap.NewNop(), Config{
		CheckInterval: 15 * time.Minute,
		StallMinimum:  30 * time.Minute,
		StallFactor:   3,
	}, cell, capture)
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	w.SetNow(func() time.Time { return now })
	return w, cell, &now
}

func TestStallThresholdFollowsLiveBackoff(t *testing.T) {
	capture := &fakeCapture{backoff: 5 * time.Minute}
	w, _, _ := newTestWatchdog(capture)

	// 3×5min 低于下限，用下限
	assert.Equal(t, 30*time.Minute, w.StallThreshold())

	// 退避放大后阈值跟着放大，合法的退避休眠不会被误判
	capture.backoff = 30 * time.Minute
	assert.Equal(t, 90*time.Minute, w.StallThreshold())
}

func TestCheckSkipsWhenNotRunning(t *testing.T) {
	capture := &fakeCapture{running: false}
	w, _, _ := newTestWatchdog(capture)

	w.Check(context.Background())
	assert.Zero(t, capture.stops)
	assert.Zero(t, w.Restarts())
}

func TestCheckIgnoresRecentUpdate(t *testing.T) {
	capture := &fakeCapture{running: true, backoff: 5 * time.Minute}
	w, cell, now := newTestWatchdog(capture)

	cell.Update(func(h *health.ServiceHealth) {
		h.IsRunning = true
		h.LastUpdate = now.Add(-10 * time.Minute)
	})

	w.Check(context.Background())
	assert.Zero(t, capture.stops)
	assert.Zero(t, w.Restarts())
}

func TestCheckIgnoresLegitimateBackoffSilence(t *testing.T) {
	// 采集循环退避到 30 分钟，静默 80 分钟在 3 倍阈值内
	capture := &fakeCapture{running: true, backoff: 30 * time.Minute}
	w, cell, now := newTestWatchdog(capture)

	cell.Update(func(h *health.ServiceHealth) {
		h.IsRunning = true
		h.LastUpdate = now.Add(-80 * time.Minute)
	})

	w.Check(context.Background())
	assert.Zero(t, capture.stops)
	assert.Zero(t, w.Restarts())
}

func TestCheckRestartsStalledService(t *testing.T) {
	capture := &fakeCapture{running: true, backoff: 5 * time.Minute}
	w, cell, now := newTestWatchdog(capture)

	cell.Update(func(h *health.ServiceHealth) {
		h.IsRunning = true
		h.LastUpdate = now.Add(-45 * time.Minute)
	})

	w.Check(context.Background())

	assert.Equal(t, 1, capture.stops)
	assert.Equal(t, 1, capture.starts)
	assert.Equal(t, 1, w.Restarts())
	assert.True(t, capture.IsRunning())
	assert.Equal(t, 1, cell.Get().WatchdogRestarts)
}

func TestCheckReportsRestartFailure(t *testing.T) {
	capture := &fakeCapture{running: true, backoff: 5 * time.Minute, startErr: context.DeadlineExceeded}
	w, cell, now := newTestWatchdog(capture)

	cell.Update(func(h *health.ServiceHealth) {
		h.IsRunning = true
		h.LastUpdate = now.Add(-2 * time.Hour)
	})

	w.Check(context.Background())

	h := cell.Get()
	assert.Equal(t, health.StatusError, h.Status)
	assert.NotEmpty(t, h.ErrorMessage)
	assert.Equal(t, 1, h.WatchdogRestarts)
}
