package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/health"
)

// CaptureService 看门狗监管的采集服务
type CaptureService interface {
	IsRunning() bool
	Start(ctx context.Context) error
	Stop()
	// CurrentBackoff 采集循环当前生效的间隔（含退避）
	CurrentBackoff() time.Duration
}

// Config 看门狗参数
type Config struct {
	CheckInterval time.Duration
	StallMinimum  time.Duration // 卡死判定的下限
	StallFactor   float64       // 阈值 = max(StallMinimum, StallFactor × 当前退避)
}

// Watchdog 健康看门狗。静默阈值跟随采集服务的实时退避推算，
// 合法的退避休眠不会被误判成卡死。
type Watchdog struct {
	mu      sync.Mutex
	logger  *zap.Logger
	cfg     Config
	health  *health.Cell
	capture CaptureService
	now     func() time.Time

	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	restarts int
}

// New 创建看门狗
func New(logger *zap.Logger, cfg Config, healthCell *health.Cell, capture CaptureService) *Watchdog {
	return &Watchdog{
		logger:  logger,
		cfg:     cfg,
		health:  healthCell,
		capture: capture,
		now:     time.Now,
	}
}

// SetNow 注入时钟（测试用）
func (w *Watchdog) SetNow(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// StallThreshold 当前卡死判定阈值
func (w *Watchdog) StallThreshold() time.Duration {
	threshold := time.Duration(w.cfg.StallFactor * float64(w.capture.CurrentBackoff()))
	if threshold < w.cfg.StallMinimum {
		threshold = w.cfg.StallMinimum
	}
	return threshold
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watchLoop(ctx)

	w.logger.Info("Watchdog started", zap.Duration("check_interval", w.cfg.CheckInterval))
	return nil
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

// Restarts 累计强制重启次数
func (w *Watchdog) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

func (w *Watchdog) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check 单次巡检：采集服务声称在运行却超过阈值没有任何健康更新时强制重启
func (w *Watchdog) Check(ctx context.Context) {
	if !w.capture.IsRunning() {
		return
	}

	h := w.health.Get()
	w.mu.Lock()
	now := w.now()
	w.mu.Unlock()

	silence := now.Sub(h.LastUpdate)
	threshold := w.StallThreshold()
	if silence <= threshold {
		return
	}

	w.logger.Warn("Capture service stalled, forcing restart",
		zap.Duration("silence", silence),
		zap.Duration("threshold", threshold))

	w.capture.Stop()
	err := w.capture.Start(ctx)

	w.mu.Lock()
	w.restarts++
	restarts := w.restarts
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("Watchdog restart failed", zap.Error(err))
		w.health.Update(func(s *health.ServiceHealth) {
			s.Status = health.StatusError
			s.ErrorMessage = "tracking service failed to restart"
			s.LastUpdate = now
			s.WatchdogRestarts = restarts
		})
		return
	}

	w.health.Update(func(s *health.ServiceHealth) {
		s.WatchdogRestarts = restarts
	})
	w.logger.Info("Capture service restarted by watchdog", zap.Int("restarts", restarts))
}
