package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/classifier"
	"github.com/langchou/geotrackd/internal/config"
	"github.com/langchou/geotrackd/internal/health"
	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
	"github.com/langchou/geotrackd/internal/source"
	"github.com/langchou/geotrackd/internal/trip"
)

// BackoffDelay 失败退避：min(maxBackoff, interval × 2^failures)。
// 纯函数，看门狗用它推算合法的静默上限。
func BackoffDelay(interval, maxBackoff time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	shift := failures
	if shift > 20 {
		shift = 20
	}
	delay := interval << uint(shift)
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

// Enqueuer 采样入队接口
type Enqueuer interface {
	EnqueueSample(ctx context.Context, sample *models.LocationSample) error
}

// Observer 邻近评估接口
type Observer interface {
	Observe(ctx context.Context, deviceID string, sample *models.LocationSample)
}

// Service 采集循环。按自适应间隔请求定位，
// 失败按指数退避放缓，永不因失败退出，只有 Stop 能结束循环。
type Service struct {
	mu     sync.Mutex
	logger *zap.Logger
	cfg    *config.Config

	source   source.LocationSource
	samples  repository.SampleStore
	health   *health.Cell
	cls      *classifier.Classifier
	seg      *trip.Segmenter
	enqueuer Enqueuer
	observer Observer

	interval time.Duration
	failures int

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	locationCount int64
}

// New 创建采集服务
func New(
	logger *zap.Logger,
	cfg *config.Config,
	locSource source.LocationSource,
	samples repository.SampleStore,
	healthCell *health.Cell,
	cls *classifier.Classifier,
	seg *trip.Segmenter,
	enqueuer Enqueuer,
	observer Observer,
) *Service {
	return &Service{
		logger:   logger,
		cfg:      cfg,
		source:   locSource,
		samples:  samples,
		health:   healthCell,
		cls:      cls,
		seg:      seg,
		enqueuer: enqueuer,
		observer: observer,
		interval: cfg.CaptureInterval,
	}
}

// Start 启动采集循环
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.failures = 0
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if count, err := s.samples.Count(ctx); err == nil {
		s.mu.Lock()
		s.locationCount = count
		s.mu.Unlock()
	}

	s.health.Update(func(h *health.ServiceHealth) {
		h.IsRunning = true
		h.Status = health.StatusGPSAcquiring
		h.LastUpdate = time.Now()
		h.ConsecutiveFailures = 0
		h.CurrentIntervalMinutes = s.Interval().Minutes()
		h.ErrorMessage = ""
	})

	s.wg.Add(1)
	go s.captureLoop()

	s.logger.Info("Capture service started", zap.Duration("interval", s.Interval()))
	return nil
}

// Stop 停止采集循环，立即打断休眠与等待中的定位
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()

	s.health.Update(func(h *health.ServiceHealth) {
		h.IsRunning = false
		h.Status = health.StatusStopped
		h.LastUpdate = time.Now()
	})
	s.logger.Info("Capture service stopped")
}

// IsRunning 是否在运行
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval 当前基础采集间隔
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Failures 当前连续失败次数
func (s *Service) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// CurrentBackoff 当前生效的循环间隔（含退避）
func (s *Service) CurrentBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BackoffDelay(s.interval, s.cfg.MaxBackoff, s.failures)
}

// UpdateInterval 调整采集间隔，下个周期生效，不打断进行中的定位
func (s *Service) UpdateInterval(minutes float64) {
	interval := time.Duration(minutes * float64(time.Minute))
	if interval < s.cfg.MinCaptureInterval {
		interval = s.cfg.MinCaptureInterval
	}

	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	s.health.Update(func(h *health.ServiceHealth) {
		h.CurrentIntervalMinutes = interval.Minutes()
	})
	s.logger.Info("Capture interval updated", zap.Duration("interval", interval))
}

func (s *Service) captureLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.captureOnce()

		s.mu.Lock()
		delay := BackoffDelay(s.interval, s.cfg.MaxBackoff, s.failures)
		s.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// captureOnce 单次采集：先发布 GPS_ACQUIRING，再限时等待定位
func (s *Service) captureOnce() {
	s.health.Update(func(h *health.ServiceHealth) {
		h.Status = health.StatusGPSAcquiring
		h.LastUpdate = time.Now()
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FixTimeout)
	defer cancel()

	// Stop 时立刻放弃等待
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	fix, err := s.source.GetCurrentFix(ctx)
	if err != nil {
		s.onCaptureFailure(err)
		return
	}
	s.onCaptureSuccess(fix)
}

func (s *Service) onCaptureSuccess(fix *models.LocationSample) {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	if fix.DeviceID == "" {
		fix.DeviceID = s.cfg.DeviceID
	}
	if fix.RecordedAt.IsZero() {
		fix.RecordedAt = time.Now()
	}

	// 附上当前模式判定
	state := s.cls.Current()
	fix.Mode = state.Mode
	conf := state.Confidence
	fix.ModeConfidence = &conf

	s.cls.NoteLocation(fix.Latitude, fix.Longitude)

	// 行程吸收在持久化之前，保证样本落库时已带 trip_id
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.seg.AddSample(ctx, fix)

	if err := s.samples.Create(ctx, fix); err != nil {
		s.logger.Error("Failed to persist location sample", zap.Error(err))
	}

	if err := s.enqueuer.EnqueueSample(ctx, fix); err != nil {
		s.logger.Error("Failed to enqueue location sample", zap.Error(err))
	}

	if s.observer != nil {
		s.observer.Observe(ctx, fix.DeviceID, fix)
	}

	s.mu.Lock()
	s.locationCount++
	count := s.locationCount
	interval := s.interval
	s.mu.Unlock()

	s.health.Update(func(h *health.ServiceHealth) {
		h.Status = health.StatusHealthy
		h.LastUpdate = time.Now()
		h.LocationCount = count
		h.ConsecutiveFailures = 0
		h.CurrentIntervalMinutes = interval.Minutes()
		h.ErrorMessage = ""
	})

	s.logger.Debug("Location captured",
		zap.Float64("lat", fix.Latitude),
		zap.Float64("lon", fix.Longitude),
		zap.String("mode", string(fix.Mode)))
}

func (s *Service) onCaptureFailure(err error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	interval := s.interval
	s.mu.Unlock()

	delay := BackoffDelay(interval, s.cfg.MaxBackoff, failures)

	status := health.StatusNoGPSSignal
	message := ""
	if failures >= s.cfg.MaxFailures {
		status = health.StatusError
		message = "location unavailable, check that positioning is enabled"
	}

	s.health.Update(func(h *health.ServiceHealth) {
		h.Status = status
		h.LastUpdate = time.Now()
		h.ConsecutiveFailures = failures
		h.ErrorMessage = message
	})

	s.logger.Warn("Location capture failed",
		zap.Error(err),
		zap.Int("consecutive_failures", failures),
		zap.Duration("next_attempt_in", delay))
}
