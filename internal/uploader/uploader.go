package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
	"github.com/langchou/geotrackd/internal/syncapi"
)

// RetryBackoff 重试退避：min(maxBackoff, initial × 2^(retries-1))
func RetryBackoff(initial, maxBackoff time.Duration, retries int) time.Duration {
	if retries <= 1 {
		return initial
	}
	shift := retries - 1
	if shift > 20 {
		shift = 20
	}
	delay := initial << uint(shift)
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

// Syncer 批量同步端
type Syncer interface {
	SyncBatch(ctx context.Context, items []syncapi.BatchItem) ([]syncapi.ItemAck, error)
}

// Config 上传队列参数
type Config struct {
	DrainInterval     time.Duration
	BatchSize         int
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Retention         time.Duration // delivered 条目的保留期
	RetentionInterval time.Duration
	RateLimit         float64
	Burst             int
}

// Service 持久化上传队列的排水器。至少一次投递：
// 条目先同步落库，投递失败指数退避加抖动重试，
// 达到重试上限后置为 failed 并保留可见，绝不静默丢弃。
type Service struct {
	mu     sync.Mutex
	logger *zap.Logger
	cfg    Config
	queue  repository.QueueStore
	syncer Syncer

	limiter *rate.Limiter
	now     func() time.Time
	jitter  func() float64 // [0,1)

	onDelivered func(ctx context.Context, item *models.QueueItem)

	running bool
	stopCh  chan struct{}
	drainCh chan struct{}
	wg      sync.WaitGroup
}

// New 创建上传队列服务
func New(logger *zap.Logger, cfg Config, queue repository.QueueStore, syncer Syncer) *Service {
	return &Service{
		logger:  logger,
		cfg:     cfg,
		queue:   queue,
		syncer:  syncer,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		now:     time.Now,
		jitter:  rand.Float64,
		drainCh: make(chan struct{}, 1),
	}
}

// SetNow 注入时钟（测试用）
func (s *Service) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetJitter 注入抖动源（测试用）
func (s *Service) SetJitter(jitter func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jitter = jitter
}

// SetDeliveredHook 投递成功后的回调，用于回写来源记录的同步标记
func (s *Service) SetDeliveredHook(fn func(ctx context.Context, item *models.QueueItem)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelivered = fn
}

// EnqueueSample 位置采样入队。采样本身没有 uuid，
// 入队时铸造一个作为投递身份，重试沿用同一个 id。
func (s *Service) EnqueueSample(ctx context.Context, sample *models.LocationSample) error {
	return s.enqueue(ctx, models.PayloadLocation, uuid.New().String(), sample)
}

// EnqueueEvent 模式切换事件入队
func (s *Service) EnqueueEvent(ctx context.Context, event *models.MovementEvent) error {
	return s.enqueue(ctx, models.PayloadMovementEvent, event.ID, event)
}

// EnqueueTrip 行程入队
func (s *Service) EnqueueTrip(ctx context.Context, trip *models.Trip) error {
	return s.enqueue(ctx, models.PayloadTrip, trip.ID, trip)
}

func (s *Service) enqueue(ctx context.Context, payloadType models.PayloadType, payloadID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()

	item := &models.QueueItem{
		PayloadType:   payloadType,
		PayloadID:     payloadID,
		Payload:       data,
		Status:        models.QueuePending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue %s: %w", payloadType, err)
	}
	return nil
}

// Start 启动排水循环与保留期清理循环
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop()
	go s.retentionLoop()

	s.logger.Info("Upload queue service started",
		zap.Duration("drain_interval", s.cfg.DrainInterval),
		zap.Int("batch_size", s.cfg.BatchSize))
	return nil
}

// Stop 停止排水器
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
	s.logger.Info("Upload queue service stopped")
}

// TriggerDrain 立即触发一轮排水（网络恢复时由外部调用）
func (s *Service) TriggerDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

// RetryFailed 把永久失败的条目重置为待投递并触发排水
func (s *Service) RetryFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()

	n, err := s.queue.ResetFailed(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.TriggerDrain()
	}
	return n, nil
}

// Stats 队列统计
func (s *Service) Stats(ctx context.Context) (repository.QueueStats, error) {
	return s.queue.Stats(ctx)
}

func (s *Service) drainLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.drainCh:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		s.DrainOnce(ctx)
		cancel()
	}
}

// DrainOnce 执行一轮排水：取到期批次，批量投递，按逐条确认结账
func (s *Service) DrainOnce(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()

	items, err := s.queue.DueBatch(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Failed to load due batch", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	// 投递限速，积压不会压垮同步端
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	batch := make([]syncapi.BatchItem, 0, len(items))
	for _, item := range items {
		if err := s.queue.MarkUploading(ctx, item.ID, now); err != nil {
			s.logger.Error("Failed to mark item uploading", zap.Error(err))
		}
		batch = append(batch, syncapi.BatchItem{
			PayloadID:   item.PayloadID,
			PayloadType: item.PayloadType,
			Payload:     json.RawMessage(item.Payload),
		})
	}

	acks, err := s.syncer.SyncBatch(ctx, batch)
	if err != nil {
		// 整批传输失败，所有条目进入重试
		s.logger.Warn("Sync batch failed", zap.Error(err), zap.Int("items", len(items)))
		for _, item := range items {
			s.handleFailure(ctx, item, err.Error())
		}
		return
	}

	ackByID := make(map[string]syncapi.ItemAck, len(acks))
	for _, ack := range acks {
		ackByID[ack.PayloadID] = ack
	}

	var delivered, retried int
	for _, item := range items {
		ack, ok := ackByID[item.PayloadID]
		switch {
		case ok && ack.OK:
			if err := s.queue.MarkDelivered(ctx, item.ID, s.nowLocked()); err != nil {
				s.logger.Error("Failed to mark item delivered", zap.Error(err))
				continue
			}
			delivered++
			s.mu.Lock()
			hook := s.onDelivered
			s.mu.Unlock()
			if hook != nil {
				hook(ctx, item)
			}
		case ok:
			s.handleFailure(ctx, item, ack.Error)
			retried++
		default:
			s.handleFailure(ctx, item, "no ack from sync endpoint")
			retried++
		}
	}

	s.logger.Info("Queue drained",
		zap.Int("delivered", delivered),
		zap.Int("rejected", retried))
}

func (s *Service) nowLocked() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// handleFailure 失败结账：指数退避加抖动重试，到上限置为 failed
func (s *Service) handleFailure(ctx context.Context, item *models.QueueItem, errMsg string) {
	retries := item.RetryCount + 1
	now := s.nowLocked()

	if retries >= s.cfg.MaxRetries {
		if err := s.queue.MarkFailed(ctx, item.ID, errMsg, now); err != nil {
			s.logger.Error("Failed to mark item failed", zap.Error(err))
			return
		}
		s.logger.Warn("Queue item permanently failed",
			zap.String("payload_id", item.PayloadID),
			zap.Int("retries", retries))
		return
	}

	delay := RetryBackoff(s.cfg.InitialBackoff, s.cfg.MaxBackoff, retries)
	s.mu.Lock()
	jitter := time.Duration(s.jitter() * float64(delay) * 0.25)
	s.mu.Unlock()

	next := now.Add(delay + jitter)
	if err := s.queue.MarkRetry(ctx, item.ID, retries, next, errMsg); err != nil {
		s.logger.Error("Failed to mark item for retry", zap.Error(err))
	}
}

func (s *Service) retentionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			// 只清理安全时间线以前的已投递条目，不会碰到在途写入
			cutoff := s.nowLocked().Add(-s.cfg.Retention)
			if n, err := s.queue.DeleteDeliveredBefore(ctx, cutoff); err != nil {
				s.logger.Error("Failed to sweep delivered items", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("Swept delivered queue items", zap.Int64("count", n))
			}
			cancel()
		}
	}
}
