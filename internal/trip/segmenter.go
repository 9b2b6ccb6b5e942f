package trip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/classifier"
	"github.com/langchou/geotrackd/internal/geo"
	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
)

// ErrNoActiveTrip 当前没有进行中的行程
var ErrNoActiveTrip = errors.New("no active trip")

// ErrTripActive 已有进行中的行程
var ErrTripActive = errors.New("trip already active")

// Config 分段器参数
type Config struct {
	DeviceID      string
	VehicleGrace  time.Duration // 车辆模式静止宽限
	WalkingGrace  time.Duration // 步行等模式静止宽限
	MinDuration   time.Duration
	MinDistanceM  float64
	MaxDuration   time.Duration
	MaxDistanceM  float64
	MinMovements  int // 起程所需的连续运动信号数
	UndoWindow    time.Duration
	PurgeInterval time.Duration
}

// Segmenter 行程分段器。消费分类器的模式流与采集循环的位置流，
// 把连续运动划分成行程，静止超过宽限期后收尾。
type Segmenter struct {
	mu      sync.Mutex
	logger  *zap.Logger
	cfg     Config
	trips   repository.TripStore
	events  repository.EventStore
	machine *Machine
	now     func() time.Time

	current       *models.Trip
	lastSample    *models.LocationSample
	lastMode      models.TransportationMode
	movementCount int
	graceTimer    *time.Timer
	manual        bool // 手动开启的行程豁免最小阈值作废

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	subscribers []chan *models.Trip
}

// New 创建分段器
func New(logger *zap.Logger, cfg Config, trips repository.TripStore, events repository.EventStore) *Segmenter {
	s := &Segmenter{
		logger:   logger,
		cfg:      cfg,
		trips:    trips,
		events:   events,
		now:      time.Now,
		lastMode: models.ModeUnknown,
	}
	s.machine = NewMachine(StateIdle, func(from, to string) {
		logger.Debug("Trip machine transition", zap.String("from", from), zap.String("to", to))
	})
	return s
}

// SetNow 注入时钟（测试用）
func (s *Segmenter) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Start 启动分段器：恢复崩溃前的 ACTIVE 行程并运行清理循环
func (s *Segmenter) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	// 崩溃恢复：把存量 ACTIVE 行程接回状态机
	active, err := s.trips.GetActive(ctx, s.cfg.DeviceID)
	if err != nil {
		s.logger.Warn("Failed to load active trip on start", zap.Error(err))
	} else if active != nil {
		s.mu.Lock()
		s.current = active
		if s.machine.CanTransition(EventMovement) {
			_ = s.machine.Trigger(EventMovement)
		}
		s.mu.Unlock()
		s.logger.Info("Resumed active trip", zap.String("trip_id", active.ID))
	}

	s.wg.Add(1)
	go s.purgeLoop()
	return nil
}

// Stop 停止分段器，进行中的行程以 SHUTDOWN 原因收尾
func (s *Segmenter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.finalizeLocked(context.Background(), models.TriggerShutdown)
	}
}

// purgeLoop 定期永久清除超过撤销窗口的软删除行程
func (s *Segmenter) purgeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			cutoff := s.now().Add(-s.cfg.UndoWindow)
			if n, err := s.trips.PurgeDeletedBefore(ctx, cutoff); err != nil {
				s.logger.Error("Failed to purge deleted trips", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("Purged deleted trips", zap.Int64("count", n))
			}
			if _, err := s.events.PurgeDeletedBefore(ctx, cutoff); err != nil {
				s.logger.Error("Failed to purge deleted events", zap.Error(err))
			}
			cancel()
		}
	}
}

// ActiveTripID 当前行程 ID，没有则为 nil
func (s *Segmenter) ActiveTripID() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	id := s.current.ID
	return &id
}

// ActiveTrip 当前行程快照
func (s *Segmenter) ActiveTrip() *models.Trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// Subscribe 订阅行程收尾通知
func (s *Segmenter) Subscribe() chan *models.Trip {
	ch := make(chan *models.Trip, 8)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// OnStateChange 消费分类器的模式切换
func (s *Segmenter) OnStateChange(ctx context.Context, state classifier.TransportationState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMode = state.Mode

	if state.Mode.IsMovement() {
		s.movementCount++
		switch s.machine.Current() {
		case StateIdle:
			if s.movementCount >= s.cfg.MinMovements {
				s.startLocked(ctx, models.TriggerModeChange, false)
			}
		case StatePendingEnd:
			// 宽限期内恢复运动，取消收尾
			if err := s.machine.Trigger(EventResume); err == nil {
				s.cancelGraceLocked()
				s.logger.Info("Trip resumed within grace period",
					zap.String("trip_id", s.current.ID))
			}
		}
		return
	}

	// 静止或未知
	s.movementCount = 0
	if s.machine.Current() == StateActive {
		if err := s.machine.Trigger(EventStationary); err != nil {
			return
		}
		grace := s.cfg.WalkingGrace
		if s.current != nil && s.current.ModeBreakdown.Dominant() == models.ModeInVehicle {
			grace = s.cfg.VehicleGrace
		}
		s.armGraceLocked(grace)
		s.logger.Info("Trip pending end",
			zap.String("trip_id", s.current.ID),
			zap.Duration("grace", grace))
	}
}

// armGraceLocked 启动静止宽限计时，到期收尾
func (s *Segmenter) armGraceLocked(grace time.Duration) {
	s.cancelGraceLocked()
	s.graceTimer = time.AfterFunc(grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.machine.Current() != StatePendingEnd {
			return
		}
		s.finalizeLocked(context.Background(), models.TriggerStationaryTimeout)
	})
}

func (s *Segmenter) cancelGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// StartManual 手动开启行程
func (s *Segmenter) StartManual(ctx context.Context) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, ErrTripActive
	}
	s.startLocked(ctx, models.TriggerManual, true)
	if s.current == nil {
		return nil, errors.New("failed to start trip")
	}
	cp := *s.current
	return &cp, nil
}

// EndManual 手动结束行程
func (s *Segmenter) EndManual(ctx context.Context) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoActiveTrip
	}
	ended := s.finalizeLocked(ctx, models.TriggerManual)
	if ended == nil {
		return nil, ErrNoActiveTrip
	}
	return ended, nil
}

// startLocked 开启新行程。已有进行中的行程时为幂等空操作。
func (s *Segmenter) startLocked(ctx context.Context, trigger models.TripTrigger, manual bool) {
	if s.current != nil {
		return
	}
	if s.machine.Current() == StateIdle {
		if err := s.machine.Trigger(EventMovement); err != nil {
			return
		}
	}

	now := s.now()
	trip := &models.Trip{
		ID:            uuid.New().String(),
		DeviceID:      s.cfg.DeviceID,
		State:         models.TripActive,
		StartTime:     now,
		DominantMode:  models.ModeUnknown,
		ModeBreakdown: models.ModeBreakdown{},
		StartTrigger:  trigger,
	}
	if s.lastSample != nil {
		lat, lon := s.lastSample.Latitude, s.lastSample.Longitude
		trip.StartLatitude = &lat
		trip.StartLongitude = &lon
	}

	if err := s.trips.Create(ctx, trip); err != nil {
		s.logger.Error("Failed to persist trip start", zap.Error(err))
		_ = s.machine.Trigger(EventForceEnd)
		return
	}

	s.current = trip
	s.manual = manual
	s.logger.Info("Trip started",
		zap.String("trip_id", trip.ID),
		zap.String("trigger", string(trigger)))
}

// AddSample 按采集顺序吸收一条位置采样
func (s *Segmenter) AddSample(ctx context.Context, sample *models.LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastSample
	s.lastSample = sample

	if s.current == nil {
		return
	}

	id := s.current.ID
	sample.TripID = &id
	s.current.LocationCount++

	if prev != nil {
		// 距离：逐段 haversine 累加
		s.current.TotalDistanceMeters += geo.HaversineMeters(
			prev.Latitude, prev.Longitude,
			sample.Latitude, sample.Longitude,
		)

		// 时长归属：两次采样之间的时间记入前一采样的模式
		elapsed := sample.RecordedAt.Sub(prev.RecordedAt).Seconds()
		if elapsed > 0 {
			mode := prev.Mode
			if mode == "" {
				mode = models.ModeUnknown
			}
			s.current.ModeBreakdown[mode] += elapsed
		}
	}

	if s.current.StartLatitude == nil {
		lat, lon := sample.Latitude, sample.Longitude
		s.current.StartLatitude = &lat
		s.current.StartLongitude = &lon
	}

	// 单次行程保护上限
	if s.cfg.MaxDuration > 0 && s.now().Sub(s.current.StartTime) >= s.cfg.MaxDuration {
		s.finalizeLocked(ctx, models.TriggerMaxDuration)
		return
	}
	if s.cfg.MaxDistanceM > 0 && s.current.TotalDistanceMeters >= s.cfg.MaxDistanceM {
		s.finalizeLocked(ctx, models.TriggerMaxDistance)
		return
	}

	if err := s.trips.Update(ctx, s.current); err != nil {
		s.logger.Error("Failed to persist trip progress", zap.Error(err))
	}
}

// finalizeLocked 收尾当前行程：达标 COMPLETED，不达标 CANCELLED（手动行程豁免）
func (s *Segmenter) finalizeLocked(ctx context.Context, trigger models.TripTrigger) *models.Trip {
	if s.current == nil {
		return nil
	}

	s.cancelGraceLocked()
	if s.machine.Current() != StateIdle {
		if err := s.machine.Trigger(EventFinalize); err != nil {
			_ = s.machine.Trigger(EventForceEnd)
		}
	}

	now := s.now()
	trip := s.current
	trip.EndTime = &now
	trip.EndTrigger = &trigger
	if s.lastSample != nil {
		lat, lon := s.lastSample.Latitude, s.lastSample.Longitude
		trip.EndLatitude = &lat
		trip.EndLongitude = &lon
	}
	trip.DominantMode = trip.ModeBreakdown.Dominant()

	duration := now.Sub(trip.StartTime)
	tooShort := duration < s.cfg.MinDuration || trip.TotalDistanceMeters < s.cfg.MinDistanceM
	if tooShort && !s.manual {
		trip.State = models.TripCancelled
	} else {
		trip.State = models.TripCompleted
	}

	if err := s.trips.Update(ctx, trip); err != nil {
		s.logger.Error("Failed to persist trip end", zap.Error(err))
	}

	s.logger.Info("Trip ended",
		zap.String("trip_id", trip.ID),
		zap.String("state", string(trip.State)),
		zap.String("trigger", string(trigger)),
		zap.Float64("distance_m", trip.TotalDistanceMeters),
		zap.Duration("duration", duration),
		zap.String("dominant_mode", string(trip.DominantMode)))

	ended := trip
	s.current = nil
	s.manual = false
	s.movementCount = 0

	for _, ch := range s.subscribers {
		cp := *ended
		select {
		case ch <- &cp:
		default:
		}
	}
	return ended
}

// DeleteTrip 软删除行程及其事件，撤销窗口内可恢复
func (s *Segmenter) DeleteTrip(ctx context.Context, id string) error {
	now := s.now()
	if err := s.trips.SoftDelete(ctx, id, now); err != nil {
		return err
	}
	if err := s.events.SoftDeleteByTripID(ctx, id, now); err != nil {
		return err
	}
	s.logger.Info("Trip soft-deleted", zap.String("trip_id", id))
	return nil
}

// UndoDelete 在撤销窗口内恢复软删除的行程及其事件
func (s *Segmenter) UndoDelete(ctx context.Context, id string) error {
	if err := s.trips.Restore(ctx, id); err != nil {
		return err
	}
	if err := s.events.RestoreByTripID(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Trip delete undone", zap.String("trip_id", id))
	return nil
}
