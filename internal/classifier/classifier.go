package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
)

// 各来源的判定置信度，车载信号强于活动识别
const (
	confidenceMultiple    = 0.95
	confidenceCarMode     = 0.90
	confidenceBluetooth   = 0.85
	confidenceMotionMode  = 0.70
	confidenceMotionStill = 0.60
)

// 运动传感器启发式阈值
const (
	runningCadence    = 2.5  // 步/秒
	walkingCadence    = 0.5  // 步/秒
	stillAccelVarMax  = 0.05 // 近零加速度方差视为静止
)

// TransportationState 当前出行方式判定（仅保留最新值）
type TransportationState struct {
	Mode        models.TransportationMode `json:"mode"`
	Confidence  float64                   `json:"confidence"`
	Source      models.DetectionSource    `json:"source"`
	IsInVehicle bool                      `json:"is_in_vehicle"`
	DecidedAt   time.Time                 `json:"decided_at"`
}

// Config 分类器参数
type Config struct {
	ActivityStaleness     time.Duration
	VehicleStaleness      time.Duration
	MotionStaleness       time.Duration
	MinActivityConfidence float64
	MinPublishConfidence  float64
}

// Classifier 出行方式分类器。所有信号以推送方式进入，
// 每次输入都重新仲裁，车载信号优先于活动识别，活动识别优先于运动启发式。
type Classifier struct {
	mu     sync.Mutex
	logger *zap.Logger
	cfg    Config
	events repository.EventStore
	now    func() time.Time

	// 当前已发布状态
	current TransportationState

	// 原始信号及其时间戳
	activity       models.TransportationMode
	activityConf   float64
	activityAt     time.Time
	carAudioPaired bool
	carAudioAt     time.Time
	carModeActive  bool
	carModeAt      time.Time
	telemetry      *models.TelemetrySnapshot
	telemetryAt    time.Time

	// 事件快照用的上下文
	lastLat, lastLon *float64
	tripID           func() *string

	eventSink   func(ctx context.Context, event *models.MovementEvent)
	subscribers []chan TransportationState
}

// New 创建分类器
func New(logger *zap.Logger, cfg Config, events repository.EventStore) *Classifier {
	return &Classifier{
		logger: logger,
		cfg:    cfg,
		events: events,
		now:    time.Now,
		current: TransportationState{
			Mode:   models.ModeUnknown,
			Source: models.SourceNone,
		},
	}
}

// SetNow 注入时钟（测试用）
func (c *Classifier) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetTripIDProvider 设置当前行程 ID 提供者，用于事件归属
func (c *Classifier) SetTripIDProvider(fn func() *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tripID = fn
}

// SetEventSink 事件持久化后的回调，用于接入上传队列
func (c *Classifier) SetEventSink(fn func(ctx context.Context, event *models.MovementEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventSink = fn
}

// Current 当前判定
func (c *Classifier) Current() TransportationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe 订阅状态变更
func (c *Classifier) Subscribe() chan TransportationState {
	ch := make(chan TransportationState, 16)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe 取消订阅
func (c *Classifier) Unsubscribe(ch chan TransportationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// NoteLocation 记录最近定位，作为事件的位置快照
func (c *Classifier) NoteLocation(lat, lon float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLat = &lat
	c.lastLon = &lon
}

// UpdateActivity 推送活动识别结果
func (c *Classifier) UpdateActivity(ctx context.Context, mode models.TransportationMode, confidence float64) {
	c.mu.Lock()
	c.activity = mode
	c.activityConf = confidence
	c.activityAt = c.now()
	c.mu.Unlock()
	c.reclassify(ctx)
}

// SetCarAudioPaired 推送车载蓝牙音频连接状态
func (c *Classifier) SetCarAudioPaired(ctx context.Context, paired bool) {
	c.mu.Lock()
	c.carAudioPaired = paired
	c.carAudioAt = c.now()
	c.mu.Unlock()
	c.reclassify(ctx)
}

// SetCarMode 推送车机投屏模式状态
func (c *Classifier) SetCarMode(ctx context.Context, active bool) {
	c.mu.Lock()
	c.carModeActive = active
	c.carModeAt = c.now()
	c.mu.Unlock()
	c.reclassify(ctx)
}

// UpdateTelemetry 推送运动传感器遥测
func (c *Classifier) UpdateTelemetry(ctx context.Context, snapshot models.TelemetrySnapshot) {
	c.mu.Lock()
	c.telemetry = &snapshot
	c.telemetryAt = c.now()
	c.mu.Unlock()
	c.reclassify(ctx)
}

// resolved 一次仲裁结果
type resolved struct {
	mode       models.TransportationMode
	confidence float64
	source     models.DetectionSource
	sources    []string
	earliestAt time.Time
}

// resolve 仲裁：车载信号 > 活动识别 > 运动启发式
func (c *Classifier) resolve(now time.Time) resolved {
	// 1. 新鲜的车载信号直接判定 IN_VEHICLE
	bluetooth := c.carAudioPaired && now.Sub(c.carAudioAt) <= c.cfg.VehicleStaleness
	carMode := c.carModeActive && now.Sub(c.carModeAt) <= c.cfg.VehicleStaleness
	if bluetooth || carMode {
		r := resolved{mode: models.ModeInVehicle}
		switch {
		case bluetooth && carMode:
			r.source = models.SourceMultiple
			r.confidence = confidenceMultiple
			r.sources = []string{string(models.SourceBluetoothCar), string(models.SourceCarMode)}
			r.earliestAt = c.carAudioAt
			if c.carModeAt.Before(r.earliestAt) {
				r.earliestAt = c.carModeAt
			}
		case carMode:
			r.source = models.SourceCarMode
			r.confidence = confidenceCarMode
			r.sources = []string{string(models.SourceCarMode)}
			r.earliestAt = c.carModeAt
		default:
			r.source = models.SourceBluetoothCar
			r.confidence = confidenceBluetooth
			r.sources = []string{string(models.SourceBluetoothCar)}
			r.earliestAt = c.carAudioAt
		}
		return r
	}

	// 2. 新鲜且足够可信的活动识别结果原样采纳
	if c.activity != "" && now.Sub(c.activityAt) <= c.cfg.ActivityStaleness &&
		c.activityConf >= c.cfg.MinActivityConfidence {
		return resolved{
			mode:       c.activity,
			confidence: c.activityConf,
			source:     models.SourceActivityRecognition,
			sources:    []string{string(models.SourceActivityRecognition)},
			earliestAt: c.activityAt,
		}
	}

	// 3. 运动传感器启发式
	if c.telemetry != nil && now.Sub(c.telemetryAt) <= c.cfg.MotionStaleness {
		t := c.telemetry
		if t.StepCadence != nil {
			if *t.StepCadence >= runningCadence {
				return resolved{
					mode:       models.ModeRunning,
					confidence: confidenceMotionMode,
					source:     models.SourceMotionSensor,
					sources:    []string{string(models.SourceMotionSensor)},
					earliestAt: c.telemetryAt,
				}
			}
			if *t.StepCadence >= walkingCadence {
				return resolved{
					mode:       models.ModeWalking,
					confidence: confidenceMotionMode,
					source:     models.SourceMotionSensor,
					sources:    []string{string(models.SourceMotionSensor)},
					earliestAt: c.telemetryAt,
				}
			}
		}
		if t.AccelVariance != nil && *t.AccelVariance < stillAccelVarMax {
			return resolved{
				mode:       models.ModeStationary,
				confidence: confidenceMotionStill,
				source:     models.SourceMotionSensor,
				sources:    []string{string(models.SourceMotionSensor)},
				earliestAt: c.telemetryAt,
			}
		}
	}

	// 所有信号都过期，退回 UNKNOWN
	return resolved{mode: models.ModeUnknown, source: models.SourceNone, earliestAt: now}
}

// reclassify 重新仲裁，必要时发布模式切换事件
func (c *Classifier) reclassify(ctx context.Context) {
	c.mu.Lock()
	now := c.now()
	r := c.resolve(now)

	if r.mode == c.current.Mode {
		// 模式未变，刷新置信度与来源，不记事件。
		// 订阅者仍要收到这次确认：行程分段靠连续的运动信号计数起程
		c.current.Confidence = r.confidence
		c.current.Source = r.source
		c.current.DecidedAt = now
		state := c.current
		subs := make([]chan TransportationState, len(c.subscribers))
		copy(subs, c.subscribers)
		c.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- state:
			default:
			}
		}
		return
	}

	// 迟滞：低置信度的切换不发布，避免来回抖动
	if r.mode != models.ModeUnknown && r.confidence < c.cfg.MinPublishConfidence {
		c.mu.Unlock()
		return
	}

	previous := c.current.Mode
	state := TransportationState{
		Mode:        r.mode,
		Confidence:  r.confidence,
		Source:      r.source,
		IsInVehicle: r.mode == models.ModeInVehicle,
		DecidedAt:   now,
	}
	c.current = state

	event := &models.MovementEvent{
		ID:                  uuid.New().String(),
		PreviousMode:        previous,
		NewMode:             r.mode,
		Source:              r.source,
		ContributingSources: r.sources,
		Confidence:          r.confidence,
		DetectionLatencyMs:  now.Sub(r.earliestAt).Milliseconds(),
		Latitude:            c.lastLat,
		Longitude:           c.lastLon,
		Telemetry:           c.telemetry,
		RecordedAt:          now,
	}
	if c.tripID != nil {
		event.TripID = c.tripID()
	}
	subs := make([]chan TransportationState, len(c.subscribers))
	copy(subs, c.subscribers)
	sink := c.eventSink
	c.mu.Unlock()

	if err := c.events.Create(ctx, event); err != nil {
		c.logger.Error("Failed to persist movement event", zap.Error(err))
	} else if sink != nil {
		sink(ctx, event)
	}

	c.logger.Info("Transportation mode changed",
		zap.String("from", string(previous)),
		zap.String("to", string(r.mode)),
		zap.String("source", string(r.source)),
		zap.Float64("confidence", r.confidence),
		zap.Int64("latency_ms", event.DetectionLatencyMs),
	)

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
			// 跳过处理不及时的订阅者
		}
	}
}
