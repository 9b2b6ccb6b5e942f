package source

import (
	"context"
	"sync"
	"time"

	"github.com/langchou/geotrackd/internal/models"
)

// PushSource 由外部推送驱动的信号源。宿主集成通过 HTTP 接口把定位、
// 活动识别、车载信号与运动遥测推进来，采集循环与分类器从这里读取。
type PushSource struct {
	mu sync.Mutex

	fixWaiters []chan *models.LocationSample

	activity    ActivityReading
	hasActivity bool

	carAudioPaired bool
	carModeActive  bool

	motion    MotionReading
	hasMotion bool
}

// NewPushSource 创建推送信号源
func NewPushSource() *PushSource {
	return &PushSource{}
}

// GetCurrentFix 阻塞等待下一条推送的定位，直到 ctx 超时
func (p *PushSource) GetCurrentFix(ctx context.Context) (*models.LocationSample, error) {
	ch := make(chan *models.LocationSample, 1)
	p.mu.Lock()
	p.fixWaiters = append(p.fixWaiters, ch)
	p.mu.Unlock()

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		p.removeWaiter(ch)
		return nil, ErrNoFix
	}
}

func (p *PushSource) removeWaiter(ch chan *models.LocationSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.fixWaiters {
		if w == ch {
			p.fixWaiters = append(p.fixWaiters[:i], p.fixWaiters[i+1:]...)
			return
		}
	}
}

// PushFix 推送一条定位，唤醒所有等待者
func (p *PushSource) PushFix(fix *models.LocationSample) {
	p.mu.Lock()
	waiters := p.fixWaiters
	p.fixWaiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- fix
	}
}

// PushActivity 推送活动识别读数
func (p *PushSource) PushActivity(mode models.TransportationMode, confidence float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activity = ActivityReading{Mode: mode, Confidence: confidence, ObservedAt: time.Now()}
	p.hasActivity = true
}

// LatestActivity 最近一条活动识别读数
func (p *PushSource) LatestActivity() (ActivityReading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activity, p.hasActivity
}

// SetCarAudioPaired 设置车载蓝牙音频连接状态
func (p *PushSource) SetCarAudioPaired(paired bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.carAudioPaired = paired
}

// SetCarModeActive 设置车机投屏模式状态
func (p *PushSource) SetCarModeActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.carModeActive = active
}

// IsPairedWithCarAudio 车载蓝牙音频是否连接
func (p *PushSource) IsPairedWithCarAudio() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.carAudioPaired
}

// IsInCarModeActive 车机投屏模式是否激活
func (p *PushSource) IsInCarModeActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.carModeActive
}

// PushMotion 推送运动遥测快照
func (p *PushSource) PushMotion(snapshot models.TelemetrySnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.motion = MotionReading{Snapshot: snapshot, ObservedAt: time.Now()}
	p.hasMotion = true
}

// LatestMotion 最近一条运动遥测
func (p *PushSource) LatestMotion() (MotionReading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.motion, p.hasMotion
}
