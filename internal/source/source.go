package source

import (
	"context"
	"errors"
	"time"

	"github.com/langchou/geotrackd/internal/models"
)

// ErrNoFix 在超时窗口内没有等到定位
var ErrNoFix = errors.New("no location fix available")

// LocationSource 定位来源
type LocationSource interface {
	// GetCurrentFix 请求一次定位，受 ctx 限时，超时返回 ErrNoFix
	GetCurrentFix(ctx context.Context) (*models.LocationSample, error)
}

// ActivityReading 活动识别读数
type ActivityReading struct {
	Mode       models.TransportationMode `json:"mode"`
	Confidence float64                   `json:"confidence"`
	ObservedAt time.Time                 `json:"observed_at"`
}

// ActivitySource 活动识别来源
type ActivitySource interface {
	LatestActivity() (ActivityReading, bool)
}

// VehicleSignalSource 车载信号来源
type VehicleSignalSource interface {
	IsPairedWithCarAudio() bool
	IsInCarModeActive() bool
}

// MotionReading 运动传感器读数
type MotionReading struct {
	Snapshot   models.TelemetrySnapshot `json:"snapshot"`
	ObservedAt time.Time                `json:"observed_at"`
}

// MotionSource 运动传感器来源
type MotionSource interface {
	LatestMotion() (MotionReading, bool)
}

// SignalSource 聚合的原始信号读取面，状态接口用它展示最近的输入
type SignalSource interface {
	ActivitySource
	VehicleSignalSource
	MotionSource
}
