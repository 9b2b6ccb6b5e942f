package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// TransportationMode 出行方式
type TransportationMode string

const (
	ModeStationary TransportationMode = "STATIONARY"
	ModeWalking    TransportationMode = "WALKING"
	ModeRunning    TransportationMode = "RUNNING"
	ModeCycling    TransportationMode = "CYCLING"
	ModeInVehicle  TransportationMode = "IN_VEHICLE"
	ModeUnknown    TransportationMode = "UNKNOWN"
)

// IsMovement 是否属于运动模式（可以开启行程）
func (m TransportationMode) IsMovement() bool {
	switch m {
	case ModeWalking, ModeRunning, ModeCycling, ModeInVehicle:
		return true
	}
	return false
}

// DetectionSource 模式判定的信号来源
type DetectionSource string

const (
	SourceNone                DetectionSource = "NONE"
	SourceActivityRecognition DetectionSource = "ACTIVITY_RECOGNITION"
	SourceBluetoothCar        DetectionSource = "BLUETOOTH_CAR"
	SourceCarMode             DetectionSource = "ANDROID_AUTO"
	SourceMotionSensor        DetectionSource = "MOTION_SENSOR"
	SourceMultiple            DetectionSource = "MULTIPLE"
)

// LocationSample 位置采样记录
type LocationSample struct {
	ID              int64              `json:"id" db:"id"`
	DeviceID        string             `json:"device_id" db:"device_id"`
	Latitude        float64            `json:"latitude" db:"latitude"`
	Longitude       float64            `json:"longitude" db:"longitude"`
	AccuracyM       float64            `json:"accuracy_m" db:"accuracy_m"`
	AltitudeM       *float64           `json:"altitude_m,omitempty" db:"altitude_m"`
	BearingDeg      *float64           `json:"bearing_deg,omitempty" db:"bearing_deg"`
	SpeedMPS        *float64           `json:"speed_mps,omitempty" db:"speed_mps"`
	BatteryLevel    *int               `json:"battery_level,omitempty" db:"battery_level"`
	BatteryCharging *bool              `json:"battery_charging,omitempty" db:"battery_charging"`
	NetworkType     *string            `json:"network_type,omitempty" db:"network_type"`
	Mode            TransportationMode `json:"mode,omitempty" db:"mode"`
	ModeConfidence  *float64           `json:"mode_confidence,omitempty" db:"mode_confidence"`
	TripID          *string            `json:"trip_id,omitempty" db:"trip_id"`
	RecordedAt      time.Time          `json:"recorded_at" db:"recorded_at"`
	Synced          bool               `json:"synced" db:"synced"`
	SyncedAt        *time.Time         `json:"synced_at,omitempty" db:"synced_at"`
}

// TelemetrySnapshot 运动传感器遥测快照
type TelemetrySnapshot struct {
	AccelMagnitude    *float64 `json:"accel_magnitude,omitempty"`
	AccelVariance     *float64 `json:"accel_variance,omitempty"`
	StepCadence       *float64 `json:"step_cadence,omitempty"` // 步/秒
	StepCount         *int64   `json:"step_count,omitempty"`
	SignificantMotion *bool    `json:"significant_motion,omitempty"`
}

// Value 实现 driver.Valuer，存为 JSONB
func (t TelemetrySnapshot) Value() (driver.Value, error) {
	return json.Marshal(t)
}

// Scan 实现 sql.Scanner
func (t *TelemetrySnapshot) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, t)
}

// MovementEvent 模式切换事件（只追加）
type MovementEvent struct {
	ID                  string             `json:"id" db:"id"` // uuid
	TripID              *string            `json:"trip_id,omitempty" db:"trip_id"`
	PreviousMode        TransportationMode `json:"previous_mode" db:"previous_mode"`
	NewMode             TransportationMode `json:"new_mode" db:"new_mode"`
	Source              DetectionSource    `json:"source" db:"source"`
	ContributingSources []string           `json:"contributing_sources" db:"contributing_sources"`
	Confidence          float64            `json:"confidence" db:"confidence"`
	DetectionLatencyMs  int64              `json:"detection_latency_ms" db:"detection_latency_ms"`
	Latitude            *float64           `json:"latitude,omitempty" db:"latitude"`
	Longitude           *float64           `json:"longitude,omitempty" db:"longitude"`
	Telemetry           *TelemetrySnapshot `json:"telemetry,omitempty" db:"telemetry"`
	RecordedAt          time.Time          `json:"recorded_at" db:"recorded_at"`
	DeletedAt           *time.Time         `json:"deleted_at,omitempty" db:"deleted_at"`
	Synced              bool               `json:"synced" db:"synced"`
	SyncedAt            *time.Time         `json:"synced_at,omitempty" db:"synced_at"`
}

// 行程状态
type TripState string

const (
	TripActive    TripState = "ACTIVE"
	TripCompleted TripState = "COMPLETED"
	TripCancelled TripState = "CANCELLED"
)

// 行程起止触发原因
type TripTrigger string

const (
	TriggerModeChange        TripTrigger = "MODE_CHANGE"
	TriggerManual            TripTrigger = "MANUAL"
	TriggerStationaryTimeout TripTrigger = "STATIONARY_TIMEOUT"
	TriggerMaxDuration       TripTrigger = "MAX_DURATION"
	TriggerMaxDistance       TripTrigger = "MAX_DISTANCE"
	TriggerShutdown          TripTrigger = "SHUTDOWN"
)

// ModeBreakdown 各模式累计时长（秒）
type ModeBreakdown map[TransportationMode]float64

// Value 实现 driver.Valuer，存为 JSONB
func (b ModeBreakdown) Value() (driver.Value, error) {
	if b == nil {
		return json.Marshal(ModeBreakdown{})
	}
	return json.Marshal(b)
}

// Scan 实现 sql.Scanner
func (b *ModeBreakdown) Scan(value interface{}) error {
	if value == nil {
		*b = ModeBreakdown{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, b)
}

// Dominant 返回累计时长最大的模式
func (b ModeBreakdown) Dominant() TransportationMode {
	dominant := ModeUnknown
	var best float64
	for mode, seconds := range b {
		if seconds > best {
			best = seconds
			dominant = mode
		}
	}
	return dominant
}

// Trip 行程记录
type Trip struct {
	ID                  string             `json:"id" db:"id"` // uuid
	DeviceID            string             `json:"device_id" db:"device_id"`
	State               TripState          `json:"state" db:"state"`
	StartTime           time.Time          `json:"start_time" db:"start_time"`
	EndTime             *time.Time         `json:"end_time,omitempty" db:"end_time"`
	StartLatitude       *float64           `json:"start_latitude,omitempty" db:"start_latitude"`
	StartLongitude      *float64           `json:"start_longitude,omitempty" db:"start_longitude"`
	EndLatitude         *float64           `json:"end_latitude,omitempty" db:"end_latitude"`
	EndLongitude        *float64           `json:"end_longitude,omitempty" db:"end_longitude"`
	TotalDistanceMeters float64            `json:"total_distance_meters" db:"total_distance_meters"`
	LocationCount       int                `json:"location_count" db:"location_count"`
	DominantMode        TransportationMode `json:"dominant_mode" db:"dominant_mode"`
	ModeBreakdown       ModeBreakdown      `json:"mode_breakdown" db:"mode_breakdown"`
	StartTrigger        TripTrigger        `json:"start_trigger" db:"start_trigger"`
	EndTrigger          *TripTrigger       `json:"end_trigger,omitempty" db:"end_trigger"`
	DeletedAt           *time.Time         `json:"deleted_at,omitempty" db:"deleted_at"`
	Synced              bool               `json:"synced" db:"synced"`
	SyncedAt            *time.Time         `json:"synced_at,omitempty" db:"synced_at"`
	CreatedAt           time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at" db:"updated_at"`
}

// 队列载荷类型
type PayloadType string

const (
	PayloadLocation      PayloadType = "location"
	PayloadMovementEvent PayloadType = "movement_event"
	PayloadTrip          PayloadType = "trip"
)

// 队列条目状态
type QueueStatus string

const (
	QueuePending      QueueStatus = "pending"
	QueueUploading    QueueStatus = "uploading"
	QueueRetryPending QueueStatus = "retry_pending"
	QueueFailed       QueueStatus = "failed"
	QueueDelivered    QueueStatus = "delivered"
)

// QueueItem 上传队列条目
type QueueItem struct {
	ID            int64       `json:"id" db:"id"`
	PayloadType   PayloadType `json:"payload_type" db:"payload_type"`
	PayloadID     string      `json:"payload_id" db:"payload_id"` // 生产者铸造的 uuid，重投幂等的依据
	Payload       []byte      `json:"payload" db:"payload"`       // 序列化后的载荷
	Status        QueueStatus `json:"status" db:"status"`
	RetryCount    int         `json:"retry_count" db:"retry_count"`
	NextAttemptAt time.Time   `json:"next_attempt_at" db:"next_attempt_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	ErrorMessage  *string     `json:"error_message,omitempty" db:"error_message"`
	EnqueuedAt    time.Time   `json:"enqueued_at" db:"enqueued_at"`
}

// ProximityAlert 设备间邻近告警规则
type ProximityAlert struct {
	ID               int64      `json:"id" db:"id"`
	DeviceID         string     `json:"device_id" db:"device_id"`
	TargetDeviceID   string     `json:"target_device_id" db:"target_device_id"`
	TriggerDistanceM float64    `json:"trigger_distance_m" db:"trigger_distance_m"`
	CooldownSeconds  int        `json:"cooldown_seconds" db:"cooldown_seconds"`
	Active           bool       `json:"active" db:"active"`
	LastTriggeredAt  *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	TriggerCount     int        `json:"trigger_count" db:"trigger_count"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Geofence 地理围栏
type Geofence struct {
	ID              int64      `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Latitude        float64    `json:"latitude" db:"latitude"`
	Longitude       float64    `json:"longitude" db:"longitude"`
	RadiusM         float64    `json:"radius_m" db:"radius_m"`
	OnEnter         bool       `json:"on_enter" db:"on_enter"`
	OnExit          bool       `json:"on_exit" db:"on_exit"`
	OnDwell         bool       `json:"on_dwell" db:"on_dwell"`
	DwellSeconds    int        `json:"dwell_seconds" db:"dwell_seconds"`
	Active          bool       `json:"active" db:"active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	TriggerCount    int        `json:"trigger_count" db:"trigger_count"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// 围栏事件类型
type GeofenceEventType string

const (
	GeofenceEnter GeofenceEventType = "ENTER"
	GeofenceExit  GeofenceEventType = "EXIT"
	GeofenceDwell GeofenceEventType = "DWELL"
)

// 触发记录投递状态
type TriggerDelivery string

const (
	DeliveryPending TriggerDelivery = "delivery_pending"
	DeliverySent    TriggerDelivery = "sent"
)

// GeofenceEvent 围栏触发记录
type GeofenceEvent struct {
	ID         int64             `json:"id" db:"id"`
	GeofenceID int64             `json:"geofence_id" db:"geofence_id"`
	DeviceID   string            `json:"device_id" db:"device_id"`
	EventType  GeofenceEventType `json:"event_type" db:"event_type"`
	Latitude   float64           `json:"latitude" db:"latitude"`
	Longitude  float64           `json:"longitude" db:"longitude"`
	DistanceM  float64           `json:"distance_m" db:"distance_m"`
	Delivery   TriggerDelivery   `json:"delivery" db:"delivery"`
	OccurredAt time.Time         `json:"occurred_at" db:"occurred_at"`
}

// ProximityTrigger 邻近触发记录，留存触发瞬间双方的坐标
type ProximityTrigger struct {
	ID              int64           `json:"id" db:"id"`
	AlertID         int64           `json:"alert_id" db:"alert_id"`
	DeviceID        string          `json:"device_id" db:"device_id"`
	TargetID        string          `json:"target_id" db:"target_id"`
	DistanceM       float64         `json:"distance_m" db:"distance_m"`
	DeviceLatitude  float64         `json:"device_latitude" db:"device_latitude"`
	DeviceLongitude float64         `json:"device_longitude" db:"device_longitude"`
	TargetLatitude  float64         `json:"target_latitude" db:"target_latitude"`
	TargetLongitude float64         `json:"target_longitude" db:"target_longitude"`
	Delivery        TriggerDelivery `json:"delivery" db:"delivery"`
	OccurredAt      time.Time       `json:"occurred_at" db:"occurred_at"`
}
