package proximity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository/memstore"
)

type proxFixture struct {
	eval *Evaluator
	mem  *memstore.Store
	now  time.Time
}

func newProxFixture(t *testing.T) *proxFixture {
	t.Helper()
	mem := memstore.New()
	f := &proxFixture{
		mem: mem,
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.eval = New(zap.NewNop(), Config{LocationStaleness: 10 * time.Minute}, mem.Alerts, mem.Geofences, mem.Triggers)
	f.eval.SetNow(func() time.Time { return f.now })
	return f
}

func fix(lat, lon float64) *models.LocationSample {
	return &models.LocationSample{Latitude: lat, Longitude: lon, AccuracyM: 10}
}

func TestProximityCooldownUnderFastUpdates(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()

	alert := &models.ProximityAlert{
		DeviceID:         "phone-a",
		TargetDeviceID:   "phone-b",
		TriggerDistanceM: 50,
		CooldownSeconds:  300,
		Active:           true,
	}
	require.NoError(t, f.mem.Alerts.Create(ctx, alert))

	// 两台设备相距约 20m，每 10 秒各上报一次，持续 10 分钟
	for i := 0; i < 60; i++ {
		f.eval.Observe(ctx, "phone-a", fix(31.230400, 121.473700))
		f.eval.Observe(ctx, "phone-b", fix(31.230580, 121.473700))
		f.now = f.now.Add(10 * time.Second)
	}

	// 冷却期 300s：t=0 和 t=300 各触发一次，再多的更新也只有这两次
	triggers, err := f.mem.Triggers.ListProximityTriggers(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, triggers, 2)
}

func TestProximityRequiresBothFixes(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mem.Alerts.Create(ctx, &models.ProximityAlert{
		DeviceID:         "phone-a",
		TargetDeviceID:   "phone-b",
		TriggerDistanceM: 100,
		CooldownSeconds:  60,
		Active:           true,
	}))

	// 只有一方的定位，无从计算距离
	f.eval.Observe(ctx, "phone-a", fix(31.23, 121.47))
	triggers, err := f.mem.Triggers.ListProximityTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, triggers)

	f.eval.Observe(ctx, "phone-b", fix(31.23, 121.47))
	triggers, err = f.mem.Triggers.ListProximityTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, triggers, 1)
}

func TestProximityTriggerRecordsBothCoordinates(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mem.Alerts.Create(ctx, &models.ProximityAlert{
		DeviceID:         "phone-a",
		TargetDeviceID:   "phone-b",
		TriggerDistanceM: 100,
		CooldownSeconds:  0,
		Active:           true,
	}))

	aFix := fix(31.230400, 121.473700)
	bFix := fix(31.230580, 121.473810)

	// 第一次由 phone-b 的上报触发，坐标要按告警里的身份归位
	f.eval.Observe(ctx, "phone-a", aFix)
	f.eval.Observe(ctx, "phone-b", bFix)

	triggers, err := f.mem.Triggers.ListProximityTriggers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	trg := triggers[0]
	assert.Equal(t, "phone-a", trg.DeviceID)
	assert.Equal(t, "phone-b", trg.TargetID)
	assert.InDelta(t, aFix.Latitude, trg.DeviceLatitude, 1e-9)
	assert.InDelta(t, aFix.Longitude, trg.DeviceLongitude, 1e-9)
	assert.InDelta(t, bFix.Latitude, trg.TargetLatitude, 1e-9)
	assert.InDelta(t, bFix.Longitude, trg.TargetLongitude, 1e-9)
	assert.False(t, trg.OccurredAt.IsZero())

	// 反方向：phone-a 的上报触发时同样归位
	f.now = f.now.Add(time.Minute)
	aFix2 := fix(31.230410, 121.473705)
	f.eval.Observe(ctx, "phone-a", aFix2)

	triggers, err = f.mem.Triggers.ListProximityTriggers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	trg = triggers[0]
	assert.InDelta(t, aFix2.Latitude, trg.DeviceLatitude, 1e-9)
	assert.InDelta(t, bFix.Latitude, trg.TargetLatitude, 1e-9)
}

func TestProximityOutsideDistanceDoesNotTrigger(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mem.Alerts.Create(ctx, &models.ProximityAlert{
		DeviceID:         "phone-a",
		TargetDeviceID:   "phone-b",
		TriggerDistanceM: 50,
		CooldownSeconds:  60,
		Active:           true,
	}))

	// 约 1.1km，远超 50m 阈值
	f.eval.Observe(ctx, "phone-a", fix(31.2304, 121.4737))
	f.eval.Observe(ctx, "phone-b", fix(31.2404, 121.4737))

	triggers, err := f.mem.Triggers.ListProximityTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestInactiveAlertIgnored(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()

	alert := &models.ProximityAlert{
		DeviceID:         "phone-a",
		TargetDeviceID:   "phone-b",
		TriggerDistanceM: 100,
		CooldownSeconds:  60,
		Active:           true,
	}
	require.NoError(t, f.mem.Alerts.Create(ctx, alert))
	require.NoError(t, f.mem.Alerts.SetActive(ctx, alert.ID, false))

	f.eval.Observe(ctx, "phone-a", fix(31.23, 121.47))
	f.eval.Observe(ctx, "phone-b", fix(31.23, 121.47))

	triggers, err := f.mem.Triggers.ListProximityTriggers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func geofenceFixture(t *testing.T, f *proxFixture, onEnter, onExit, onDwell bool, dwellSeconds int) *models.Geofence {
	t.Helper()
	fence := &models.Geofence{
		Name:         "home",
		Latitude:     31.2304,
		Longitude:    121.4737,
		RadiusM:      100,
		OnEnter:      onEnter,
		OnExit:       onExit,
		OnDwell:      onDwell,
		DwellSeconds: dwellSeconds,
		Active:       true,
	}
	require.NoError(t, f.mem.Geofences.Create(context.Background(), fence))
	return fence
}

func geofenceEvents(t *testing.T, f *proxFixture) []*models.GeofenceEvent {
	t.Helper()
	events, err := f.mem.Triggers.ListGeofenceEvents(context.Background(), 100)
	require.NoError(t, err)
	return events
}

func TestGeofenceEnterAndExit(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()
	geofenceFixture(t, f, true, true, false, 0)

	inside := fix(31.2304, 121.4737)
	outside := fix(31.2404, 121.4737)

	// 围栏外起步，不触发
	f.eval.Observe(ctx, "phone-a", outside)
	assert.Empty(t, geofenceEvents(t, f))

	// 进入
	f.eval.Observe(ctx, "phone-a", inside)
	events := geofenceEvents(t, f)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceEnter, events[0].EventType)
	assert.Equal(t, models.DeliveryPending, events[0].Delivery)

	// 停留在内部不重复触发 enter
	f.eval.Observe(ctx, "phone-a", inside)
	assert.Len(t, geofenceEvents(t, f), 1)

	// 离开
	f.eval.Observe(ctx, "phone-a", outside)
	events = geofenceEvents(t, f)
	require.Len(t, events, 2)
	assert.Equal(t, models.GeofenceExit, events[0].EventType)
}

func TestGeofenceDwellFiresOncePerEntry(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()
	geofenceFixture(t, f, false, false, true, 60)

	inside := fix(31.2304, 121.4737)
	outside := fix(31.2404, 121.4737)

	f.eval.Observe(ctx, "phone-a", inside)
	assert.Empty(t, geofenceEvents(t, f), "dwell must wait out the threshold")

	// 停留超过 60s 触发一次 dwell
	f.now = f.now.Add(90 * time.Second)
	f.eval.Observe(ctx, "phone-a", inside)
	events := geofenceEvents(t, f)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceDwell, events[0].EventType)

	// 继续停留不再触发
	f.now = f.now.Add(10 * time.Minute)
	f.eval.Observe(ctx, "phone-a", inside)
	assert.Len(t, geofenceEvents(t, f), 1)

	// 出去再进来，dwell 重新武装
	f.eval.Observe(ctx, "phone-a", outside)
	f.eval.Observe(ctx, "phone-a", inside)
	f.now = f.now.Add(90 * time.Second)
	f.eval.Observe(ctx, "phone-a", inside)
	assert.Len(t, geofenceEvents(t, f), 2)
}

func TestGeofenceTriggerBookkeeping(t *testing.T) {
	f := newProxFixture(t)
	ctx := context.Background()
	fence := geofenceFixture(t, f, true, false, false, 0)

	f.eval.Observe(ctx, "phone-a", fix(31.2304, 121.4737))

	got, err := f.mem.Geofences.GetByID(ctx, fence.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TriggerCount)
	assert.NotNil(t, got.LastTriggeredAt)
}
