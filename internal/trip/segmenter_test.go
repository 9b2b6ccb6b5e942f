package trip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/classifier"
	"github.com/langchou/geotrackd/internal/geo"
	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository/memstore"
)

type segFixture struct {
	seg *Segmenter
	mem *memstore.Store
	now time.Time
}

func newSegFixture(t *testing.T, cfg Config) *segFixture {
	t.Helper()
	if cfg.DeviceID == "" {
		cfg.DeviceID = "test-device"
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = time.Hour
	}
	mem := memstore.New()
	f := &segFixture{
		seg: New(zap.NewNop(), cfg, mem.Trips, mem.Events),
		mem: mem,
		now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.seg.SetNow(func() time.Time { return f.now })
	return f
}

func movement(mode models.TransportationMode) classifier.TransportationState {
	return classifier.TransportationState{Mode: mode, Confidence: 0.9}
}

func sampleAt(lat, lon float64, mode models.TransportationMode, at time.Time) *models.LocationSample {
	return &models.LocationSample{
		DeviceID:   "test-device",
		Latitude:   lat,
		Longitude:  lon,
		Mode:       mode,
		RecordedAt: at,
	}
}

func TestTripStartsAfterMinMovements(t *testing.T) {
	f := newSegFixture(t, Config{MinMovements: 2, WalkingGrace: time.Hour, VehicleGrace: time.Hour})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	assert.Nil(t, f.seg.ActiveTripID(), "single movement signal must not start a trip")

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	require.NotNil(t, f.seg.ActiveTripID())

	trip := f.seg.ActiveTrip()
	assert.Equal(t, models.TripActive, trip.State)
	assert.Equal(t, models.TriggerModeChange, trip.StartTrigger)
}

func TestTripStartsFromClassifierFeed(t *testing.T) {
	// 按运行时的接线走完整链路：分类器订阅通道喂给分段器，
	// 持续的同模式活动识别也要把行程开起来
	f := newSegFixture(t, Config{MinMovements: 2, WalkingGrace: time.Hour, VehicleGrace: time.Hour})
	ctx := context.Background()

	mem := memstore.New()
	cls := classifier.New(zap.NewNop(), classifier.Config{
		ActivityStaleness:     2 * time.Minute,
		VehicleStaleness:      2 * time.Minute,
		MotionStaleness:       time.Minute,
		MinActivityConfidence: 0.5,
		MinPublishConfidence:  0.6,
	}, mem.Events)
	clsNow := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cls.SetNow(func() time.Time { return clsNow })

	stateCh := cls.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for state := range stateCh {
			f.seg.OnStateChange(ctx, state)
		}
	}()

	for i := 0; i < 5; i++ {
		cls.UpdateActivity(ctx, models.ModeWalking, 0.9)
		clsNow = clsNow.Add(30 * time.Second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.seg.ActiveTripID() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, f.seg.ActiveTripID(), "sustained walking must start a trip through the live feed")

	trip := f.seg.ActiveTrip()
	assert.Equal(t, models.TripActive, trip.State)
	assert.Equal(t, models.TriggerModeChange, trip.StartTrigger)

	cls.Unsubscribe(stateCh)
	<-done
}

func TestStationaryResetsMovementCount(t *testing.T) {
	f := newSegFixture(t, Config{MinMovements: 2, WalkingGrace: time.Hour, VehicleGrace: time.Hour})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	f.seg.OnStateChange(ctx, movement(models.ModeStationary))
	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	assert.Nil(t, f.seg.ActiveTripID(), "stationary must reset the movement streak")
}

func TestSingleActiveTripInvariant(t *testing.T) {
	f := newSegFixture(t, Config{MinMovements: 1, WalkingGrace: time.Hour, VehicleGrace: time.Hour})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	first := f.seg.ActiveTripID()
	require.NotNil(t, first)

	// 已有行程时再多的运动信号也不会开第二个
	f.seg.OnStateChange(ctx, movement(models.ModeCycling))
	f.seg.OnStateChange(ctx, movement(models.ModeInVehicle))
	assert.Equal(t, *first, *f.seg.ActiveTripID())

	_, err := f.seg.StartManual(ctx)
	assert.ErrorIs(t, err, ErrTripActive)
}

func TestDistanceAndModeBreakdown(t *testing.T) {
	f := newSegFixture(t, Config{MinMovements: 1, WalkingGrace: time.Hour, VehicleGrace: time.Hour})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	require.NotNil(t, f.seg.ActiveTripID())

	t0 := f.now
	p1 := sampleAt(31.2304, 121.4737, models.ModeWalking, t0)
	p2 := sampleAt(31.2404, 121.4737, models.ModeWalking, t0.Add(2*time.Minute))
	p3 := sampleAt(31.2504, 121.4737, models.ModeInVehicle, t0.Add(3*time.Minute))
	p4 := sampleAt(31.2904, 121.4737, models.ModeInVehicle, t0.Add(8*time.Minute))

	f.seg.AddSample(ctx, p1)
	f.seg.AddSample(ctx, p2)
	f.seg.AddSample(ctx, p3)
	f.seg.AddSample(ctx, p4)

	trip := f.seg.ActiveTrip()
	require.NotNil(t, trip)
	assert.Equal(t, 4, trip.LocationCount)

	wantDistance := geo.HaversineMeters(p1.Latitude, p1.Longitude, p2.Latitude, p2.Longitude) +
		geo.HaversineMeters(p2.Latitude, p2.Longitude, p3.Latitude, p3.Longitude) +
		geo.HaversineMeters(p3.Latitude, p3.Longitude, p4.Latitude, p4.Longitude)
	assert.InDelta(t, wantDistance, trip.TotalDistanceMeters, 0.01)

	// 两次采样之间的时长记入前一采样的模式
	assert.InDelta(t, 180, trip.ModeBreakdown[models.ModeWalking], 0.01)
	assert.InDelta(t, 300, trip.ModeBreakdown[models.ModeInVehicle], 0.01)
	assert.Equal(t, models.ModeInVehicle, trip.ModeBreakdown.Dominant())

	// 采样回写了行程归属
	require.NotNil(t, p4.TripID)
	assert.Equal(t, trip.ID, *p4.TripID)
}

func TestGraceEndAndCancelBelowThresholds(t *testing.T) {
	f := newSegFixture(t, Config{
		MinMovements: 1,
		WalkingGrace: 30 * time.Millisecond,
		VehicleGrace: 30 * time.Millisecond,
		MinDuration:  time.Hour,
		MinDistanceM: 1000,
	})
	ctx := context.Background()

	ended := f.seg.Subscribe()

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	tripID := f.seg.ActiveTripID()
	require.NotNil(t, tripID)

	f.seg.OnStateChange(ctx, movement(models.ModeStationary))

	select {
	case trip := <-ended:
		// 时长和距离都不达标，自动行程作废
		assert.Equal(t, models.TripCancelled, trip.State)
		require.NotNil(t, trip.EndTrigger)
		assert.Equal(t, models.TriggerStationaryTimeout, *trip.EndTrigger)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trip end")
	}

	assert.Nil(t, f.seg.ActiveTripID())
}

func TestMovementWithinGraceResumesTrip(t *testing.T) {
	f := newSegFixture(t, Config{
		MinMovements: 1,
		WalkingGrace: 200 * time.Millisecond,
		VehicleGrace: 200 * time.Millisecond,
	})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	tripID := f.seg.ActiveTripID()
	require.NotNil(t, tripID)

	f.seg.OnStateChange(ctx, movement(models.ModeStationary))
	// 宽限期内恢复运动，行程继续
	f.seg.OnStateChange(ctx, movement(models.ModeWalking))

	time.Sleep(400 * time.Millisecond)
	require.NotNil(t, f.seg.ActiveTripID())
	assert.Equal(t, *tripID, *f.seg.ActiveTripID())
}

func TestVehicleTripGetsLongerGrace(t *testing.T) {
	f := newSegFixture(t, Config{
		MinMovements: 1,
		WalkingGrace: 20 * time.Millisecond,
		VehicleGrace: 10 * time.Second,
	})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeInVehicle))
	require.NotNil(t, f.seg.ActiveTripID())

	// 把行程的主导模式做成 IN_VEHICLE
	t0 := f.now
	f.seg.AddSample(ctx, sampleAt(31.23, 121.47, models.ModeInVehicle, t0))
	f.seg.AddSample(ctx, sampleAt(31.24, 121.47, models.ModeInVehicle, t0.Add(time.Minute)))

	f.seg.OnStateChange(ctx, movement(models.ModeStationary))

	// 步行宽限早就过了，但车辆宽限还没到，行程不能收尾
	time.Sleep(100 * time.Millisecond)
	assert.NotNil(t, f.seg.ActiveTripID())
}

func TestManualTripExemptFromMinThresholds(t *testing.T) {
	f := newSegFixture(t, Config{
		MinMovements: 1,
		WalkingGrace: time.Hour,
		VehicleGrace: time.Hour,
		MinDuration:  time.Hour,
		MinDistanceM: 1000,
	})
	ctx := context.Background()

	started, err := f.seg.StartManual(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, started.StartTrigger)

	ended, err := f.seg.EndManual(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, ended.State, "manual trips skip the minimum thresholds")

	_, err = f.seg.EndManual(ctx)
	assert.ErrorIs(t, err, ErrNoActiveTrip)
}

func TestAutomaticTripCompletesAboveThresholds(t *testing.T) {
	f := newSegFixture(t, Config{
		MinMovements: 1,
		WalkingGrace: time.Hour,
		VehicleGrace: time.Hour,
		MinDuration:  2 * time.Minute,
		MinDistanceM: 100,
	})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	require.NotNil(t, f.seg.ActiveTripID())

	t0 := f.now
	f.seg.AddSample(ctx, sampleAt(31.2304, 121.4737, models.ModeWalking, t0))
	f.now = f.now.Add(10 * time.Minute)
	f.seg.AddSample(ctx, sampleAt(31.2404, 121.4737, models.ModeWalking, t0.Add(10*time.Minute)))

	ended, err := f.seg.EndManual(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, ended.State)
	assert.Equal(t, models.ModeWalking, ended.DominantMode)
	require.NotNil(t, ended.EndLatitude)
	assert.InDelta(t, 31.2404, *ended.EndLatitude, 1e-9)
	assert.Greater(t, ended.TotalDistanceMeters, 100.0)
}

func TestMaxDistanceGuardForcesEnd(t *testing.T) {
	f := newSegFixture(t, Config{
		MinMovements: 1,
		WalkingGrace: time.Hour,
		VehicleGrace: time.Hour,
		MaxDistanceM: 1000,
	})
	ctx := context.Background()

	f.seg.OnStateChange(ctx, movement(models.ModeInVehicle))
	require.NotNil(t, f.seg.ActiveTripID())

	t0 := f.now
	f.seg.AddSample(ctx, sampleAt(31.23, 121.47, models.ModeInVehicle, t0))
	// 一跳超过 1km，触发距离保护
	f.seg.AddSample(ctx, sampleAt(31.33, 121.47, models.ModeInVehicle, t0.Add(time.Minute)))

	assert.Nil(t, f.seg.ActiveTripID())

	trips, err := f.mem.Trips.List(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.NotNil(t, trips[0].EndTrigger)
	assert.Equal(t, models.TriggerMaxDistance, *trips[0].EndTrigger)
}

func TestDeleteUndoAndPurge(t *testing.T) {
	f := newSegFixture(t, Config{
		MinMovements: 1,
		WalkingGrace: time.Hour,
		VehicleGrace: time.Hour,
		UndoWindow:   5 * time.Minute,
	})
	ctx := context.Background()

	trip, err := f.seg.StartManual(ctx)
	require.NoError(t, err)
	tripID := trip.ID

	event := &models.MovementEvent{ID: "evt-1", TripID: &tripID, NewMode: models.ModeWalking, RecordedAt: f.now}
	require.NoError(t, f.mem.Events.Create(ctx, event))

	_, err = f.seg.EndManual(ctx)
	require.NoError(t, err)

	// 软删除：行程和它的事件都从列表消失
	require.NoError(t, f.seg.DeleteTrip(ctx, tripID))
	trips, err := f.mem.Trips.List(ctx, 10, false)
	require.NoError(t, err)
	assert.Empty(t, trips)
	events, err := f.mem.Events.ListByTripID(ctx, tripID)
	require.NoError(t, err)
	assert.Empty(t, events)

	// 撤销窗口内恢复
	require.NoError(t, f.seg.UndoDelete(ctx, tripID))
	trips, err = f.mem.Trips.List(ctx, 10, false)
	require.NoError(t, err)
	assert.Len(t, trips, 1)
	events, err = f.mem.Events.ListByTripID(ctx, tripID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// 再删，窗口过期后永久清除，撤销失败
	require.NoError(t, f.seg.DeleteTrip(ctx, tripID))
	cutoff := f.now.Add(10 * time.Minute)
	purged, err := f.mem.Trips.PurgeDeletedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = f.mem.Events.PurgeDeletedBefore(ctx, cutoff)
	require.NoError(t, err)

	err = f.seg.UndoDelete(ctx, tripID)
	assert.Error(t, err)
}

func TestStartRecoversActiveTrip(t *testing.T) {
	f := newSegFixture(t, Config{MinMovements: 1, WalkingGrace: time.Hour, VehicleGrace: time.Hour})
	ctx := context.Background()

	// 存量的 ACTIVE 行程模拟崩溃残留
	stale := &models.Trip{
		ID:            "stale-trip",
		DeviceID:      "test-device",
		State:         models.TripActive,
		StartTime:     f.now.Add(-time.Hour),
		ModeBreakdown: models.ModeBreakdown{},
	}
	require.NoError(t, f.mem.Trips.Create(ctx, stale))

	require.NoError(t, f.seg.Start(ctx))
	defer f.seg.Stop()

	got := f.seg.ActiveTripID()
	require.NotNil(t, got)
	assert.Equal(t, "stale-trip", *got)
}

func TestStopFinalizesWithShutdownTrigger(t *testing.T) {
	f := newSegFixture(t, Config{MinMovements: 1, WalkingGrace: time.Hour, VehicleGrace: time.Hour})
	ctx := context.Background()

	require.NoError(t, f.seg.Start(ctx))
	f.seg.OnStateChange(ctx, movement(models.ModeWalking))
	require.NotNil(t, f.seg.ActiveTripID())

	f.seg.Stop()

	trips, err := f.mem.Trips.List(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.NotNil(t, trips[0].EndTrigger)
	assert.Equal(t, models.TriggerShutdown, *trips[0].EndTrigger)
	assert.NotEqual(t, models.TripActive, trips[0].State)
}
