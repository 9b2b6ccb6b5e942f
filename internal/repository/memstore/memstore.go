// Package memstore 提供与 repository 同接口的内存实现，
// 用于无 PostgreSQL 的本机运行模式和测试。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/langchou/geotrackd/internal/models"
	"github.com/langchou/geotrackd/internal/repository"
)

// Store 内存存储集合
type Store struct {
	Samples   *SampleStore
	Events    *EventStore
	Trips     *TripStore
	Queue     *QueueStore
	Alerts    *AlertStore
	Geofences *GeofenceStore
	Triggers  *TriggerStore
}

// New 创建内存存储集合
func New() *Store {
	return &Store{
		Samples:   &SampleStore{},
		Events:    &EventStore{},
		Trips:     &TripStore{},
		Queue:     &QueueStore{},
		Alerts:    &AlertStore{},
		Geofences: &GeofenceStore{},
		Triggers:  &TriggerStore{},
	}
}

// SampleStore 位置采样内存存储
type SampleStore struct {
	mu      sync.RWMutex
	nextID  int64
	samples []*models.LocationSample
}

func (s *SampleStore) Create(_ context.Context, sample *models.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sample.ID = s.nextID
	cp := *sample
	s.samples = append(s.samples, &cp)
	return nil
}

func (s *SampleStore) GetLatest(_ context.Context, deviceID string) (*models.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.samples) - 1; i >= 0; i-- {
		if s.samples[i].DeviceID == deviceID {
			cp := *s.samples[i]
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *SampleStore) ListByTripID(_ context.Context, tripID string) ([]*models.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.LocationSample
	for _, sample := range s.samples {
		if sample.TripID != nil && *sample.TripID == tripID {
			cp := *sample
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (s *SampleStore) MarkSynced(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range s.samples {
		if sample.ID == id {
			sample.Synced = true
			t := at
			sample.SyncedAt = &t
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *SampleStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.samples)), nil
}

// EventStore 模式切换事件内存存储
type EventStore struct {
	mu     sync.RWMutex
	events []*models.MovementEvent
}

func (s *EventStore) Create(_ context.Context, event *models.MovementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *EventStore) List(_ context.Context, limit int) ([]*models.MovementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.MovementEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].DeletedAt == nil {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *EventStore) ListByTripID(_ context.Context, tripID string) ([]*models.MovementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.MovementEvent
	for _, e := range s.events {
		if e.TripID != nil && *e.TripID == tripID && e.DeletedAt == nil {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *EventStore) SoftDeleteByTripID(_ context.Context, tripID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.TripID != nil && *e.TripID == tripID && e.DeletedAt == nil {
			t := at
			e.DeletedAt = &t
		}
	}
	return nil
}

func (s *EventStore) RestoreByTripID(_ context.Context, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.TripID != nil && *e.TripID == tripID {
			e.DeletedAt = nil
		}
	}
	return nil
}

func (s *EventStore) PurgeDeletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*models.MovementEvent
	var purged int64
	for _, e := range s.events {
		if e.DeletedAt != nil && e.DeletedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return purged, nil
}

func (s *EventStore) MarkSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			e.Synced = true
			t := at
			e.SyncedAt = &t
			return nil
		}
	}
	return repository.ErrNotFound
}

// TripStore 行程内存存储
type TripStore struct {
	mu    sync.RWMutex
	trips []*models.Trip
}

func (s *TripStore) Create(_ context.Context, trip *models.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	trip.CreatedAt = now
	trip.UpdatedAt = now
	cp := *trip
	s.trips = append(s.trips, &cp)
	return nil
}

func (s *TripStore) Update(_ context.Context, trip *models.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.trips {
		if t.ID == trip.ID {
			trip.UpdatedAt = time.Now()
			cp := *trip
			cp.DeletedAt = t.DeletedAt
			s.trips[i] = &cp
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *TripStore) GetByID(_ context.Context, id string) (*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trips {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *TripStore) GetActive(_ context.Context, deviceID string) (*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trips {
		if t.DeviceID == deviceID && t.State == models.TripActive && t.DeletedAt == nil {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *TripStore) List(_ context.Context, limit int, includeDeleted bool) ([]*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Trip
	for _, t := range s.trips {
		if !includeDeleted && t.DeletedAt != nil {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TripStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trips {
		if t.ID == id && t.DeletedAt == nil {
			ts := at
			t.DeletedAt = &ts
			t.UpdatedAt = time.Now()
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *TripStore) Restore(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trips {
		if t.ID == id && t.DeletedAt != nil {
			t.DeletedAt = nil
			t.UpdatedAt = time.Now()
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *TripStore) PurgeDeletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*models.Trip
	var purged int64
	for _, t := range s.trips {
		if t.DeletedAt != nil && t.DeletedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, t)
	}
	s.trips = kept
	return purged, nil
}

func (s *TripStore) MarkSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trips {
		if t.ID == id {
			t.Synced = true
			ts := at
			t.SyncedAt = &ts
			return nil
		}
	}
	return repository.ErrNotFound
}

// QueueStore 上传队列内存存储
type QueueStore struct {
	mu     sync.RWMutex
	nextID int64
	items  []*models.QueueItem
}

func (s *QueueStore) Enqueue(_ context.Context, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.PayloadID == item.PayloadID {
			return nil // 重复入队幂等
		}
	}
	s.nextID++
	item.ID = s.nextID
	cp := *item
	s.items = append(s.items, &cp)
	return nil
}

func (s *QueueStore) DueBatch(_ context.Context, now time.Time, limit int) ([]*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.QueueItem
	for _, item := range s.items {
		if len(out) >= limit {
			break
		}
		if (item.Status == models.QueuePending || item.Status == models.QueueRetryPending) &&
			!item.NextAttemptAt.After(now) {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *QueueStore) find(id int64) *models.QueueItem {
	for _, item := range s.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (s *QueueStore) MarkUploading(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.find(id); item != nil {
		item.Status = models.QueueUploading
		t := at
		item.LastAttemptAt = &t
		return nil
	}
	return repository.ErrNotFound
}

func (s *QueueStore) MarkDelivered(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.find(id); item != nil {
		item.Status = models.QueueDelivered
		t := at
		item.LastAttemptAt = &t
		item.ErrorMessage = nil
		return nil
	}
	return repository.ErrNotFound
}

func (s *QueueStore) MarkRetry(_ context.Context, id int64, retryCount int, nextAttempt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.find(id); item != nil {
		item.Status = models.QueueRetryPending
		item.RetryCount = retryCount
		item.NextAttemptAt = nextAttempt
		msg := errMsg
		item.ErrorMessage = &msg
		return nil
	}
	return repository.ErrNotFound
}

func (s *QueueStore) MarkFailed(_ context.Context, id int64, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.find(id); item != nil {
		item.Status = models.QueueFailed
		t := at
		item.LastAttemptAt = &t
		msg := errMsg
		item.ErrorMessage = &msg
		return nil
	}
	return repository.ErrNotFound
}

func (s *QueueStore) ResetFailed(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset int64
	for _, item := range s.items {
		if item.Status == models.QueueFailed {
			item.Status = models.QueuePending
			item.RetryCount = 0
			item.NextAttemptAt = now
			item.ErrorMessage = nil
			reset++
		}
	}
	return reset, nil
}

func (s *QueueStore) DeleteDeliveredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*models.QueueItem
	var deleted int64
	for _, item := range s.items {
		if item.Status == models.QueueDelivered && item.EnqueuedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	return deleted, nil
}

func (s *QueueStore) Stats(_ context.Context) (repository.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats repository.QueueStats
	for _, item := range s.items {
		switch item.Status {
		case models.QueuePending:
			stats.Pending++
		case models.QueueUploading:
			stats.Uploading++
		case models.QueueRetryPending:
			stats.RetryPending++
		case models.QueueFailed:
			stats.Failed++
		case models.QueueDelivered:
			stats.Delivered++
		}
	}
	return stats, nil
}

// AlertStore 邻近告警规则内存存储
type AlertStore struct {
	mu     sync.RWMutex
	nextID int64
	alerts []*models.ProximityAlert
}

func (s *AlertStore) Create(_ context.Context, alert *models.ProximityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	alert.ID = s.nextID
	alert.CreatedAt = time.Now()
	cp := *alert
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *AlertStore) GetByID(_ context.Context, id int64) (*models.ProximityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *AlertStore) List(_ context.Context) ([]*models.ProximityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ProximityAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *AlertStore) ListActive(_ context.Context) ([]*models.ProximityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ProximityAlert
	for _, a := range s.alerts {
		if a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *AlertStore) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			a.Active = active
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *AlertStore) RecordTrigger(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			t := at
			a.LastTriggeredAt = &t
			a.TriggerCount++
			return nil
		}
	}
	return repository.ErrNotFound
}

// GeofenceStore 围栏内存存储
type GeofenceStore struct {
	mu     sync.RWMutex
	nextID int64
	fences []*models.Geofence
}

func (s *GeofenceStore) Create(_ context.Context, fence *models.Geofence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	fence.ID = s.nextID
	fence.CreatedAt = time.Now()
	cp := *fence
	s.fences = append(s.fences, &cp)
	return nil
}

func (s *GeofenceStore) GetByID(_ context.Context, id int64) (*models.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.fences {
		if g.ID == id {
			cp := *g
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *GeofenceStore) List(_ context.Context) ([]*models.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Geofence, 0, len(s.fences))
	for _, g := range s.fences {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (s *GeofenceStore) ListActive(_ context.Context) ([]*models.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Geofence
	for _, g := range s.fences {
		if g.Active {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *GeofenceStore) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.fences {
		if g.ID == id {
			g.Active = active
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *GeofenceStore) RecordTrigger(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.fences {
		if g.ID == id {
			t := at
			g.LastTriggeredAt = &t
			g.TriggerCount++
			return nil
		}
	}
	return repository.ErrNotFound
}

// TriggerStore 触发记录内存存储
type TriggerStore struct {
	mu        sync.RWMutex
	nextID    int64
	geoEvents []*models.GeofenceEvent
	proxTrigs []*models.ProximityTrigger
}

func (s *TriggerStore) CreateGeofenceEvent(_ context.Context, event *models.GeofenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	cp := *event
	s.geoEvents = append(s.geoEvents, &cp)
	return nil
}

func (s *TriggerStore) CreateProximityTrigger(_ context.Context, trigger *models.ProximityTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	trigger.ID = s.nextID
	cp := *trigger
	s.proxTrigs = append(s.proxTrigs, &cp)
	return nil
}

func (s *TriggerStore) ListGeofenceEvents(_ context.Context, limit int) ([]*models.GeofenceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.GeofenceEvent
	for i := len(s.geoEvents) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.geoEvents[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *TriggerStore) ListProximityTriggers(_ context.Context, limit int) ([]*models.ProximityTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ProximityTrigger
	for i := len(s.proxTrigs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.proxTrigs[i]
		out = append(out, &cp)
	}
	return out, nil
}
