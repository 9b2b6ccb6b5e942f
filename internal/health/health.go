package health

import (
	"sync"
	"time"
)

// Status 采集服务健康状态
type Status string

const (
	StatusHealthy      Status = "HEALTHY"
	StatusGPSAcquiring Status = "GPS_ACQUIRING"
	StatusNoGPSSignal  Status = "NO_GPS_SIGNAL"
	StatusError        Status = "ERROR"
	StatusStopped      Status = "STOPPED"
)

// ServiceHealth 健康快照（最后写入者覆盖）
type ServiceHealth struct {
	IsRunning              bool      `json:"is_running"`
	Status                 Status    `json:"status"`
	LastUpdate             time.Time `json:"last_update"`
	LocationCount          int64     `json:"location_count"`
	ErrorMessage           string    `json:"error_message,omitempty"`
	CurrentIntervalMinutes float64   `json:"current_interval_minutes"`
	ConsecutiveFailures    int       `json:"consecutive_failures"`
	WatchdogRestarts       int       `json:"watchdog_restarts"`
}

// Cell 健康状态单元，可订阅变更
type Cell struct {
	mu          sync.RWMutex
	current     ServiceHealth
	subscribers []chan ServiceHealth
}

// NewCell 创建健康状态单元
func NewCell() *Cell {
	return &Cell{
		current: ServiceHealth{Status: StatusStopped},
	}
}

// Get 读取当前快照
func (c *Cell) Get() ServiceHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Set 整体覆盖快照并通知订阅者
func (c *Cell) Set(h ServiceHealth) {
	c.mu.Lock()
	c.current = h
	subs := make([]chan ServiceHealth, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- h:
		default:
			// 跳过处理不及时的订阅者
		}
	}
}

// Update 在锁内修改快照后通知订阅者
func (c *Cell) Update(fn func(h *ServiceHealth)) ServiceHealth {
	c.mu.Lock()
	fn(&c.current)
	h := c.current
	subs := make([]chan ServiceHealth, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- h:
		default:
		}
	}
	return h
}

// Subscribe 订阅健康变更
func (c *Cell) Subscribe() chan ServiceHealth {
	ch := make(chan ServiceHealth, 16)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe 取消订阅
func (c *Cell) Unsubscribe(ch chan ServiceHealth) {
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
