package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCellDefaultsToStopped(t *testing.T) {
	c := NewCell()
	h := c.Get()
	assert.Equal(t, StatusStopped, h.Status)
	assert.False(t, h.IsRunning)
}

func TestSetOverwritesSnapshot(t *testing.T) {
	c := NewCell()
	c.Set(ServiceHealth{Status: StatusHealthy, IsRunning: true, LocationCount: 3})

	h := c.Get()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, int64(3), h.LocationCount)
}

func TestUpdateMutatesInPlace(t *testing.T) {
	c := NewCell()
	c.Set(ServiceHealth{Status: StatusHealthy, LocationCount: 5})

	got := c.Update(func(h *ServiceHealth) {
		h.LocationCount++
		h.ConsecutiveFailures = 2
	})

	assert.Equal(t, int64(6), got.LocationCount)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	// 其余字段不受影响
	assert.Equal(t, StatusHealthy, got.Status)
}

func TestSubscriberReceivesUpdates(t *testing.T) {
	c := NewCell()
	ch := c.Subscribe()

	c.Set(ServiceHealth{Status: StatusGPSAcquiring})

	select {
	case h := <-ch:
		assert.Equal(t, StatusGPSAcquiring, h.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health update")
	}

	c.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockWriters(t *testing.T) {
	c := NewCell()
	c.Subscribe() // 从不消费

	done := make(chan struct{})
	go func() {
		// 远超订阅缓冲的写入量，溢出的更新直接丢弃
		for i := 0; i < 100; i++ {
			c.Set(ServiceHealth{Status: StatusHealthy, LocationCount: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber blocked the writer")
	}

	assert.Equal(t, int64(99), c.Get().LocationCount)
}
