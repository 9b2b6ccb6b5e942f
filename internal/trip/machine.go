package trip

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// 分段器状态常量
const (
	StateIdle       = "idle"
	StateActive     = "active"
	StatePendingEnd = "pending_end"
)

// 事件常量
const (
	EventMovement   = "movement"
	EventStationary = "stationary"
	EventResume     = "resume"
	EventFinalize   = "finalize"
	EventForceEnd   = "force_end"
)

// Machine 行程分段状态机
type Machine struct {
	mu       sync.RWMutex
	fsm      *fsm.FSM
	onChange func(from, to string)
}

// NewMachine 创建状态机
func NewMachine(initialState string, onChange func(from, to string)) *Machine {
	if initialState == "" {
		initialState = StateIdle
	}

	m := &Machine{onChange: onChange}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			// 从 idle 状态
			{Name: EventMovement, Src: []string{StateIdle}, Dst: StateActive},

			// 从 active 状态
			{Name: EventStationary, Src: []string{StateActive}, Dst: StatePendingEnd},

			// 从 pending_end 状态
			{Name: EventResume, Src: []string{StatePendingEnd}, Dst: StateActive},
			{Name: EventFinalize, Src: []string{StatePendingEnd}, Dst: StateIdle},

			// 任何进行中状态都可以强制结束
			{Name: EventForceEnd, Src: []string{StateActive, StatePendingEnd}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onChange != nil && e.Src != e.Dst {
					m.onChange(e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// Current 当前状态
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}
