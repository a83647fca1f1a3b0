package engine

import (
	"sync"
	"time"
)

// TimerEngine backs EventEngine with time.AfterFunc. Each scheduled task
// carries a generation-tagged handle so a cancellation racing with firing is
// safe: the fired closure checks its own generation is still current before
// running, and Cancel only suppresses a task that hasn't fired yet.
type TimerEngine struct {
	delay time.Duration // injectable for tests; zero means caller-supplied duration

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*scheduledTask
}

type scheduledTask struct {
	generation uint64
	timer      *time.Timer
	cancelled  bool
}

// NewTimerEngine constructs an empty TimerEngine. RunAfter, which takes no
// duration, schedules with a zero delay; use RunAfterDuration for a delay.
func NewTimerEngine() *TimerEngine {
	return &TimerEngine{tasks: make(map[uint64]*scheduledTask)}
}

// RunAfter satisfies the EventEngine interface using a zero delay; most
// callers should use RunAfterDuration directly. Kept only so TimerEngine
// implements EventEngine when no delay override is needed.
func (e *TimerEngine) RunAfter(closure func()) TaskHandle {
	return e.RunAfterDuration(0, closure)
}

// RunAfterDuration schedules closure to run after d elapses, returning a
// handle that Cancel can use to suppress it before it fires.
func (e *TimerEngine) RunAfterDuration(d time.Duration, closure func()) TaskHandle {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	task := &scheduledTask{generation: id}
	e.tasks[id] = task
	e.mu.Unlock()

	task.timer = time.AfterFunc(d, func() {
		e.mu.Lock()
		t, ok := e.tasks[id]
		if !ok || t.cancelled {
			e.mu.Unlock()
			return
		}
		delete(e.tasks, id)
		e.mu.Unlock()
		closure()
	})

	return TaskHandle{id: id, generation: id}
}

// Cancel suppresses h if it has not yet fired. Returns false if h already
// fired or was already cancelled.
func (e *TimerEngine) Cancel(h TaskHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[h.id]
	if !ok || t.generation != h.generation {
		return false
	}
	t.cancelled = true
	delete(e.tasks, h.id)
	t.timer.Stop()
	return true
}

// Pending reports how many tasks are armed, for tests.
func (e *TimerEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

var _ EventEngine = (*TimerEngine)(nil)
