// Package timer implements a deadline-driven periodic task with
// start/pause/resume/reset/stop semantics and event callbacks.
package timer

import (
	"errors"
	"sync"
	"time"
)

// ErrDisposed is returned by every public call after Dispose.
var ErrDisposed = errors.New("timer disposed")

// State is the timer lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// EventType identifies a timer event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventTicked    EventType = "ticked"
	EventCompleted EventType = "completed"
	EventPaused    EventType = "paused"
	EventStopped   EventType = "stopped"
	EventError     EventType = "error"
)

// Event is delivered to the timer's callback. Remaining is populated for
// ticked events; Err for error events.
type Event struct {
	Type      EventType
	Remaining time.Duration
	Err       error
}

// EventFunc receives timer events. Invocations happen outside the timer lock
// and must not call back into the timer synchronously from the same goroutine
// only if they intend to block; plain Start/Stop/Reset calls are safe.
type EventFunc func(Event)

// scanInterval is the cadence of the background state scan.
const scanInterval = 100 * time.Millisecond

// Timer is a pausable interval timer. All state is guarded by one mutex; a
// single background goroutine scans the state at fixed cadence while the
// timer is running or paused.
type Timer struct {
	mu sync.Mutex

	state    State
	interval time.Duration
	repeat   bool

	// startAt is the wall clock origin of the current countdown. While
	// paused, pausedElapsed holds the accumulated elapsed time instead.
	startAt       time.Time
	pausedElapsed time.Duration

	disposed bool
	loopStop chan struct{}
	loopDone chan struct{}

	onEvent EventFunc
}

// New creates a stopped timer. The callback may be nil.
func New(onEvent EventFunc) *Timer {
	return &Timer{
		state:   StateStopped,
		onEvent: onEvent,
	}
}

// SetInterval configures the countdown duration and whether the timer
// restarts itself on completion.
func (t *Timer) SetInterval(d time.Duration, repeat bool) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if d <= 0 {
		t.mu.Unlock()
		err := errors.New("interval must be positive")
		t.fire(Event{Type: EventError, Err: err})
		return err
	}
	t.interval = d
	t.repeat = repeat
	t.mu.Unlock()
	return nil
}

// Start begins the countdown. From stopped it starts at zero elapsed; from
// paused it resumes, preserving accumulated elapsed time. Starting a running
// timer is a no-op.
func (t *Timer) Start() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.interval <= 0 {
		t.mu.Unlock()
		err := errors.New("interval not set")
		t.fire(Event{Type: EventError, Err: err})
		return err
	}
	if t.state == StateRunning {
		t.mu.Unlock()
		return nil
	}

	now := time.Now()
	if t.state == StatePaused {
		// Shift the origin so elapsed time carries over.
		t.startAt = now.Add(-t.pausedElapsed)
		t.pausedElapsed = 0
	} else {
		t.startAt = now
	}
	t.state = StateRunning
	t.ensureLoopLocked()
	t.mu.Unlock()

	t.fire(Event{Type: EventStarted})
	return nil
}

// Resume is Start from the paused state.
func (t *Timer) Resume() error {
	return t.Start()
}

// Pause suspends the countdown, keeping accumulated elapsed time.
func (t *Timer) Pause() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.state != StateRunning {
		t.mu.Unlock()
		return nil
	}
	t.pausedElapsed = time.Since(t.startAt)
	t.state = StatePaused
	t.mu.Unlock()

	t.fire(Event{Type: EventPaused})
	return nil
}

// Reset zeroes the elapsed time. A running timer keeps running from now; a
// paused timer transitions to stopped; a stopped timer stays stopped.
func (t *Timer) Reset() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	var stopped bool
	switch t.state {
	case StateRunning:
		t.startAt = time.Now()
	case StatePaused:
		t.state = StateStopped
		t.pausedElapsed = 0
		stopped = true
	case StateStopped:
	}
	t.mu.Unlock()

	if stopped {
		t.fire(Event{Type: EventStopped})
	}
	return nil
}

// Stop halts the timer. Idempotent, and safe to call after Dispose.
func (t *Timer) Stop() error {
	t.mu.Lock()
	if t.disposed || t.state == StateStopped {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStopped
	t.pausedElapsed = 0
	t.mu.Unlock()

	t.fire(Event{Type: EventStopped})
	return nil
}

// Dispose stops the timer permanently. Subsequent calls other than Stop and
// Dispose return ErrDisposed.
func (t *Timer) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.state = StateStopped
	done := t.loopDone
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

// State returns the current lifecycle state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Remaining returns the time left until completion. It is zero when the timer
// is stopped.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *Timer) remainingLocked() time.Duration {
	var elapsed time.Duration
	switch t.state {
	case StateRunning:
		elapsed = time.Since(t.startAt)
	case StatePaused:
		elapsed = t.pausedElapsed
	default:
		return 0
	}
	if elapsed >= t.interval {
		return 0
	}
	return t.interval - elapsed
}

// ensureLoopLocked starts the scan goroutine if none is alive. Caller holds
// the lock.
func (t *Timer) ensureLoopLocked() {
	if t.loopStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	t.loopStop = stop
	t.loopDone = done
	go t.loop(stop, done)
}

// loop scans the timer state every scanInterval. It exits once the timer is
// stopped or disposed; a later Start spawns a fresh loop.
func (t *Timer) loop(stop <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.disposed || t.state == StateStopped {
			t.loopStop = nil
			t.loopDone = nil
			t.mu.Unlock()
			return
		}
		if t.state != StateRunning {
			t.mu.Unlock()
			continue
		}

		elapsed := time.Since(t.startAt)
		if elapsed >= t.interval {
			if t.repeat {
				t.startAt = time.Now()
			} else {
				t.state = StateStopped
				t.loopStop = nil
				t.loopDone = nil
			}
			repeating := t.repeat
			t.mu.Unlock()

			t.fire(Event{Type: EventCompleted})
			if !repeating {
				return
			}
			continue
		}

		remaining := t.interval - elapsed
		t.mu.Unlock()
		t.fire(Event{Type: EventTicked, Remaining: remaining})
	}
}

// fire invokes the callback outside the lock.
func (t *Timer) fire(ev Event) {
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}
