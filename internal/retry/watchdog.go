package retry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInactivity marks a self-inflicted cancellation from the inactivity
// watchdog, distinct from user-initiated aborts.
var ErrInactivity = errors.New("inactivity timeout: no engine activity")

// Tiered inactivity timeouts. Waiting for the very first message tolerates a
// slow connection setup; idle gaps between activity are held short because a
// healthy engine keeps talking; a running tool may legitimately take minutes.
const (
	FirstMessageTimeout = 2 * time.Minute
	IdleTimeout         = 90 * time.Second
	ToolRunningTimeout  = 10 * time.Minute
)

// Timeouts configures a watchdog; zero fields fall back to the defaults.
type Timeouts struct {
	FirstMessage time.Duration
	Idle         time.Duration
	ToolRunning  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.FirstMessage == 0 {
		t.FirstMessage = FirstMessageTimeout
	}
	if t.Idle == 0 {
		t.Idle = IdleTimeout
	}
	if t.ToolRunning == 0 {
		t.ToolRunning = ToolRunningTimeout
	}
	return t
}

// Watchdog cancels an attempt when the engine goes quiet for too long. The
// timer resets on every received message and on every tool start/stop
// transition.
type Watchdog struct {
	mu          sync.Mutex
	timeouts    Timeouts
	cancel      context.CancelCauseFunc
	timer       *time.Timer
	gotFirst    bool
	activeTools int
	stopped     bool
}

// NewWatchdog arms a watchdog over the attempt's cancel function.
func NewWatchdog(cancel context.CancelCauseFunc, timeouts Timeouts) *Watchdog {
	w := &Watchdog{timeouts: timeouts.withDefaults(), cancel: cancel}
	w.timer = time.AfterFunc(w.timeouts.FirstMessage, w.fire)
	return w
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if !stopped {
		w.cancel(ErrInactivity)
	}
}

func (w *Watchdog) current() time.Duration {
	if !w.gotFirst {
		return w.timeouts.FirstMessage
	}
	if w.activeTools > 0 {
		return w.timeouts.ToolRunning
	}
	return w.timeouts.Idle
}

func (w *Watchdog) reset() {
	if w.stopped {
		return
	}
	w.timer.Stop()
	w.timer.Reset(w.current())
}

// Touch records engine activity.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gotFirst = true
	w.reset()
}

// ToolStarted switches to the lenient tool-running timeout.
func (w *Watchdog) ToolStarted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeTools++
	w.reset()
}

// ToolFinished returns to the idle timeout once no tools remain active.
func (w *Watchdog) ToolFinished() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeTools > 0 {
		w.activeTools--
	}
	w.reset()
}

// Stop disarms the watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
