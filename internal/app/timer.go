package app

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	timerPending int32 = iota
	timerFired
	timerCancelled
)

// TimerHandle identifies a scheduled callback. The zero value is not usable;
// handles come from TimerService.Schedule.
type TimerHandle struct {
	timer clockwork.Timer
	state atomic.Int32
}

// Pending reports whether the callback has neither fired nor been cancelled.
func (h *TimerHandle) Pending() bool {
	return h != nil && h.state.Load() == timerPending
}

// TimerService schedules one-shot delayed callbacks on an injectable clock.
type TimerService struct {
	clock clockwork.Clock
}

func NewTimerService(clock clockwork.Clock) *TimerService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TimerService{clock: clock}
}

// Clock returns the clock timers are scheduled on.
func (t *TimerService) Clock() clockwork.Clock {
	return t.clock
}

// Schedule invokes fn once after delay. fn runs on the clock's goroutine, so
// callers that need serialization must hand the work to their own queue.
func (t *TimerService) Schedule(delay time.Duration, fn func()) *TimerHandle {
	h := &TimerHandle{}
	if delay < 0 {
		delay = 0
	}
	h.timer = t.clock.AfterFunc(delay, func() {
		if h.state.CompareAndSwap(timerPending, timerFired) {
			fn()
		}
	})
	return h
}

// Cancel stops a pending callback. It is a no-op for nil, fired or already
// cancelled handles and reports whether this call prevented the callback.
func (t *TimerService) Cancel(h *TimerHandle) bool {
	if h == nil {
		return false
	}
	if !h.state.CompareAndSwap(timerPending, timerCancelled) {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}
