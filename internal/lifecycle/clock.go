package lifecycle

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// Timer is a cancellable pending callback.
type Timer interface {
	Stop()
}

// Clock abstracts time so offer timers can be driven in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock uses the runtime's monotonic timers.
type RealClock struct{}

func (RealClock) Now() time.Time { return clock.New().Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &libTimer{t: clock.New().AfterFunc(d, f)}
}

type libTimer struct {
	t *clock.Timer
}

func (l *libTimer) Stop() { l.t.Stop() }

// FakeClock is a manually advanced Clock backed by clock.Mock. Callbacks
// run on the goroutine calling Advance, in deadline order.
type FakeClock struct {
	mock *clock.Mock

	mu      sync.Mutex
	pending int
}

// NewFakeClock starts a FakeClock at now.
func NewFakeClock(now time.Time) *FakeClock {
	m := clock.NewMock()
	m.Add(now.Sub(m.Now()))
	return &FakeClock{mock: m}
}

func (c *FakeClock) Now() time.Time { return c.mock.Now() }

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	ft := &fakeTimer{clock: c}
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	ft.t = c.mock.AfterFunc(d, func() {
		if ft.finish() {
			f()
		}
	})
	return ft
}

// Advance moves time forward by d and fires every timer that came due,
// including timers scheduled by fired callbacks.
func (c *FakeClock) Advance(d time.Duration) {
	c.mock.Add(d)
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

type fakeTimer struct {
	clock *FakeClock
	t     *clock.Timer
	done  bool // guarded by clock.mu
}

// finish marks the timer fired or stopped. Only the first call wins.
func (t *fakeTimer) finish() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.pending--
	return true
}

func (t *fakeTimer) Stop() {
	if t.finish() {
		t.t.Stop()
	}
}
