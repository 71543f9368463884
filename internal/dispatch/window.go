package dispatch

import (
	"sync"
	"time"
)

// maxWaitSlice bounds a single rate-limit sleep so the worker re-checks
// capacity periodically instead of oversleeping across resets.
const maxWaitSlice = 4 * time.Second

// Window counts actions in a fixed wall-clock window. The window
// boundary advances in whole window lengths from process start,
// independent of traffic. It is not a sliding window keyed to items.
//
// Known limitation, kept on purpose: up to 2x the configured rate can
// land across a window boundary.
//
// Used only from the single worker goroutine plus status readers, but
// locked anyway so Count() is safe from anywhere.
type Window struct {
	mu     sync.Mutex
	length time.Duration
	start  time.Time
	count  int

	now   func() time.Time
	sleep func(time.Duration)
}

// NewWindow creates a fixed window of the given length, anchored at the
// current time.
func NewWindow(length time.Duration) *Window {
	w := &Window{
		length: length,
		now:    time.Now,
		sleep:  time.Sleep,
	}
	w.start = w.now()
	return w
}

// WithClock overrides the time source and sleeper. Test hook.
func (w *Window) WithClock(now func() time.Time, sleep func(time.Duration)) *Window {
	w.now = now
	w.sleep = sleep
	w.start = now()
	return w
}

// roll advances the window boundary past now, zeroing the counter once
// per elapsed window. Caller holds the lock.
func (w *Window) roll(now time.Time) {
	if elapsed := now.Sub(w.start); elapsed >= w.length {
		steps := elapsed / w.length
		w.start = w.start.Add(steps * w.length)
		w.count = 0
	}
}

// Wait blocks until the current window has capacity for one more
// action, sleeping in bounded increments and re-checking after each.
func (w *Window) Wait(limit int) {
	if limit < 1 {
		limit = 1
	}
	for {
		w.mu.Lock()
		now := w.now()
		w.roll(now)
		if w.count < limit {
			w.mu.Unlock()
			return
		}
		remain := w.start.Add(w.length).Sub(now)
		w.mu.Unlock()

		if remain > maxWaitSlice {
			remain = maxWaitSlice
		}
		if remain < 10*time.Millisecond {
			remain = 10 * time.Millisecond
		}
		w.sleep(remain)
	}
}

// Hit records one action in the current window.
func (w *Window) Hit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(w.now())
	w.count++
}

// Count returns the number of actions recorded in the current window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(w.now())
	return w.count
}
