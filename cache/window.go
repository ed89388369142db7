package cache

import (
	"sync"
	"time"
)

// WindowCounter counts timestamped events inside a sliding window. A hard cap
// on retained events bounds memory regardless of recording rate.
type WindowCounter struct {
	mu      sync.Mutex
	window  time.Duration
	maxKept int
	events  []time.Time
	now     func() time.Time
}

// NewWindowCounter creates a counter over the last window duration, retaining
// at most maxKept raw timestamps.
func NewWindowCounter(window time.Duration, maxKept int) *WindowCounter {
	if maxKept <= 0 {
		maxKept = 1024
	}
	return &WindowCounter{
		window:  window,
		maxKept: maxKept,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record adds an event at the current time.
func (w *WindowCounter) Record() {
	w.RecordAt(w.now())
}

// RecordAt adds an event with an explicit timestamp.
func (w *WindowCounter) RecordAt(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	w.events = append(w.events, ts)
	if len(w.events) > w.maxKept {
		w.events = w.events[len(w.events)-w.maxKept:]
	}
}

// Count returns how many recorded events fall within the window.
func (w *WindowCounter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.events)
}

// Reset discards all recorded events.
func (w *WindowCounter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = nil
}

func (w *WindowCounter) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.events) && w.events[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.events = w.events[idx:]
	}
}

// SetClock overrides the time source. Test isolation only.
func (w *WindowCounter) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}
