package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/bus"
)

// criticalEvents are always delivered to WebSocket clients, never deduped.
var criticalEvents = map[bus.EventType]bool{
	bus.EventIntentCreated:         true,
	bus.EventOrderSubmitted:        true,
	bus.EventOrderRejected:         true,
	bus.EventOrderAcknowledged:     true,
	bus.EventKillSwitchActivated:   true,
	bus.EventKillSwitchReset:       true,
	bus.EventKillSwitchCloseFailed: true,
	bus.EventReconWarning:          true,
}

// Throttler gates compressible events on their payload: an identical payload
// within the dedup window is dropped, a changed payload is delivered and
// resets the baseline. Optional batching accumulates deliveries and drains
// them on a flush interval.
type Throttler struct {
	mu sync.Mutex

	dedupWindow   time.Duration
	batchInterval time.Duration

	lastPayload map[bus.EventType]string
	lastSentAt  map[bus.EventType]time.Time

	batch  []bus.Event
	send   func([]bus.Event)
	stopCh chan struct{}
	now    func() time.Time
}

// NewThrottler creates a throttler delivering through send. A zero
// batchInterval delivers synchronously; otherwise events accumulate and a
// background task drains them.
func NewThrottler(dedupWindow, batchInterval time.Duration, send func([]bus.Event)) *Throttler {
	if dedupWindow <= 0 {
		dedupWindow = 2 * time.Second
	}
	return &Throttler{
		dedupWindow:   dedupWindow,
		batchInterval: batchInterval,
		lastPayload:   make(map[bus.EventType]string),
		lastSentAt:    make(map[bus.EventType]time.Time),
		send:          send,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the throttler clock, for tests.
func (t *Throttler) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Start launches the background batch flusher, if batching is enabled.
func (t *Throttler) Start() {
	if t.batchInterval <= 0 {
		return
	}
	t.mu.Lock()
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.batchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				t.Flush()
			}
		}
	}()
	log.Info().Dur("interval", t.batchInterval).Msg("WS throttler batching enabled")
}

// Stop halts the batch flusher and drains the accumulator.
func (t *Throttler) Stop() {
	t.mu.Lock()
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	t.mu.Unlock()
	t.Flush()
}

// Offer decides one event's fate. Returns true when the event was delivered
// (or queued for the next batch flush).
func (t *Throttler) Offer(ev bus.Event) bool {
	if criticalEvents[ev.Type] {
		t.dispatch(ev)
		return true
	}

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		payload = []byte(ev.Type)
	}

	t.mu.Lock()
	now := t.now()
	if string(payload) == t.lastPayload[ev.Type] && now.Sub(t.lastSentAt[ev.Type]) < t.dedupWindow {
		t.mu.Unlock()
		return false
	}
	t.lastPayload[ev.Type] = string(payload)
	t.lastSentAt[ev.Type] = now
	t.mu.Unlock()

	t.dispatch(ev)
	return true
}

// Flush drains the batch accumulator.
func (t *Throttler) Flush() {
	t.mu.Lock()
	batch := t.batch
	t.batch = nil
	t.mu.Unlock()

	if len(batch) > 0 {
		t.send(batch)
	}
}

func (t *Throttler) dispatch(ev bus.Event) {
	if t.batchInterval > 0 {
		t.mu.Lock()
		t.batch = append(t.batch, ev)
		t.mu.Unlock()
		return
	}
	t.send([]bus.Event{ev})
}
