package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT BUS - In-process typed pub/sub
// ═══════════════════════════════════════════════════════════════════════════════
//
// Publish delivers to every current subscriber of the event type. Delivery is
// asynchronous: each subscriber owns a bounded queue drained by its own
// goroutine. A full queue drops the oldest pending event for that subscriber;
// publishers never block.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EventType is a string-enum event kind.
type EventType string

const (
	EventHeartbeat EventType = "heartbeat"

	EventDataSyncStarted   EventType = "data_sync_started"
	EventDataSyncCompleted EventType = "data_sync_completed"
	EventDataSyncFailed    EventType = "data_sync_failed"

	EventBacktestStarted   EventType = "backtest_started"
	EventBacktestCompleted EventType = "backtest_completed"
	EventBacktestFailed    EventType = "backtest_failed"

	EventBrokerConnected    EventType = "broker_connected"
	EventBrokerDisconnected EventType = "broker_disconnected"

	EventQuoteReceived EventType = "quote_received"
	EventBarReceived   EventType = "bar_received"

	EventExecutionStatus   EventType = "execution_status"
	EventIntentCreated     EventType = "execution_intent_created"
	EventOrderSubmitted    EventType = "execution_order_submitted"
	EventOrderAcknowledged EventType = "execution_order_acknowledged"
	EventOrderFilled       EventType = "execution_order_filled"
	EventOrderRejected     EventType = "execution_order_rejected"

	EventCircuitBreakerTripped EventType = "circuit_breaker_tripped"
	EventPositionsUpdated      EventType = "positions_updated"
	EventReconWarning          EventType = "reconciliation_warning"

	EventAutopilotEnabled  EventType = "autopilot_enabled"
	EventAutopilotDisabled EventType = "autopilot_disabled"
	EventAutopilotSignal   EventType = "autopilot_signal"

	EventKillSwitchActivated   EventType = "kill_switch_activated"
	EventKillSwitchReset       EventType = "kill_switch_reset"
	EventKillSwitchCloseFailed EventType = "kill_switch_close_failed"

	EventRecommendationApplied EventType = "recommendation_applied"
)

// Event carries one bus message. Data is a free-form payload map.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Handler consumes delivered events.
type Handler func(Event)

const defaultQueueSize = 256

type subscriber struct {
	name    string
	queue   chan Event
	dropped atomic.Uint64
	done    chan struct{}
}

// Subscription is the handle returned by Subscribe, usable for Unsubscribe.
type Subscription struct {
	Name  string
	Types []EventType
	sub   *subscriber
}

// Dropped returns how many events this subscriber lost to queue overflow.
func (s *Subscription) Dropped() uint64 {
	return s.sub.dropped.Load()
}

// Bus is the process-wide event bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[EventType]map[string]*subscriber
	byName    map[string]*Subscription
	queueSize int
	published atomic.Uint64
}

// New creates a bus with the given per-subscriber queue size.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		subs:      make(map[EventType]map[string]*subscriber),
		byName:    make(map[string]*Subscription),
		queueSize: queueSize,
	}
}

var (
	globalMu  sync.Mutex
	globalBus *Bus
)

// Get returns the process singleton bus.
func Get() *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus == nil {
		globalBus = New(defaultQueueSize)
	}
	return globalBus
}

// ResetGlobal replaces the singleton. Test isolation only.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus != nil {
		globalBus.Close()
	}
	globalBus = nil
}

// Subscribe registers a named handler for the given event types. Subscribing
// the same name twice is idempotent and returns the existing handle.
func (b *Bus) Subscribe(name string, handler Handler, eventTypes ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byName[name]; ok {
		return existing
	}

	sub := &subscriber{
		name:  name,
		queue: make(chan Event, b.queueSize),
		done:  make(chan struct{}),
	}
	for _, et := range eventTypes {
		if b.subs[et] == nil {
			b.subs[et] = make(map[string]*subscriber)
		}
		b.subs[et][name] = sub
	}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.queue:
				handler(ev)
			}
		}
	}()

	handle := &Subscription{Name: name, Types: eventTypes, sub: sub}
	b.byName[name] = handle
	return handle
}

// Unsubscribe removes a subscription and stops its drain goroutine.
func (b *Bus) Unsubscribe(handle *Subscription) {
	if handle == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byName[handle.Name]; !ok {
		return
	}
	delete(b.byName, handle.Name)
	for _, et := range handle.Types {
		delete(b.subs[et], handle.Name)
	}
	close(handle.sub.done)
}

// Publish delivers ev to all subscribers of its type. Never blocks: a full
// subscriber queue sheds its oldest pending event first.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[ev.Type]))
	for _, sub := range b.subs[ev.Type] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- ev:
		default:
			// Queue full: drop the oldest pending event, then retry once.
			select {
			case <-sub.queue:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.queue <- ev:
			default:
				sub.dropped.Add(1)
			}
		}
	}

	if ev.Type != EventQuoteReceived && ev.Type != EventHeartbeat {
		log.Trace().Str("type", string(ev.Type)).Msg("Event published")
	}
}

// Published returns the total number of published events.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close stops all subscriber goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, handle := range b.byName {
		close(handle.sub.done)
		delete(b.byName, name)
	}
	b.subs = make(map[EventType]map[string]*subscriber)
}
