// Package feeds supervises market data: the streaming/polling controller,
// the tick-to-bar builder, and the throttled publishers.
package feeds

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/cache"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET-DATA CONTROLLER - Streaming with polling fallback
// ═══════════════════════════════════════════════════════════════════════════════
//
// STOPPED → STARTING → STREAMING
// STREAMING --too many failures--> FALLING_BACK → POLLING (+ backfill)
// POLLING --stable long enough--> RECOVERING → STREAMING
//
// Staleness is observed and reported, never acted on.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SourceState is the controller's lifecycle state.
type SourceState string

const (
	StateStopped     SourceState = "STOPPED"
	StateStarting    SourceState = "STARTING"
	StateStreaming   SourceState = "STREAMING"
	StatePolling     SourceState = "POLLING"
	StateFallingBack SourceState = "FALLING_BACK"
	StateRecovering  SourceState = "RECOVERING"
)

// Source is the shared surface of the streaming and polling quote sources.
type Source interface {
	Start()
	Stop()
	Subscribe(symbol, epic string)
	Unsubscribe(epic string)
	UnsubscribeAll()
	Quotes() chan types.Quote
}

// ControllerConfig tunes failover and staleness detection.
type ControllerConfig struct {
	MaxStreamFailures  int           // failures within the window before fallback; 0 = 3
	FailureWindow      time.Duration // sliding failure window; 0 = 2m
	PromoteStableAfter time.Duration // stable polling time before recovery; 0 = 5m
	StaleAfter         time.Duration // quote age before stale flag; 0 = 30s
	BackfillMinutes    int           // minutes handed to the backfill hook; 0 = 30
}

// ControllerStatus is the observable controller state.
type ControllerStatus struct {
	State       SourceState          `json:"state"`
	Subscribed  int                  `json:"subscribed"`
	Failures    int                  `json:"failures_in_window"`
	Stale       map[string]bool      `json:"stale"`
	LastQuoteAt map[string]time.Time `json:"last_quote_at"`
}

// Controller supervises the two sources and routes their quotes onward.
type Controller struct {
	mu  sync.Mutex
	cfg ControllerConfig

	stream Source
	poll   Source

	state        SourceState
	failures     *cache.WindowCounter
	pollingSince time.Time
	subs         map[string]string // epic -> symbol
	lastQuote    map[string]time.Time

	backfill func(symbol string, minutes int)
	onQuote  func(types.Quote)

	stopCh chan struct{}
	now    func() time.Time
}

func NewController(cfg ControllerConfig, stream, poll Source) *Controller {
	if cfg.MaxStreamFailures <= 0 {
		cfg.MaxStreamFailures = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 2 * time.Minute
	}
	if cfg.PromoteStableAfter <= 0 {
		cfg.PromoteStableAfter = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.BackfillMinutes <= 0 {
		cfg.BackfillMinutes = 30
	}
	return &Controller{
		cfg:       cfg,
		stream:    stream,
		poll:      poll,
		state:     StateStopped,
		failures:  cache.NewWindowCounter(cfg.FailureWindow, cfg.MaxStreamFailures*10),
		subs:      make(map[string]string),
		lastQuote: make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides both the controller and failure-window clocks.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	c.failures.SetClock(now)
}

// OnQuote installs the downstream quote consumer.
func (c *Controller) OnQuote(fn func(types.Quote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQuote = fn
}

// OnBackfill installs the bar backfill hook invoked on fallback and
// recovery. It runs on its own goroutine and never blocks the controller.
func (c *Controller) OnBackfill(fn func(symbol string, minutes int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backfill = fn
}

// Start brings the controller up in streaming mode.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStarting
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.stream.Start()
	go c.consume(c.stream.Quotes(), stopCh)
	go c.consume(c.poll.Quotes(), stopCh)

	c.mu.Lock()
	c.state = StateStreaming
	c.mu.Unlock()
	log.Info().Msg("Market-data controller streaming")
}

// Stop shuts both sources down.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	close(c.stopCh)
	c.mu.Unlock()

	c.stream.Stop()
	c.poll.Stop()
	log.Info().Msg("Market-data controller stopped")
}

// Subscribe registers a symbol on whichever source is active.
func (c *Controller) Subscribe(symbol, epic string) {
	c.mu.Lock()
	c.subs[epic] = symbol
	state := c.state
	c.mu.Unlock()

	if state == StatePolling {
		c.poll.Subscribe(symbol, epic)
	} else {
		c.stream.Subscribe(symbol, epic)
	}
}

// Unsubscribe removes one epic from both sources.
func (c *Controller) Unsubscribe(epic string) {
	c.mu.Lock()
	delete(c.subs, epic)
	c.mu.Unlock()
	c.stream.Unsubscribe(epic)
	c.poll.Unsubscribe(epic)
}

// UnsubscribeAll clears every subscription.
func (c *Controller) UnsubscribeAll() {
	c.mu.Lock()
	c.subs = make(map[string]string)
	c.mu.Unlock()
	c.stream.UnsubscribeAll()
	c.poll.UnsubscribeAll()
}

// State returns the current lifecycle state.
func (c *Controller) State() SourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status snapshots the controller, including per-symbol staleness.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stale := make(map[string]bool, len(c.subs))
	lastAt := make(map[string]time.Time, len(c.subs))
	for _, symbol := range c.subs {
		ts, seen := c.lastQuote[symbol]
		lastAt[symbol] = ts
		stale[symbol] = !seen || now.Sub(ts) > c.cfg.StaleAfter
	}
	return ControllerStatus{
		State:       c.state,
		Subscribed:  len(c.subs),
		Failures:    c.failures.Count(),
		Stale:       stale,
		LastQuoteAt: lastAt,
	}
}

// RecordStreamFailure counts one streaming failure; crossing the threshold
// falls back to polling.
func (c *Controller) RecordStreamFailure(reason string) {
	c.failures.Record()
	count := c.failures.Count()
	log.Warn().Str("reason", reason).Int("failures", count).Msg("Streaming failure recorded")

	c.mu.Lock()
	shouldFallBack := (c.state == StateStreaming || c.state == StateRecovering) &&
		count >= c.cfg.MaxStreamFailures
	c.mu.Unlock()

	if shouldFallBack {
		c.fallBack()
	}
}

func (c *Controller) fallBack() {
	c.mu.Lock()
	c.state = StateFallingBack
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()

	log.Warn().Msg("⚠️ Falling back to polling market data")
	c.stream.Stop()
	c.poll.Start()
	for epic, symbol := range subs {
		c.poll.Subscribe(symbol, epic)
	}

	c.mu.Lock()
	c.state = StatePolling
	c.pollingSince = c.now()
	backfill := c.backfill
	c.mu.Unlock()

	c.triggerBackfill(backfill, subs)
}

// MaybePromote recovers back to streaming once polling has been stable for
// the configured window. Called from the supervision tick.
func (c *Controller) MaybePromote() {
	c.mu.Lock()
	if c.state != StatePolling || c.now().Sub(c.pollingSince) < c.cfg.PromoteStableAfter {
		c.mu.Unlock()
		return
	}
	c.state = StateRecovering
	subs := c.snapshotSubsLocked()
	backfill := c.backfill
	c.mu.Unlock()

	log.Info().Msg("Promoting market data back to streaming")
	c.stream.Start()
	for epic, symbol := range subs {
		c.stream.Subscribe(symbol, epic)
	}
	c.poll.Stop()
	c.failures.Reset()

	c.mu.Lock()
	c.state = StateStreaming
	c.mu.Unlock()

	c.triggerBackfill(backfill, subs)
}

func (c *Controller) snapshotSubsLocked() map[string]string {
	subs := make(map[string]string, len(c.subs))
	for epic, symbol := range c.subs {
		subs[epic] = symbol
	}
	return subs
}

func (c *Controller) triggerBackfill(backfill func(string, int), subs map[string]string) {
	if backfill == nil {
		return
	}
	for _, symbol := range subs {
		go backfill(symbol, c.cfg.BackfillMinutes)
	}
}

func (c *Controller) consume(quotes chan types.Quote, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case q := <-quotes:
			c.mu.Lock()
			c.lastQuote[q.Symbol] = c.now()
			onQuote := c.onQuote
			c.mu.Unlock()
			if onQuote != nil {
				onQuote(q)
			}
		}
	}
}
