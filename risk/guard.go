package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/cache"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY GUARD - Idempotency, circuit breaker, DEMO size cap
// ═══════════════════════════════════════════════════════════════════════════════
//
// These three sub-guards run strictly before the risk engine.
//
// ═══════════════════════════════════════════════════════════════════════════════

// IdempotencyGuard rejects duplicate intent ids within a window. The cache is
// size-capped; when full the oldest 10% of entries are evicted.
type IdempotencyGuard struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	seen    map[string]time.Time
	now     func() time.Time
}

func NewIdempotencyGuard(window time.Duration, maxSize int) *IdempotencyGuard {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &IdempotencyGuard{
		window:  window,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the guard clock, for tests.
func (g *IdempotencyGuard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// CheckAndRecord returns an error for a duplicate intent_id seen within the
// window, and records the id otherwise.
func (g *IdempotencyGuard) CheckAndRecord(intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if ts, ok := g.seen[intentID]; ok && now.Sub(ts) <= g.window {
		return fmt.Errorf("duplicate intent_id %s", intentID)
	}

	if len(g.seen) >= g.maxSize {
		g.evictOldestLocked()
	}
	g.seen[intentID] = now
	return nil
}

func (g *IdempotencyGuard) evictOldestLocked() {
	type pair struct {
		id string
		ts time.Time
	}
	all := make([]pair, 0, len(g.seen))
	for id, ts := range g.seen {
		all = append(all, pair{id, ts})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })

	drop := len(all) / 10
	if drop < 1 {
		drop = 1
	}
	for _, p := range all[:drop] {
		delete(g.seen, p.id)
	}
}

// Len returns the current cache size.
func (g *IdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// CircuitBreaker trips after threshold order errors within the window and
// blocks all pre-order checks until the cooldown elapses or a manual reset.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	errors    *cache.WindowCounter
	cooldown  time.Duration

	tripped   bool
	trippedAt time.Time
	reason    string
	now       func() time.Time
	onTrip    func(reason string)
}

func NewCircuitBreaker(threshold int, window, cooldown time.Duration) *CircuitBreaker {
	maxKept := threshold * 10
	if maxKept < 100 {
		maxKept = 100
	}
	return &CircuitBreaker{
		threshold: threshold,
		errors:    cache.NewWindowCounter(window, maxKept),
		cooldown:  cooldown,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides both the trip clock and the error window clock.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
	cb.errors.SetClock(now)
}

// OnTrip installs a callback invoked exactly once per trip.
func (cb *CircuitBreaker) OnTrip(fn func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = fn
}

// RecordError registers one order error; crossing the threshold trips the
// breaker.
func (cb *CircuitBreaker) RecordError(reason string) {
	cb.errors.Record()

	cb.mu.Lock()
	alreadyTripped := cb.tripped
	shouldTrip := !alreadyTripped && cb.errors.Count() >= cb.threshold
	if shouldTrip {
		cb.tripped = true
		cb.trippedAt = cb.now()
		cb.reason = fmt.Sprintf("%d order errors within window (last: %s)", cb.errors.Count(), reason)
	}
	trip := cb.onTrip
	tripReason := cb.reason
	cb.mu.Unlock()

	if shouldTrip {
		log.Warn().Str("reason", tripReason).Msg("🚨 Circuit breaker tripped")
		if trip != nil {
			trip(tripReason)
		}
	}
}

// RecordSuccess clears the error window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.errors.Reset()
}

// Allow reports whether orders may proceed, auto-resetting after cooldown.
func (cb *CircuitBreaker) Allow() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return true, ""
	}
	if cb.now().Sub(cb.trippedAt) >= cb.cooldown {
		cb.tripped = false
		cb.reason = ""
		cb.errors.Reset()
		log.Info().Msg("Circuit breaker reset after cooldown")
		return true, ""
	}
	return false, cb.reason
}

// Reset manually clears the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.tripped = false
	cb.reason = ""
	cb.mu.Unlock()
	cb.errors.Reset()
	log.Info().Msg("Circuit breaker manually reset")
}

// IsTripped returns the current trip state without touching the cooldown.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped
}

// SizeValidator caps DEMO sizes at a hard limit. LIVE sizing is the risk
// engine's job.
type SizeValidator struct {
	demoMax decimal.Decimal
}

func NewSizeValidator(demoMax decimal.Decimal) *SizeValidator {
	return &SizeValidator{demoMax: demoMax}
}

// Validate returns the (possibly capped) size and the reason code applied.
func (v *SizeValidator) Validate(size decimal.Decimal, mode types.Mode) (decimal.Decimal, string) {
	if mode == types.ModeDemo && v.demoMax.IsPositive() && size.GreaterThan(v.demoMax) {
		return v.demoMax, "capped_demo_max_size"
	}
	return size, ""
}

// SafetyGuard composes the three sub-guards.
type SafetyGuard struct {
	Idempotency *IdempotencyGuard
	Breaker     *CircuitBreaker
	Sizes       *SizeValidator
}

func NewSafetyGuard(idem *IdempotencyGuard, breaker *CircuitBreaker, sizes *SizeValidator) *SafetyGuard {
	return &SafetyGuard{Idempotency: idem, Breaker: breaker, Sizes: sizes}
}

// PreOrderCheck runs the guard stack against one intent. It returns the
// possibly capped size, the reason codes applied, and an error on rejection.
func (g *SafetyGuard) PreOrderCheck(intent types.OrderIntent, mode types.Mode) (decimal.Decimal, []string, error) {
	if ok, reason := g.Breaker.Allow(); !ok {
		return decimal.Zero, nil, fmt.Errorf("Circuit breaker active: %s", reason)
	}
	if err := g.Idempotency.CheckAndRecord(intent.IntentID); err != nil {
		return decimal.Zero, nil, fmt.Errorf("Duplicate intent: %w", err)
	}

	var reasons []string
	size, code := g.Sizes.Validate(intent.Size, mode)
	if code != "" {
		reasons = append(reasons, code)
	}
	return size, reasons, nil
}
