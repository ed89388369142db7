// Package autopilot binds live bars to allowlisted strategies and routes
// their entry signals through the execution router. DEMO only.
package autopilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/allowlist"
	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/cache"
	"github.com/Stratton1/SOLATv3.1-sub000/execution"
	"github.com/Stratton1/SOLATv3.1-sub000/strategy"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// bufferSlack is the bar history kept beyond the strategy warmup.
const bufferSlack = 50

// errorRingSize bounds the retained strategy error history.
const errorRingSize = 50

// Config tunes signal generation.
type Config struct {
	DefaultSize      decimal.Decimal
	CooldownBars     int // bars between signals per combo; 0 = 10
	MaxSignalsPer60s int // global sliding-window limit; 0 = 6
}

// comboState is one allowlisted (symbol, bot, timeframe) binding.
type comboState struct {
	key             types.ComboKey
	strat           strategy.Strategy
	bars            *cache.Ring[types.Bar]
	barsSinceSignal int
}

// Autopilot subscribes to bar events and turns strategy entries into order
// intents.
type Autopilot struct {
	mu  sync.Mutex
	cfg Config

	router *execution.Router
	allow  *allowlist.Store
	kill   *execution.KillSwitch
	events *bus.Bus

	combos  map[string]*comboState
	rate    *cache.WindowCounter
	errors  *cache.Ring[string]
	sub     *bus.Subscription
	enabled bool
}

func New(cfg Config, router *execution.Router, allow *allowlist.Store, kill *execution.KillSwitch, events *bus.Bus) *Autopilot {
	if cfg.CooldownBars <= 0 {
		cfg.CooldownBars = 10
	}
	if cfg.MaxSignalsPer60s <= 0 {
		cfg.MaxSignalsPer60s = 6
	}
	if cfg.DefaultSize.IsZero() {
		cfg.DefaultSize = decimal.NewFromInt(1)
	}
	return &Autopilot{
		cfg:    cfg,
		router: router,
		allow:  allow,
		kill:   kill,
		events: events,
		combos: make(map[string]*comboState),
		rate:   cache.NewWindowCounter(60*time.Second, cfg.MaxSignalsPer60s*10),
		errors: cache.NewRing[string](errorRingSize),
	}
}

// SetClock overrides the rate-limit window clock, for tests.
func (a *Autopilot) SetClock(now func() time.Time) {
	a.rate.SetClock(now)
}

// Enabled reports whether the autopilot is consuming bars.
func (a *Autopilot) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Errors returns the retained strategy error messages, oldest first.
func (a *Autopilot) Errors() []string {
	return a.errors.Items()
}

// Enable binds one strategy instance and one bar buffer per active
// allowlist combo and subscribes to bar events. DEMO only, and only with an
// armed, non-kill-switched router.
func (a *Autopilot) Enable(mode types.Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.enabled {
		return nil
	}
	if mode != types.ModeDemo {
		return fmt.Errorf("autopilot is DEMO only")
	}
	if a.kill.IsActive() {
		return fmt.Errorf("autopilot blocked: kill switch active")
	}
	if !a.router.Status().Armed {
		return fmt.Errorf("autopilot requires an armed router")
	}
	active := a.allow.Active()
	if len(active) == 0 {
		return fmt.Errorf("autopilot requires a non-empty allowlist")
	}

	combos := make(map[string]*comboState, len(active))
	for _, entry := range active {
		strat, err := strategy.New(entry.Key.Bot)
		if err != nil {
			return fmt.Errorf("allowlist combo %s: %w", entry.Key, err)
		}
		combos[entry.Key.String()] = &comboState{
			key:   entry.Key,
			strat: strat,
			bars:  cache.NewRing[types.Bar](strat.Warmup() + bufferSlack),
		}
	}
	a.combos = combos

	a.sub = a.events.Subscribe("autopilot", a.onBarEvent, bus.EventBarReceived)
	a.enabled = true

	log.Info().Int("combos", len(combos)).Msg("🤖 Autopilot enabled")
	a.events.Publish(bus.NewEvent(bus.EventAutopilotEnabled, map[string]any{
		"combos": len(combos),
	}))
	return nil
}

// Disable unsubscribes from bar events and drops the combo bindings.
func (a *Autopilot) Disable() {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}
	a.enabled = false
	sub := a.sub
	a.sub = nil
	a.combos = make(map[string]*comboState)
	a.mu.Unlock()

	a.events.Unsubscribe(sub)
	log.Info().Msg("Autopilot disabled")
	a.events.Publish(bus.NewEvent(bus.EventAutopilotDisabled, nil))
}

func (a *Autopilot) onBarEvent(ev bus.Event) {
	if a.kill.IsActive() || !a.router.Status().SignalsEnabled {
		return
	}
	bar, ok := ev.Data["bar"].(types.Bar)
	if !ok {
		return
	}

	a.mu.Lock()
	var matched []*comboState
	for _, combo := range a.combos {
		if combo.key.Symbol == bar.Symbol && combo.key.Timeframe == bar.Timeframe {
			matched = append(matched, combo)
		}
	}
	a.mu.Unlock()

	for _, combo := range matched {
		a.evaluateCombo(combo, bar)
	}
}

func (a *Autopilot) evaluateCombo(combo *comboState, bar types.Bar) {
	a.mu.Lock()
	combo.bars.Append(bar)
	combo.barsSinceSignal++
	if combo.barsSinceSignal < a.cfg.CooldownBars {
		a.mu.Unlock()
		return
	}
	if a.rate.Count() >= a.cfg.MaxSignalsPer60s {
		a.mu.Unlock()
		return
	}
	bars := combo.bars.Items()
	a.mu.Unlock()

	if len(bars) < combo.strat.Warmup() {
		return
	}

	signal, err := a.callStrategy(combo, bars)
	if err != nil {
		a.errors.Append(fmt.Sprintf("%s: %v", combo.key, err))
		log.Warn().Err(err).Str("combo", combo.key.String()).Msg("Strategy error, signal skipped")
		return
	}
	if signal.Direction != types.DirectionBuy && signal.Direction != types.DirectionSell {
		return
	}

	a.mu.Lock()
	combo.barsSinceSignal = 0
	a.mu.Unlock()
	a.rate.Record()

	intent := types.OrderIntent{
		IntentID:   "ap_" + uuid.NewString()[:8],
		Symbol:     combo.key.Symbol,
		Side:       signal.Direction,
		Size:       a.cfg.DefaultSize,
		StopLoss:   signal.StopLoss,
		TakeProfit: signal.TakeProfit,
		OrderType:  types.OrderTypeMarket,
		Bot:        combo.key.Bot,
		QuotedMid:  bar.Close,
		Reasons:    signal.Reasons,
	}

	result, err := a.router.RouteIntent(context.Background(), intent)
	if err != nil {
		log.Warn().Err(err).Str("intent_id", intent.IntentID).Msg("Autopilot intent routing failed")
	}

	a.events.Publish(bus.NewEvent(bus.EventAutopilotSignal, map[string]any{
		"combo":     combo.key.String(),
		"intent_id": intent.IntentID,
		"direction": string(signal.Direction),
		"status":    string(result.Status),
	}))
}

// callStrategy isolates strategy panics so one broken bot cannot take the
// autopilot down.
func (a *Autopilot) callStrategy(combo *comboState, bars []types.Bar) (signal types.SignalIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	signal = combo.strat.OnBars(bars, types.SideNone, strategy.Context{
		Symbol:    combo.key.Symbol,
		Timeframe: combo.key.Timeframe,
		Bot:       combo.key.Bot,
	})
	return signal, nil
}
