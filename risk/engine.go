package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/cache"
	"github.com/Stratton1/SOLATv3.1-sub000/sim"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK ENGINE - Central approval for every order intent
// ═══════════════════════════════════════════════════════════════════════════════
//
// Router asks → Risk approves/adjusts/rejects → Broker executes
//
// Checks run in a fixed order. Each check passes, adjusts the size with a
// reason code, or rejects with a reason code.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds the risk limits. Immutable within a run.
type Config struct {
	MaxPositionSize        decimal.Decimal
	MaxConcurrentPositions int
	MaxDailyLossPct        decimal.Decimal
	MaxTradesPerHour       int
	PerSymbolExposureCap   decimal.Decimal // notional; zero = uncapped
	RequireSL              bool

	Rules   map[string]sim.DealingRules // per-symbol dealing constraints
	StepEps decimal.Decimal
}

// State is the account snapshot the engine evaluates against.
type State struct {
	OpenPositions  int
	SymbolExposure decimal.Decimal // existing notional on the intent's symbol
	Balance        decimal.Decimal
	TodayPnL       decimal.Decimal
}

// Approval is the engine's verdict on one intent.
type Approval struct {
	Allowed         bool
	AdjustedSize    decimal.Decimal
	OriginalSize    decimal.Decimal
	ReasonCodes     []string
	RejectionReason string
}

// Engine evaluates intents and tracks trade frequency.
type Engine struct {
	cfg    Config
	trades *cache.WindowCounter
}

// NewEngine creates a risk engine. The trades-per-hour window keeps at most
// 10x the hourly limit to bound memory.
func NewEngine(cfg Config) *Engine {
	if cfg.StepEps.IsZero() {
		cfg.StepEps = decimal.NewFromFloat(1e-9)
	}
	maxKept := cfg.MaxTradesPerHour * 10
	if maxKept < 100 {
		maxKept = 100
	}
	return &Engine{
		cfg:    cfg,
		trades: cache.NewWindowCounter(time.Hour, maxKept),
	}
}

// SetClock overrides the trade-window clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.trades.SetClock(now)
}

// RecordTrade registers a successful submission so the trades-per-hour check
// stays correct.
func (e *Engine) RecordTrade() {
	e.trades.Record()
}

// TradesLastHour returns the sliding-window trade count.
func (e *Engine) TradesLastHour() int {
	return e.trades.Count()
}

// Evaluate runs the check sequence against one intent.
func (e *Engine) Evaluate(intent types.OrderIntent, state State) Approval {
	size := intent.Size
	var reasons []string

	reject := func(code, msg string) Approval {
		log.Debug().
			Str("intent_id", intent.IntentID).
			Str("symbol", intent.Symbol).
			Str("reason", msg).
			Msg("Intent rejected by risk engine")
		return Approval{
			Allowed:         false,
			AdjustedSize:    decimal.Zero,
			OriginalSize:    intent.Size,
			ReasonCodes:     append(reasons, code),
			RejectionReason: msg,
		}
	}

	// 1. Cap to the global max position size.
	if e.cfg.MaxPositionSize.IsPositive() && size.GreaterThan(e.cfg.MaxPositionSize) {
		size = e.cfg.MaxPositionSize
		reasons = append(reasons, "capped_max_position_size")
	}

	rules, hasRules := e.cfg.Rules[intent.Symbol]

	// 2. Cap to the symbol's dealing max.
	if hasRules && rules.MaxSize.IsPositive() && size.GreaterThan(rules.MaxSize) {
		size = rules.MaxSize
		reasons = append(reasons, "capped_symbol_max_size")
	}

	// 3. Round to the symbol's size step.
	if hasRules && rules.SizeStep.IsPositive() {
		steps := size.Div(rules.SizeStep).Round(0)
		rounded := steps.Mul(rules.SizeStep)
		if !rounded.Equal(size) {
			size = rounded
			reasons = append(reasons, "rounded_size_step")
		}
	}

	// 4. Minimum size.
	if hasRules && rules.MinSize.IsPositive() && size.LessThan(rules.MinSize) {
		return reject("below_min_size", fmt.Sprintf("size %s below minimum %s", size, rules.MinSize))
	}

	// 5. Concurrent positions.
	if e.cfg.MaxConcurrentPositions > 0 && state.OpenPositions >= e.cfg.MaxConcurrentPositions {
		return reject("max_concurrent_positions", fmt.Sprintf("%d positions already open", state.OpenPositions))
	}

	// 6. Daily loss limit. Only losses count; a profitable day never blocks.
	if e.cfg.MaxDailyLossPct.IsPositive() && state.Balance.IsPositive() {
		loss := decimal.Min(decimal.Zero, state.TodayPnL).Abs()
		lossPct := loss.Div(state.Balance).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThanOrEqual(e.cfg.MaxDailyLossPct) {
			return reject("max_daily_loss", fmt.Sprintf("daily loss %s%% at limit %s%%", lossPct.StringFixed(2), e.cfg.MaxDailyLossPct))
		}
	}

	// 7. Trade frequency.
	if e.cfg.MaxTradesPerHour > 0 && e.trades.Count() >= e.cfg.MaxTradesPerHour {
		return reject("max_trades_per_hour", fmt.Sprintf("%d trades in the last hour", e.trades.Count()))
	}

	// 8. Per-symbol exposure. A missing quote is a rejection, not a guess.
	if e.cfg.PerSymbolExposureCap.IsPositive() {
		if !intent.QuotedMid.IsPositive() {
			return reject("no_price_context", "exposure cap configured but intent carries no quoted mid")
		}
		proposed := size.Mul(intent.QuotedMid)
		if state.SymbolExposure.Add(proposed).GreaterThan(e.cfg.PerSymbolExposureCap) {
			return reject("symbol_exposure_cap", fmt.Sprintf("exposure %s + %s exceeds cap %s",
				state.SymbolExposure, proposed, e.cfg.PerSymbolExposureCap))
		}
	}

	// 9. Stop-loss requirement.
	if e.cfg.RequireSL && intent.StopLoss.IsZero() {
		return reject("require_sl", "stop loss required but not provided")
	}

	return Approval{
		Allowed:      true,
		AdjustedSize: size,
		OriginalSize: intent.Size,
		ReasonCodes:  reasons,
	}
}
