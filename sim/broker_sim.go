package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER SIMULATOR - Deterministic fills for backtesting
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fill price is derived from the bar close plus half the configured spread
// plus slippage, both always adverse to the trader. Orders are fully filled
// or fully rejected; no partial fills.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Action is the simulator-level order action.
type Action string

const (
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
)

// isBuySide reports whether the action pays the ask side of the book.
// Closing a short buys back; closing a long sells.
func (a Action) isBuySide() bool {
	return a == ActionBuy || a == ActionCloseShort
}

// DealingRules are the broker's per-symbol size constraints.
type DealingRules struct {
	MinSize  decimal.Decimal `json:"min_size"`
	MaxSize  decimal.Decimal `json:"max_size"`
	SizeStep decimal.Decimal `json:"size_step"`
}

// FeeSchedule models per-trade, per-lot and percentage-of-notional fees.
type FeeSchedule struct {
	PerTradeFlat decimal.Decimal `json:"per_trade_flat"`
	PerLot       decimal.Decimal `json:"per_lot"`
	Percentage   decimal.Decimal `json:"percentage"`
}

// Config holds simulator settings.
type Config struct {
	Spread   decimal.Decimal // full spread in price units
	Slippage decimal.Decimal // adverse slippage in price units
	Fees     FeeSchedule
	Rules    map[string]DealingRules // per symbol; missing symbol = unconstrained
	StepEps  decimal.Decimal         // tolerance for size-step rounding
}

// DefaultConfig returns a zero-friction simulator with a small step epsilon.
func DefaultConfig() Config {
	return Config{StepEps: decimal.NewFromFloat(1e-9)}
}

// OrderRecord is one simulated submission, filled or rejected.
type OrderRecord struct {
	Symbol    string          `json:"symbol"`
	Action    Action          `json:"action"`
	Size      decimal.Decimal `json:"size"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Fees      decimal.Decimal `json:"fees"`
	Filled    bool            `json:"filled"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Result is returned to the caller for each submission.
type Result struct {
	Filled    bool
	Size      decimal.Decimal // size after step rounding
	FillPrice decimal.Decimal
	Fees      decimal.Decimal
	Reason    string
}

// BrokerSim produces deterministic fills for the backtest engine.
type BrokerSim struct {
	mu       sync.Mutex
	cfg      Config
	history  []OrderRecord
	warnings []string
}

// New creates a simulator.
func New(cfg Config) *BrokerSim {
	if cfg.StepEps.IsZero() {
		cfg.StepEps = decimal.NewFromFloat(1e-9)
	}
	return &BrokerSim{cfg: cfg}
}

// FillPrice computes the deterministic fill price for an action at a bar.
func (s *BrokerSim) FillPrice(action Action, bar types.Bar) decimal.Decimal {
	half := s.cfg.Spread.Div(decimal.NewFromInt(2))
	if action.isBuySide() {
		return bar.Close.Add(half).Add(s.cfg.Slippage)
	}
	return bar.Close.Sub(half).Sub(s.cfg.Slippage)
}

// Execute validates the order against dealing rules and fills it at the
// simulated price. Rejections carry a structured reason.
func (s *BrokerSim) Execute(symbol string, action Action, size decimal.Decimal, bar types.Bar) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := OrderRecord{
		Symbol:    symbol,
		Action:    action,
		Size:      size,
		Timestamp: bar.Timestamp,
	}

	reject := func(reason string) Result {
		record.Reason = reason
		s.history = append(s.history, record)
		log.Debug().Str("symbol", symbol).Str("action", string(action)).Str("reason", reason).Msg("Sim order rejected")
		return Result{Reason: reason}
	}

	if !size.IsPositive() {
		return reject("non_positive_size")
	}

	adjusted := size
	if rules, ok := s.cfg.Rules[symbol]; ok {
		if rules.SizeStep.IsPositive() {
			steps := size.Div(rules.SizeStep).Round(0)
			nearest := steps.Mul(rules.SizeStep)
			if size.Sub(nearest).Abs().GreaterThan(s.cfg.StepEps) {
				return reject(fmt.Sprintf("size_step: %s not a multiple of %s", size, rules.SizeStep))
			}
			adjusted = nearest
		}
		if rules.MinSize.IsPositive() && adjusted.LessThan(rules.MinSize) {
			return reject(fmt.Sprintf("min_size: %s < %s", adjusted, rules.MinSize))
		}
		if rules.MaxSize.IsPositive() && adjusted.GreaterThan(rules.MaxSize) {
			return reject(fmt.Sprintf("max_size: %s > %s", adjusted, rules.MaxSize))
		}
	}

	fillPrice := s.FillPrice(action, bar)
	fees := s.feeFor(adjusted, fillPrice)

	record.Size = adjusted
	record.FillPrice = fillPrice
	record.Fees = fees
	record.Filled = true
	s.history = append(s.history, record)

	return Result{Filled: true, Size: adjusted, FillPrice: fillPrice, Fees: fees}
}

// Fee computes the fee for a fill of size at price under the configured
// schedule. Exposed so the portfolio's closing-fee model can share it.
func (s *BrokerSim) Fee(size, price decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeFor(size, price)
}

func (s *BrokerSim) feeFor(size, price decimal.Decimal) decimal.Decimal {
	notional := size.Mul(price)
	pct := s.cfg.Fees.Percentage.Div(decimal.NewFromInt(100)).Mul(notional)
	return s.cfg.Fees.PerTradeFlat.Add(s.cfg.Fees.PerLot.Mul(size)).Add(pct)
}

// Warn records a warning surfaced to the caller via Warnings.
func (s *BrokerSim) Warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// History returns a copy of all fills and rejections.
func (s *BrokerSim) History() []OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Warnings returns accumulated warnings.
func (s *BrokerSim) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}
