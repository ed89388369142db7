package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TK CROSS SNIPER - Dual moving-average cross with range-based SL/TP
// ═══════════════════════════════════════════════════════════════════════════════

const (
	tkFastPeriod  = 9
	tkSlowPeriod  = 26
	tkRangePeriod = 14
)

var (
	tkSLMult = decimal.NewFromFloat(1.5)
	tkTPMult = decimal.NewFromFloat(3.0)
)

// TKCrossSniper trades fast/slow SMA crosses. The stop distance is a multiple
// of the average bar range over the lookback, the target twice that.
type TKCrossSniper struct{}

// NewTKCrossSniper builds the reference strategy instance.
func NewTKCrossSniper() *TKCrossSniper {
	return &TKCrossSniper{}
}

func init() {
	Register("TKCrossSniper", func() Strategy { return NewTKCrossSniper() })
}

// Name implements Strategy.
func (s *TKCrossSniper) Name() string { return "TKCrossSniper" }

// Warmup implements Strategy.
func (s *TKCrossSniper) Warmup() int { return tkSlowPeriod + 1 }

// OnBars implements Strategy.
func (s *TKCrossSniper) OnBars(bars []types.Bar, position types.Side, _ Context) types.SignalIntent {
	if len(bars) < s.Warmup() {
		return types.Hold("warmup")
	}

	fastNow := sma(bars, tkFastPeriod, 0)
	slowNow := sma(bars, tkSlowPeriod, 0)
	fastPrev := sma(bars, tkFastPeriod, 1)
	slowPrev := sma(bars, tkSlowPeriod, 1)

	crossedUp := fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow)
	crossedDown := fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow)

	// Exit signals: a cross against an open position reverses it.
	if position == types.SideLong && crossedDown {
		return types.SignalIntent{Direction: types.DirectionSell, Reasons: []string{"tk_cross_down"}}
	}
	if position == types.SideShort && crossedUp {
		return types.SignalIntent{Direction: types.DirectionBuy, Reasons: []string{"tk_cross_up"}}
	}
	if position != types.SideNone {
		return types.Hold("in_position")
	}

	if !crossedUp && !crossedDown {
		return types.Hold("no_cross")
	}

	lastClose := bars[len(bars)-1].Close
	avgRange := averageRange(bars, tkRangePeriod)
	if avgRange.IsZero() {
		return types.Hold("flat_range")
	}
	slDist := avgRange.Mul(tkSLMult)
	tpDist := avgRange.Mul(tkTPMult)

	if crossedUp {
		return types.SignalIntent{
			Direction:  types.DirectionBuy,
			StopLoss:   lastClose.Sub(slDist),
			TakeProfit: lastClose.Add(tpDist),
			Confidence: crossConfidence(fastNow, slowNow, avgRange),
			Reasons:    []string{"tk_cross_up"},
		}
	}
	return types.SignalIntent{
		Direction:  types.DirectionSell,
		StopLoss:   lastClose.Add(slDist),
		TakeProfit: lastClose.Sub(tpDist),
		Confidence: crossConfidence(fastNow, slowNow, avgRange),
		Reasons:    []string{"tk_cross_down"},
	}
}

// sma computes the simple moving average of closes over period bars, shifted
// back by offset bars from the end.
func sma(bars []types.Bar, period, offset int) decimal.Decimal {
	end := len(bars) - offset
	sum := decimal.Zero
	for _, b := range bars[end-period : end] {
		sum = sum.Add(b.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// averageRange is the mean high-low range over the last period bars.
func averageRange(bars []types.Bar, period int) decimal.Decimal {
	if len(bars) < period {
		period = len(bars)
	}
	sum := decimal.Zero
	for _, b := range bars[len(bars)-period:] {
		sum = sum.Add(b.High.Sub(b.Low))
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// crossConfidence scales the MA separation by the average range, capped at 1.
func crossConfidence(fast, slow, avgRange decimal.Decimal) decimal.Decimal {
	sep := fast.Sub(slow).Abs()
	conf := sep.Div(avgRange)
	one := decimal.NewFromInt(1)
	if conf.GreaterThan(one) {
		return one
	}
	return conf
}
