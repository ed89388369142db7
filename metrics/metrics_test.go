package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/portfolio"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func curveOf(equities ...float64) []portfolio.EquityPoint {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]portfolio.EquityPoint, len(equities))
	for i, eq := range equities {
		out[i] = portfolio.EquityPoint{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Equity:    d(eq),
		}
	}
	return out
}

func trade(pnl, fees float64, barsHeld int) types.TradeRecord {
	return types.TradeRecord{PnL: d(pnl), Fees: d(fees), BarsHeld: barsHeld}
}

func TestSharpeZeroStdevSentinel(t *testing.T) {
	constant := []float64{0.01, 0.01, 0.01}
	assert.Equal(t, CappedSentinel, Sharpe(constant, 0, 1))

	negative := []float64{-0.01, -0.01, -0.01}
	assert.Equal(t, -CappedSentinel, Sharpe(negative, 0, 1))

	flat := []float64{0, 0, 0}
	assert.Equal(t, 0.0, Sharpe(flat, 0, 1))
}

func TestSharpeAnnualized(t *testing.T) {
	returns := []float64{0.01, -0.005, 0.012, 0.003, -0.002}
	got := Sharpe(returns, 0, 1440)

	m := mean(returns)
	sd := stddev(returns)
	want := m / sd * math.Sqrt(252*1440)
	assert.InDelta(t, want, got, 1e-9)
}

func TestSortinoNoDownsideIsInf(t *testing.T) {
	returns := []float64{0.01, 0.02, 0.005}
	assert.True(t, math.IsInf(Sortino(returns, 0, 1), 1))

	mixed := []float64{0.01, -0.02, 0.005}
	assert.False(t, math.IsInf(Sortino(mixed, 0, 1), 1))
}

func TestMaxDrawdown(t *testing.T) {
	abs, pct, dur := MaxDrawdown(curveOf(100, 110, 105, 95, 120))

	assert.InDelta(t, 15.0, abs, 1e-9)
	assert.InDelta(t, 15.0/110*100, pct, 1e-9)
	// 105 and 95 are under the 110 peak; 120 prints a new HWM and resets.
	assert.Equal(t, 2, dur)
}

func TestMaxDrawdownEmptyAndMonotone(t *testing.T) {
	abs, pct, dur := MaxDrawdown(nil)
	assert.Zero(t, abs)
	assert.Zero(t, pct)
	assert.Zero(t, dur)

	abs, _, _ = MaxDrawdown(curveOf(100, 101, 102, 103))
	assert.Zero(t, abs)
}

func TestComputeTradeStats(t *testing.T) {
	trades := []types.TradeRecord{
		trade(12, 2, 4), // net +10
		trade(-4, 1, 2), // net -5
	}
	s := Compute(curveOf(10000, 10010, 10005), trades, 1440)

	assert.Equal(t, 2, s.TradeCount)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 50.0, s.WinRate, 1e-9)
	assert.InDelta(t, 2.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 2.5, s.Expectancy, 1e-9)
	assert.InDelta(t, 10.0, s.AvgWin, 1e-9)
	assert.InDelta(t, -5.0, s.AvgLoss, 1e-9)
	assert.InDelta(t, 10.0, s.LargestWin, 1e-9)
	assert.InDelta(t, -5.0, s.LargestLoss, 1e-9)
	assert.InDelta(t, 3.0, s.AvgBarsHeld, 1e-9)
	assert.InDelta(t, 1.0, s.TimeInMarket, 1e-9) // 6 bars held over 2 curve intervals, capped
}

func TestComputeProfitFactorCappedOnZeroGrossLoss(t *testing.T) {
	trades := []types.TradeRecord{trade(10, 0, 1), trade(5, 0, 1)}
	s := Compute(curveOf(10000, 10015), trades, 1440)
	assert.Equal(t, CappedSentinel, s.ProfitFactor)
}

func TestComputeReturnAndCAGR(t *testing.T) {
	// 10% over 4 days, with one shallow dip.
	s := Compute(curveOf(10000, 10200, 10100, 10800, 11000), nil, 1440)

	require.InDelta(t, 10.0, s.TotalReturnPct, 1e-9)
	wantCAGR := (math.Pow(1.10, 365.25/4) - 1) * 100
	assert.InDelta(t, wantCAGR, s.CAGR, 1e-6)
	assert.InDelta(t, wantCAGR/s.MaxDrawdownPct, s.Calmar, 1e-6)
}

func TestComputeCalmarZeroWithoutDrawdown(t *testing.T) {
	s := Compute(curveOf(10000, 10100, 10200), nil, 1440)
	assert.Zero(t, s.MaxDrawdownPct)
	assert.Zero(t, s.Calmar)
}

func TestComputeEmptyInputs(t *testing.T) {
	s := Compute(nil, nil, 0)
	assert.Zero(t, s.Sharpe)
	assert.Zero(t, s.TradeCount)
	assert.Zero(t, s.ProfitFactor)
}
