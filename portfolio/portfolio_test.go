package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestEquityIsCashPlusUnrealized(t *testing.T) {
	p := New(d(10000))
	require.NoError(t, p.Open("EURUSD", "bot1", types.SideLong, d(1000), d(1.1000), t0, decimal.Zero, decimal.Zero, d(2)))

	p.UpdatePrices(map[string]decimal.Decimal{"EURUSD": d(1.1050)})

	// cash = 10000 - 2 entry fee; uPnL = 0.005 * 1000 = 5
	assert.True(t, p.Cash().Equal(d(9998)))
	assert.True(t, p.Equity().Equal(d(10003)), "got %s", p.Equity())
}

func TestMAEMFETracking(t *testing.T) {
	p := New(d(10000))
	require.NoError(t, p.Open("EURUSD", "bot1", types.SideLong, d(100), d(1.1000), t0, decimal.Zero, decimal.Zero, decimal.Zero))

	p.UpdatePrices(map[string]decimal.Decimal{"EURUSD": d(1.0950)}) // uPnL -0.5
	p.UpdatePrices(map[string]decimal.Decimal{"EURUSD": d(1.1100)}) // uPnL +1.0
	p.UpdatePrices(map[string]decimal.Decimal{"EURUSD": d(1.1020)}) // uPnL +0.2

	pos, ok := p.Get("EURUSD", "bot1")
	require.True(t, ok)
	assert.True(t, pos.MAE.Equal(d(-0.5)), "mae %s", pos.MAE)
	assert.True(t, pos.MFE.Equal(d(1.0)), "mfe %s", pos.MFE)
}

func TestCheckExitsStopLossLong(t *testing.T) {
	p := New(d(10000))
	require.NoError(t, p.Open("EURUSD", "bot1", types.SideLong, d(100), d(1.1000), t0, d(1.0950), d(1.1100), decimal.Zero))
	p.IncrementBarsHeld()
	p.IncrementBarsHeld()

	trades := p.CheckExits(map[string]decimal.Decimal{"EURUSD": d(1.0940)}, t0.Add(2*time.Hour))
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "STOP_LOSS", tr.Reason)
	assert.True(t, tr.ExitPrice.Equal(d(1.0950)), "closed at SL level, got %s", tr.ExitPrice)
	assert.True(t, tr.PnL.Equal(d(-0.5)))
	assert.Equal(t, 2, tr.BarsHeld)
	assert.Equal(t, 0, p.OpenCount())
	assert.True(t, p.Cash().Equal(d(9999.5)))
}

func TestCheckExitsTakeProfitShort(t *testing.T) {
	p := New(d(10000))
	require.NoError(t, p.Open("GBPUSD", "bot1", types.SideShort, d(100), d(1.3000), t0, d(1.3100), d(1.2900), decimal.Zero))

	trades := p.CheckExits(map[string]decimal.Decimal{"GBPUSD": d(1.2890)}, t0.Add(time.Hour))
	require.Len(t, trades, 1)
	assert.Equal(t, "TAKE_PROFIT", trades[0].Reason)
	assert.True(t, trades[0].PnL.Equal(d(1.0)), "short TP pnl, got %s", trades[0].PnL)
}

func TestHighWaterMarkMonotone(t *testing.T) {
	p := New(d(10000))
	require.NoError(t, p.Open("EURUSD", "bot1", types.SideLong, d(1000), d(1.1000), t0, decimal.Zero, decimal.Zero, decimal.Zero))

	prices := []float64{1.1100, 1.0900, 1.1050, 1.0800}
	var prevHWM decimal.Decimal
	for i, px := range prices {
		p.UpdatePrices(map[string]decimal.Decimal{"EURUSD": d(px)})
		point := p.RecordEquity(t0.Add(time.Duration(i) * time.Hour))
		assert.True(t, point.HighWaterMark.GreaterThanOrEqual(prevHWM))
		assert.True(t, point.Drawdown.GreaterThanOrEqual(decimal.Zero))
		prevHWM = point.HighWaterMark
	}

	curve := p.Curve()
	require.Len(t, curve, 4)
	// Peak was +10 at 1.1100.
	assert.True(t, curve[3].HighWaterMark.Equal(d(10010)))
	assert.True(t, curve[3].Drawdown.Equal(d(30)), "dd %s", curve[3].Drawdown)
}

func TestDuplicateOpenRejected(t *testing.T) {
	p := New(d(1000))
	require.NoError(t, p.Open("EURUSD", "bot1", types.SideLong, d(1), d(1.1), t0, decimal.Zero, decimal.Zero, decimal.Zero))
	err := p.Open("EURUSD", "bot1", types.SideShort, d(1), d(1.1), t0, decimal.Zero, decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestResetRestoresInitialState(t *testing.T) {
	p := New(d(5000))
	require.NoError(t, p.Open("EURUSD", "bot1", types.SideLong, d(10), d(1.1), t0, decimal.Zero, decimal.Zero, d(1)))
	_, err := p.Close("EURUSD", "bot1", d(1.2), t0.Add(time.Hour), "MANUAL")
	require.NoError(t, err)
	p.RecordEquity(t0.Add(time.Hour))

	p.Reset()

	assert.True(t, p.Cash().Equal(d(5000)))
	assert.True(t, p.Equity().Equal(d(5000)))
	assert.Equal(t, 0, p.OpenCount())
	assert.Empty(t, p.Curve())
	assert.Empty(t, p.Trades())
}
