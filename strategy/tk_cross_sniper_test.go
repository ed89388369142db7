package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// flatBars builds n bars with constant close, then appends one bar at
// lastClose so a fast/slow cross fires on the final bar.
func flatBars(n int, base, lastClose float64) []types.Bar {
	ts := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 0, n+1)
	for i := 0; i < n; i++ {
		bars = append(bars, barAt(ts.Add(time.Duration(i)*time.Hour), base))
	}
	return append(bars, barAt(ts.Add(time.Duration(n)*time.Hour), lastClose))
}

func barAt(ts time.Time, close float64) types.Bar {
	c := decimal.NewFromFloat(close)
	one := decimal.NewFromInt(1)
	return types.Bar{
		Symbol:    "EURUSD",
		Timeframe: types.TFH1,
		Timestamp: ts,
		Open:      c,
		High:      c.Add(one),
		Low:       c.Sub(one),
		Close:     c,
		Volume:    decimal.NewFromInt(10),
	}
}

func TestRegistryResolvesTKCrossSniper(t *testing.T) {
	s, err := New("TKCrossSniper")
	require.NoError(t, err)
	assert.Equal(t, "TKCrossSniper", s.Name())
	assert.Equal(t, tkSlowPeriod+1, s.Warmup())
	assert.Contains(t, Names(), "TKCrossSniper")

	_, err = New("no_such_bot")
	assert.Error(t, err)
}

func TestTKCrossSniperHoldsDuringWarmup(t *testing.T) {
	s := NewTKCrossSniper()
	sig := s.OnBars(flatBars(5, 100, 100), types.SideNone, Context{})
	assert.Equal(t, types.DirectionHold, sig.Direction)
	assert.Contains(t, sig.Reasons, "warmup")
}

func TestTKCrossSniperEntrySignals(t *testing.T) {
	s := NewTKCrossSniper()

	up := s.OnBars(flatBars(tkSlowPeriod, 100, 110), types.SideNone, Context{})
	require.Equal(t, types.DirectionBuy, up.Direction)
	assert.Contains(t, up.Reasons, "tk_cross_up")
	// avgRange is 2 everywhere, so SL sits 3 below the close, TP 6 above.
	assert.True(t, up.StopLoss.Equal(decimal.NewFromInt(107)), "got SL %s", up.StopLoss)
	assert.True(t, up.TakeProfit.Equal(decimal.NewFromInt(116)), "got TP %s", up.TakeProfit)
	assert.True(t, up.Confidence.GreaterThan(decimal.Zero))

	down := s.OnBars(flatBars(tkSlowPeriod, 100, 90), types.SideNone, Context{})
	require.Equal(t, types.DirectionSell, down.Direction)
	assert.True(t, down.StopLoss.GreaterThan(down.TakeProfit), "short SL above TP")
}

func TestTKCrossSniperNoCrossHolds(t *testing.T) {
	s := NewTKCrossSniper()
	sig := s.OnBars(flatBars(tkSlowPeriod, 100, 100), types.SideNone, Context{})
	assert.Equal(t, types.DirectionHold, sig.Direction)
	assert.Contains(t, sig.Reasons, "no_cross")
}

func TestTKCrossSniperReversesAgainstOpenPosition(t *testing.T) {
	s := NewTKCrossSniper()

	// Cross down while long exits the long.
	sig := s.OnBars(flatBars(tkSlowPeriod, 100, 90), types.SideLong, Context{})
	assert.Equal(t, types.DirectionSell, sig.Direction)
	assert.Contains(t, sig.Reasons, "tk_cross_down")

	// A cross in the position's own direction holds.
	sig = s.OnBars(flatBars(tkSlowPeriod, 100, 110), types.SideLong, Context{})
	assert.Equal(t, types.DirectionHold, sig.Direction)
	assert.Contains(t, sig.Reasons, "in_position")
}
