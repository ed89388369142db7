package sim

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testBar(close float64) types.Bar {
	return types.Bar{
		Symbol:    "EURUSD",
		Timeframe: types.TFH1,
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Open:      d(close),
		High:      d(close + 0.001),
		Low:       d(close - 0.001),
		Close:     d(close),
		Volume:    d(100),
	}
}

func TestFillPriceAdverse(t *testing.T) {
	s := New(Config{Spread: d(0.0002), Slippage: d(0.0001)})
	bar := testBar(1.1000)

	buy := s.FillPrice(ActionBuy, bar)
	sell := s.FillPrice(ActionSell, bar)

	assert.True(t, buy.Equal(d(1.1002)), "buy pays close + spread/2 + slippage, got %s", buy)
	assert.True(t, sell.Equal(d(1.0998)), "sell receives close - spread/2 - slippage, got %s", sell)

	// Closing a long sells; closing a short buys back.
	assert.True(t, s.FillPrice(ActionCloseLong, bar).Equal(sell))
	assert.True(t, s.FillPrice(ActionCloseShort, bar).Equal(buy))
}

func TestFees(t *testing.T) {
	s := New(Config{
		Fees: FeeSchedule{PerTradeFlat: d(2), PerLot: d(0.5), Percentage: d(0.1)},
	})
	res := s.Execute("EURUSD", ActionBuy, d(4), testBar(1.2500))
	require.True(t, res.Filled)
	// 2 + 0.5*4 + 0.001*4*1.25 = 4.005
	assert.True(t, res.Fees.Equal(d(4.005)), "got %s", res.Fees)
}

func TestDealingRules(t *testing.T) {
	s := New(Config{
		Rules: map[string]DealingRules{
			"EURUSD": {MinSize: d(0.1), MaxSize: d(10), SizeStep: d(0.1)},
		},
		StepEps: d(0.001),
	})
	bar := testBar(1.1)

	res := s.Execute("EURUSD", ActionBuy, d(0.05), bar)
	assert.False(t, res.Filled)
	assert.Contains(t, res.Reason, "min_size")

	res = s.Execute("EURUSD", ActionBuy, d(11), bar)
	assert.False(t, res.Filled)
	assert.Contains(t, res.Reason, "max_size")

	// Within epsilon of a step: rounded, not rejected.
	res = s.Execute("EURUSD", ActionBuy, d(0.3004), bar)
	require.True(t, res.Filled)
	assert.True(t, res.Size.Equal(d(0.3)), "got %s", res.Size)

	// Far from any step: rejected.
	res = s.Execute("EURUSD", ActionBuy, d(0.35), bar)
	assert.False(t, res.Filled)
	assert.Contains(t, res.Reason, "size_step")

	// Unknown symbols carry no constraints.
	res = s.Execute("GBPUSD", ActionBuy, d(0.37), bar)
	assert.True(t, res.Filled)
}

func TestHistoryRecordsFillsAndRejections(t *testing.T) {
	s := New(DefaultConfig())
	bar := testBar(1.1)

	s.Execute("EURUSD", ActionBuy, d(1), bar)
	s.Execute("EURUSD", ActionSell, d(-1), bar)
	s.Warn("volume missing")

	hist := s.History()
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Filled)
	assert.False(t, hist[1].Filled)
	assert.Equal(t, "non_positive_size", hist[1].Reason)
	assert.Equal(t, []string{"volume missing"}, s.Warnings())
}
