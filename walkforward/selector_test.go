package walkforward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func rec(symbol, bot string, folds int, meanSharpe, pctProfitable, consistency float64) Recommendation {
	return Recommendation{
		Key:              types.ComboKey{Symbol: symbol, Bot: bot, Timeframe: types.TFH1},
		Folds:            folds,
		MeanSharpe:       meanSharpe,
		PctProfitable:    pctProfitable,
		ConsistencyScore: consistency,
	}
}

func TestSelectAppliesThresholds(t *testing.T) {
	recs := []Recommendation{
		rec("EURUSD", "a", 4, 1.5, 75, 3.0),
		rec("EURUSD", "b", 1, 2.0, 100, 2.5), // too few folds
		rec("GBPUSD", "a", 4, 0.2, 75, 2.0),  // mean sharpe below floor
		rec("USDJPY", "a", 4, 1.0, 25, 1.5),  // not profitable enough
	}

	picked := Select(recs, SelectorConfig{MinFolds: 2, MinMeanSharpe: 0.5, MinPctProfitable: 50})
	require.Len(t, picked, 1)
	assert.Equal(t, "EURUSD", picked[0].Rec.Key.Symbol)
	assert.Contains(t, picked[0].Rationale, "4 folds")
}

func TestSelectDiversityCap(t *testing.T) {
	recs := []Recommendation{
		rec("EURUSD", "a", 4, 2.0, 100, 5.0),
		rec("EURUSD", "b", 4, 1.8, 100, 4.0),
		rec("EURUSD", "c", 4, 1.6, 100, 3.0),
		rec("GBPUSD", "a", 4, 1.4, 100, 2.0),
	}

	picked := Select(recs, SelectorConfig{MaxPerSymbol: 2})
	require.Len(t, picked, 3)
	assert.Equal(t, "EURUSD", picked[0].Rec.Key.Symbol)
	assert.Equal(t, "EURUSD", picked[1].Rec.Key.Symbol)
	assert.Equal(t, "GBPUSD", picked[2].Rec.Key.Symbol)
}

func TestSelectMaxTotal(t *testing.T) {
	recs := []Recommendation{
		rec("EURUSD", "a", 4, 2.0, 100, 5.0),
		rec("GBPUSD", "a", 4, 1.8, 100, 4.0),
		rec("USDJPY", "a", 4, 1.6, 100, 3.0),
	}
	picked := Select(recs, SelectorConfig{MaxTotal: 2})
	assert.Len(t, picked, 2)
}
